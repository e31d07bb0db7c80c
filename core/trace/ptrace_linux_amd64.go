//go:build linux && amd64

package trace

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

const (
	ptraceOptions = unix.PTRACE_O_TRACESYSGOOD |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACECLONE |
		unix.PTRACE_O_TRACEEXEC |
		unix.PTRACE_O_EXITKILL

	syscallTrap = syscall.SIGTRAP | 0x80
	maxPathLen  = 4096
	pageSize    = 4096
)

type ptraceTracer struct{}

func New() Tracer {
	return ptraceTracer{}
}

type call struct {
	sysno      uint64
	kind       Kind
	path       string
	target     string
	mode       Mode
	isDir      bool
	address    string
	cloneFlags uint64
	emitted    bool
}

type process struct {
	id           int
	pid          int
	parent       int
	thread       bool
	inSyscall    bool
	awaitingStop bool
	current      *call
}

// session holds the state of one trace. It is only touched by the goroutine
// that owns the tracing OS thread.
type session struct {
	ctx       context.Context
	runID     int
	events    chan<- Event
	processes map[int]*process
	orphans   map[int]bool
	nextID    int
	seq       int64
	rootPID   int
	result    Result
}

func (ptraceTracer) Trace(ctx context.Context, command Command, runID int, events chan<- Event) (Result, error) {
	if len(command.Argv) == 0 {
		return Result{}, fmt.Errorf("command is required")
	}
	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		// Never unlocked: the thread exits with this goroutine, and
		// PTRACE_O_EXITKILL then kills any tracee still attached.
		runtime.LockOSThread()
		result, err := traceLocked(ctx, command, runID, events)
		done <- outcome{result: result, err: err}
	}()
	out := <-done
	return out.result, out.err
}

func traceLocked(ctx context.Context, command Command, runID int, events chan<- Event) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()

	program, err := exec.LookPath(command.Argv[0])
	if err != nil {
		return Result{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "command_not_found", "check the command name and PATH")
	}
	if !filepath.IsAbs(program) {
		if abs, absErr := filepath.Abs(filepath.Join(command.Dir, program)); absErr == nil {
			program = abs
		}
	}
	// #nosec G204 -- tracing an arbitrary user command is the purpose of the tool.
	cmd := exec.Command(program, command.Argv[1:]...)
	cmd.Args = command.Argv
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	cmd.Stdin = command.Stdin
	cmd.Stdout = command.Stdout
	cmd.Stderr = command.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, syscall.EPERM) {
			return Result{}, coreerrors.Wrap(err, coreerrors.CategoryUnsupportedPlatform, "ptrace_denied",
				"ptrace is not permitted here; check kernel.yama.ptrace_scope or container seccomp profile")
		}
		return Result{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_start_failed", "")
	}
	rootPID := cmd.Process.Pid
	_ = cmd.Process.Release()

	var status unix.WaitStatus
	if _, err := unix.Wait4(rootPID, &status, unix.WALL, nil); err != nil {
		return Result{}, fmt.Errorf("wait for initial stop: %w", err)
	}
	if !status.Stopped() {
		return Result{}, fmt.Errorf("traced command did not stop after exec (status %#x)", uint32(status))
	}
	if err := unix.PtraceSetOptions(rootPID, ptraceOptions); err != nil {
		_ = unix.Kill(rootPID, unix.SIGKILL)
		return Result{}, fmt.Errorf("set ptrace options: %w", err)
	}

	stopKiller := make(chan struct{})
	defer close(stopKiller)
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn("trace cancelled, killing traced process group", "pgid", rootPID)
			_ = unix.Kill(-rootPID, unix.SIGKILL)
		case <-stopKiller:
		}
	}()

	s := &session{
		ctx:       ctx,
		runID:     runID,
		events:    events,
		processes: map[int]*process{},
		orphans:   map[int]bool{},
		rootPID:   rootPID,
	}
	root := s.addProcess(rootPID, 0, false)
	s.emit(Event{Kind: KindProcessCreate, ProcessID: root.id, PID: rootPID, WorkingDir: cwdOf(rootPID)})
	s.emitExec(root, program)
	if err := unix.PtraceSyscall(rootPID, 0); err != nil {
		return Result{}, fmt.Errorf("resume traced command: %w", err)
	}

	if err := s.loop(); err != nil {
		return s.result, err
	}
	s.result.Duration = time.Since(started)
	s.result.Events = s.seq
	if ctx.Err() != nil {
		return s.result, ctx.Err()
	}
	return s.result, nil
}

func (s *session) loop() error {
	logger := ctxlog.FromContext(s.ctx)
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &status, unix.WALL, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ECHILD) {
				return nil
			}
			return fmt.Errorf("wait for tracees: %w", err)
		}
		proc := s.processes[pid]

		switch {
		case status.Exited() || status.Signaled():
			s.exited(pid, proc, status)
			continue
		case !status.Stopped():
			continue
		}

		if proc == nil {
			// A new child can report its first stop before the parent's
			// fork event; keep it stopped until the parent claims it.
			logger.Debug("parking early child", "pid", pid)
			s.orphans[pid] = true
			continue
		}

		signal := 0
		stopSignal := status.StopSignal()
		switch {
		case stopSignal == syscallTrap:
			s.syscallStop(proc)
		case stopSignal == syscall.SIGTRAP && status.TrapCause() > 0:
			s.eventStop(proc, status.TrapCause())
		case stopSignal == syscall.SIGSTOP && proc.awaitingStop:
			proc.awaitingStop = false
		default:
			signal = int(stopSignal)
		}
		if err := unix.PtraceSyscall(pid, signal); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("resume pid %d: %w", pid, err)
		}
	}
}

func (s *session) addProcess(pid, parent int, thread bool) *process {
	proc := &process{pid: pid, parent: parent, thread: thread}
	if thread && parent != 0 {
		// threads act on behalf of their process
		proc.id = parent
	} else {
		s.nextID++
		proc.id = s.nextID
		s.result.Processes++
	}
	s.processes[pid] = proc
	return proc
}

func (s *session) exited(pid int, proc *process, status unix.WaitStatus) {
	delete(s.orphans, pid)
	if proc == nil {
		return
	}
	delete(s.processes, pid)
	event := Event{Kind: KindProcessExit, ProcessID: proc.id, PID: pid}
	if status.Exited() {
		event.ExitCode = status.ExitStatus()
	} else {
		event.Signal = int(status.Signal())
		event.ExitCode = 128 + event.Signal
	}
	if pid == s.rootPID {
		s.result.ExitCode = event.ExitCode
		s.result.Signal = event.Signal
	}
	if proc.thread {
		return
	}
	s.emit(event)
}

func (s *session) eventStop(proc *process, cause int) {
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		msg, err := unix.PtraceGetEventMsg(proc.pid)
		if err != nil {
			return
		}
		childPID := int(msg)
		thread := false
		if cause == unix.PTRACE_EVENT_CLONE && proc.current != nil {
			thread = proc.current.cloneFlags&unix.CLONE_THREAD != 0
		}
		child := s.addProcess(childPID, proc.id, thread)
		if !thread {
			s.emit(Event{Kind: KindProcessCreate, ProcessID: child.id, ParentProcessID: proc.id, PID: childPID, WorkingDir: cwdOf(proc.pid)})
		}
		if s.orphans[childPID] {
			delete(s.orphans, childPID)
			_ = unix.PtraceSyscall(childPID, 0)
		} else {
			child.awaitingStop = true
		}
	case unix.PTRACE_EVENT_EXEC:
		if msg, err := unix.PtraceGetEventMsg(proc.pid); err == nil && int(msg) != proc.pid {
			delete(s.processes, int(msg))
		}
		path := ""
		if proc.current != nil {
			path = proc.current.path
			proc.current.emitted = true
		}
		s.emitExec(proc, path)
	}
}

func (s *session) emitExec(proc *process, path string) {
	exe, _ := procReadlink(proc.pid, "exe")
	if path == "" {
		path = exe
	}
	s.emit(Event{
		Kind:       KindExec,
		ProcessID:  proc.id,
		PID:        proc.pid,
		Path:       path,
		Binary:     exe,
		Mode:       ModeRead,
		Argv:       procNulList(proc.pid, "cmdline"),
		Envp:       procNulList(proc.pid, "environ"),
		WorkingDir: cwdOf(proc.pid),
	})
}

func (s *session) syscallStop(proc *process) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(proc.pid, &regs); err != nil {
		return
	}
	if !proc.inSyscall {
		proc.inSyscall = true
		proc.current = decodeEntry(proc.pid, &regs)
		return
	}
	proc.inSyscall = false
	current := proc.current
	proc.current = nil
	if current == nil || current.kind == "" || current.emitted {
		return
	}
	result := int(int64(regs.Rax))
	event := Event{
		Kind:        current.kind,
		ProcessID:   proc.id,
		PID:         proc.pid,
		Path:        current.path,
		Target:      current.target,
		Mode:        current.mode,
		Result:      result,
		IsDirectory: current.isDir,
		Address:     current.address,
	}
	if result >= 0 {
		switch current.kind {
		case KindOpen, KindStat:
			if !event.IsDirectory && event.Path != "" {
				if info, err := os.Stat(event.Path); err == nil && info.IsDir() {
					event.IsDirectory = true
				}
			}
		case KindChdir:
			event.WorkingDir = cwdOf(proc.pid)
			event.Path = event.WorkingDir
			event.IsDirectory = true
		}
	}
	s.emit(event)
}

func (s *session) emit(event Event) {
	s.seq++
	event.Seq = s.seq
	event.RunID = s.runID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

func decodeEntry(pid int, regs *unix.PtraceRegs) *call {
	args := [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9}
	c := &call{sysno: regs.Orig_rax}
	pathAt := func(dirfd, addr uint64) string {
		raw, err := readString(pid, addr)
		if err != nil {
			return ""
		}
		return resolveAt(pid, int(int32(dirfd)), raw)
	}
	fdcwd := int32(atFDCWD)
	cwd := uint64(uint32(fdcwd))

	switch c.sysno {
	case unix.SYS_OPEN:
		c.kind, c.path = KindOpen, pathAt(cwd, args[0])
		c.mode, c.isDir = openMode(args[1])
	case unix.SYS_CREAT:
		c.kind, c.path, c.mode = KindOpen, pathAt(cwd, args[0]), ModeWrite
	case unix.SYS_OPENAT:
		c.kind, c.path = KindOpen, pathAt(args[0], args[1])
		c.mode, c.isDir = openMode(args[2])
	case unix.SYS_OPENAT2:
		c.kind, c.path = KindOpen, pathAt(args[0], args[1])
		if how, err := readBytes(pid, args[2], 8); err == nil {
			c.mode, c.isDir = openMode(binary.LittleEndian.Uint64(how))
		}
	case unix.SYS_STAT, unix.SYS_ACCESS:
		c.kind, c.path, c.mode = KindStat, pathAt(cwd, args[0]), ModeStat
	case unix.SYS_LSTAT, unix.SYS_READLINK:
		c.kind, c.path, c.mode = KindStat, pathAt(cwd, args[0]), ModeStat|ModeLink
	case unix.SYS_NEWFSTATAT:
		if args[3]&unix.AT_EMPTY_PATH != 0 {
			return c
		}
		c.kind, c.path, c.mode = KindStat, pathAt(args[0], args[1]), ModeStat
	case unix.SYS_STATX:
		if args[2]&unix.AT_EMPTY_PATH != 0 {
			return c
		}
		c.kind, c.path, c.mode = KindStat, pathAt(args[0], args[1]), ModeStat
	case unix.SYS_FACCESSAT, unix.SYS_FACCESSAT2:
		c.kind, c.path, c.mode = KindStat, pathAt(args[0], args[1]), ModeStat
	case unix.SYS_READLINKAT:
		c.kind, c.path, c.mode = KindStat, pathAt(args[0], args[1]), ModeStat|ModeLink
	case unix.SYS_EXECVE:
		c.kind, c.path, c.mode = KindExec, pathAt(cwd, args[0]), ModeRead
	case unix.SYS_EXECVEAT:
		c.kind, c.path, c.mode = KindExec, pathAt(args[0], args[1]), ModeRead
	case unix.SYS_CHDIR:
		c.kind, c.path, c.mode = KindChdir, pathAt(cwd, args[0]), ModeWorkDir
	case unix.SYS_FCHDIR:
		c.kind, c.mode = KindChdir, ModeWorkDir
	case unix.SYS_MKDIR:
		c.kind, c.path, c.isDir = KindMkdir, pathAt(cwd, args[0]), true
	case unix.SYS_MKDIRAT:
		c.kind, c.path, c.isDir = KindMkdir, pathAt(args[0], args[1]), true
	case unix.SYS_UNLINK:
		c.kind, c.path = KindUnlink, pathAt(cwd, args[0])
	case unix.SYS_RMDIR:
		c.kind, c.path, c.isDir = KindUnlink, pathAt(cwd, args[0]), true
	case unix.SYS_UNLINKAT:
		c.kind, c.path = KindUnlink, pathAt(args[0], args[1])
		c.isDir = args[2]&unix.AT_REMOVEDIR != 0
	case unix.SYS_RENAME:
		c.kind, c.path, c.target = KindRename, pathAt(cwd, args[0]), pathAt(cwd, args[1])
	case unix.SYS_RENAMEAT, unix.SYS_RENAMEAT2:
		c.kind, c.path, c.target = KindRename, pathAt(args[0], args[1]), pathAt(args[2], args[3])
	case unix.SYS_SYMLINK:
		c.kind, c.path = KindSymlink, pathAt(cwd, args[1])
		c.target, _ = readString(pid, args[0])
	case unix.SYS_SYMLINKAT:
		c.kind, c.path = KindSymlink, pathAt(args[1], args[2])
		c.target, _ = readString(pid, args[0])
	case unix.SYS_CONNECT:
		if raw, err := readBytes(pid, args[1], int(min(args[2], 128))); err == nil {
			c.kind, c.address = KindConnect, decodeSockaddr(raw)
		}
	case unix.SYS_CLONE:
		c.cloneFlags = args[0]
	case unix.SYS_CLONE3:
		if raw, err := readBytes(pid, args[0], 8); err == nil {
			c.cloneFlags = binary.LittleEndian.Uint64(raw)
		}
	}
	return c
}

func openMode(flags uint64) (Mode, bool) {
	isDir := flags&unix.O_DIRECTORY != 0
	switch flags & unix.O_ACCMODE {
	case unix.O_WRONLY:
		return ModeWrite, isDir
	case unix.O_RDWR:
		return ModeRead | ModeWrite, isDir
	default:
		return ModeRead, isDir
	}
}

func readString(pid int, addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("null pointer")
	}
	out := make([]byte, 0, 256)
	for len(out) < maxPathLen {
		chunk := pageSize - int(addr%pageSize)
		if chunk > 256 {
			chunk = 256
		}
		buf := make([]byte, chunk)
		n, err := unix.PtracePeekData(pid, uintptr(addr), buf)
		if err != nil && n == 0 {
			return "", err
		}
		for _, b := range buf[:n] {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
		addr += uint64(n)
	}
	return string(out), nil
}

func readBytes(pid int, addr uint64, size int) ([]byte, error) {
	if addr == 0 || size <= 0 {
		return nil, fmt.Errorf("invalid read of %d bytes at %#x", size, addr)
	}
	buf := make([]byte, size)
	n, err := unix.PtracePeekData(pid, uintptr(addr), buf)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

func decodeSockaddr(raw []byte) string {
	if len(raw) < 2 {
		return ""
	}
	family := binary.LittleEndian.Uint16(raw[:2])
	switch family {
	case unix.AF_INET:
		if len(raw) < 8 {
			return ""
		}
		addr := netip.AddrFrom4([4]byte(raw[4:8]))
		return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(raw[2:4])).String()
	case unix.AF_INET6:
		if len(raw) < 24 {
			return ""
		}
		addr := netip.AddrFrom16([16]byte(raw[8:24]))
		return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(raw[2:4])).String()
	case unix.AF_UNIX:
		name := raw[2:]
		if len(name) > 0 && name[0] == 0 {
			return "unix:@" + string(trimNul(name[1:]))
		}
		return "unix:" + string(trimNul(name))
	}
	return fmt.Sprintf("family:%d", family)
}

func trimNul(raw []byte) []byte {
	for i, b := range raw {
		if b == 0 {
			return raw[:i]
		}
	}
	return raw
}

func cwdOf(pid int) string {
	cwd, _ := procReadlink(pid, "cwd")
	return cwd
}
