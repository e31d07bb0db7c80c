//go:build unix

package unpack

import (
	"os"
	"syscall"
)

func fileOwner(info os.FileInfo) (int, int, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(stat.Uid), int(stat.Gid), true
}

func chrootAttr(root string, uid, gid int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Chroot: root}
	if uid != os.Geteuid() || gid != os.Getegid() {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), NoSetGroups: true}
	}
	return attr
}

// exitStatus reports the status a shell would: the exit code, or 128 plus
// the signal number for a killed process.
func exitStatus(state *os.ProcessState) (int, int) {
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), int(status.Signal())
	}
	return state.ExitCode(), 0
}
