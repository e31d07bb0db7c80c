//go:build linux

package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
)

const atFDCWD = -100

func procPath(pid int, parts ...string) string {
	return filepath.Join(append([]string{"/proc", strconv.Itoa(pid)}, parts...)...)
}

func procReadlink(pid int, parts ...string) (string, error) {
	return os.Readlink(procPath(pid, parts...))
}

// procNulList reads a NUL-separated /proc file such as cmdline or environ.
func procNulList(pid int, name string) []string {
	// #nosec G304 -- path is built from a traced pid under /proc.
	raw, err := os.ReadFile(procPath(pid, name))
	if err != nil || len(raw) == 0 {
		return nil
	}
	raw = bytes.TrimSuffix(raw, []byte{0})
	parts := bytes.Split(raw, []byte{0})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, string(part))
	}
	return out
}

// resolveAt makes a syscall path argument absolute the way the kernel
// would: against the process cwd for AT_FDCWD, or against the directory
// open on dirfd.
func resolveAt(pid int, dirfd int, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	var (
		base string
		err  error
	)
	if dirfd == atFDCWD {
		base, err = procReadlink(pid, "cwd")
	} else {
		base, err = procReadlink(pid, "fd", strconv.Itoa(dirfd))
	}
	if err != nil || !filepath.IsAbs(base) {
		return path
	}
	return filepath.Join(base, path)
}
