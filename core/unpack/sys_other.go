//go:build !unix

package unpack

import (
	"os"
	"syscall"
)

func fileOwner(os.FileInfo) (int, int, bool) { return 0, 0, false }

func chrootAttr(string, int, int) *syscall.SysProcAttr { return nil }

func exitStatus(state *os.ProcessState) (int, int) { return state.ExitCode(), 0 }
