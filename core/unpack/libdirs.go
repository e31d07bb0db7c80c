package unpack

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/reprozip/reprozip/internal/ctxlog"
)

var fallbackLibraryDirs = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64", "/usr/local/lib"}

// HostLibraryDirs lists the dynamic linker's search directories as
// reported by ldconfig, or a standard list when ldconfig is unavailable.
func HostLibraryDirs(ctx context.Context) []string {
	logger := ctxlog.FromContext(ctx)
	binary := "/sbin/ldconfig"
	if _, err := exec.LookPath(binary); err != nil {
		if binary, err = exec.LookPath("ldconfig"); err != nil {
			logger.Debug("ldconfig not found, using standard library directories")
			return append([]string(nil), fallbackLibraryDirs...)
		}
	}
	// #nosec G204 -- fixed arguments.
	output, err := exec.CommandContext(ctx, binary, "-v", "-N").Output()
	if err != nil && len(output) == 0 {
		logger.Debug("ldconfig failed, using standard library directories", "error", err)
		return append([]string(nil), fallbackLibraryDirs...)
	}
	dirs := parseLdconfig(bytes.NewReader(output))
	if len(dirs) == 0 {
		return append([]string(nil), fallbackLibraryDirs...)
	}
	return dirs
}

// parseLdconfig reads the directory headers of `ldconfig -v` output.
// Library entries are indented; headers look like "/usr/lib:" or
// "/usr/lib/x86_64-linux-gnu: (from /etc/ld.so.conf.d/x86_64.conf:4)".
func parseLdconfig(reader io.Reader) []string {
	var dirs []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 || line[0] != '/' {
			continue
		}
		dir, _, found := strings.Cut(line, ":")
		if !found || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}
