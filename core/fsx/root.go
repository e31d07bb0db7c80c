package fsx

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// JoinRoot places an absolute path from the original machine under root.
// The path is cleaned first so it can never climb out of root.
func JoinRoot(root, original string) string {
	cleaned := path.Clean("/" + filepath.ToSlash(original))
	if cleaned == "/" {
		return filepath.Clean(root)
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
}

// WithinRoot reports whether candidate is root itself or below it.
func WithinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(candidate))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// MakeDirWritable gives the owner full access to dir and to every ancestor
// lacking it, so entries can be created in dir. The returned func restores
// the previous modes, deepest first.
func MakeDirWritable(dir string) (func(), error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}
	chain := []string{abs}
	for parent := filepath.Dir(abs); parent != chain[len(chain)-1]; parent = filepath.Dir(parent) {
		chain = append(chain, parent)
	}

	type change struct {
		path string
		mode os.FileMode
	}
	var changed []change
	restore := func() {
		for index := len(changed) - 1; index >= 0; index-- {
			_ = os.Chmod(changed[index].path, changed[index].mode)
		}
	}
	for index := len(chain) - 1; index >= 0; index-- {
		path := chain[index]
		info, err := os.Lstat(path)
		if err != nil {
			restore()
			return nil, fmt.Errorf("stat directory: %w", err)
		}
		if !info.IsDir() {
			restore()
			return nil, fmt.Errorf("not a directory: %s", path)
		}
		mode := info.Mode().Perm()
		if mode&0o700 == 0o700 {
			continue
		}
		// #nosec G302 -- only owner bits are added, and restored afterwards.
		if err := os.Chmod(path, mode|0o700); err != nil {
			restore()
			return nil, fmt.Errorf("make directory writable: %w", err)
		}
		changed = append(changed, change{path: path, mode: mode})
	}
	return restore, nil
}

// EnsureParentWritable creates the parents of target and makes its
// immediate parent writable for the duration of fn.
func EnsureParentWritable(target string, fn func() error) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	restore, err := MakeDirWritable(parent)
	if err != nil {
		return err
	}
	defer restore()
	return fn()
}

const maxLinkHops = 40

// ResolveInRoot maps an original absolute path to its location under root
// the way a process chrooted into root would see it. Symlinks in the parent
// components are followed with absolute targets taken relative to root, and
// ".." never climbs above root. The last component is not followed.
func ResolveInRoot(root, original string) (string, error) {
	pending := splitComponents(original)
	var resolved []string
	hops := 0
	for len(pending) > 0 {
		component := pending[0]
		pending = pending[1:]
		switch component {
		case ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}
		if len(pending) == 0 {
			resolved = append(resolved, component)
			break
		}
		candidate := JoinRoot(root, "/"+path.Join(append(resolved, component)...))
		info, err := os.Lstat(candidate)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			resolved = append(resolved, component)
			continue
		}
		hops++
		if hops > maxLinkHops {
			return "", fmt.Errorf("too many levels of symbolic links: %s", original)
		}
		target, err := os.Readlink(candidate)
		if err != nil {
			return "", fmt.Errorf("read link %s: %w", candidate, err)
		}
		if path.IsAbs(filepath.ToSlash(target)) {
			resolved = nil
		}
		pending = append(splitComponents(target), pending...)
	}
	return JoinRoot(root, "/"+path.Join(resolved...)), nil
}

func splitComponents(value string) []string {
	var components []string
	for _, component := range strings.Split(filepath.ToSlash(value), "/") {
		if component != "" {
			components = append(components, component)
		}
	}
	return components
}
