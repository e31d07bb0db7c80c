package graph

import (
	"os"
	"path/filepath"
	"strings"
)

const maxSymlinkHops = 40

// HostResolver expands paths against the filesystem under Root ("/" when
// empty). Paths that do not exist are returned unchanged.
type HostResolver struct {
	Root string
}

func (r HostResolver) Expand(path string) []string {
	var links []string
	resolved := r.walk(filepath.Clean(path), &links, 0)
	if resolved == "" {
		return []string{path}
	}
	return append(links, resolved)
}

func (r HostResolver) host(path string) string {
	if r.Root == "" || r.Root == "/" {
		return path
	}
	return filepath.Join(r.Root, path)
}

// walk resolves path one component at a time, appending every symlink it
// crosses to links. It returns "" when a component is missing.
func (r HostResolver) walk(path string, links *[]string, hops int) string {
	current := "/"
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for index, part := range parts {
		if part == "" || part == "." {
			continue
		}
		next := filepath.Join(current, part)
		info, err := os.Lstat(r.host(next))
		if err != nil {
			return ""
		}
		if info.Mode()&os.ModeSymlink == 0 {
			current = next
			continue
		}
		if hops >= maxSymlinkHops {
			return ""
		}
		target, err := os.Readlink(r.host(next))
		if err != nil {
			return ""
		}
		*links = append(*links, next)
		if !filepath.IsAbs(target) {
			target = filepath.Join(current, target)
		}
		rest := strings.Join(parts[index+1:], "/")
		return r.walk(filepath.Join(target, rest), links, hops+1)
	}
	return current
}
