package packages

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/reprozip/reprozip/internal/ctxlog"
)

// Package is a distribution package owning some of the traced files.
type Package struct {
	Name    string
	Version string
	Size    int64
	Files   []string
}

type Identification struct {
	Packages []*Package
	Owner    map[string]*Package
}

// Identifier maps file paths to the distribution packages that own them.
type Identifier interface {
	Identify(ctx context.Context, paths []string) (Identification, error)
}

// Dpkg reads the dpkg database under Root ("/" when empty).
type Dpkg struct {
	Root string
}

type none struct{}

// None identifies nothing; every file is packed.
func None() Identifier { return none{} }

func (none) Identify(context.Context, []string) (Identification, error) {
	return Identification{Owner: map[string]*Package{}}, nil
}

// Detect returns a dpkg identifier when a dpkg database exists under root.
func Detect(root string) Identifier {
	dpkg := Dpkg{Root: root}
	if info, err := os.Stat(dpkg.path("var/lib/dpkg/status")); err == nil && info.Mode().IsRegular() {
		return dpkg
	}
	return None()
}

func (d Dpkg) path(rel string) string {
	root := d.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(root, rel)
}

func (d Dpkg) Identify(ctx context.Context, paths []string) (Identification, error) {
	logger := ctxlog.FromContext(ctx)
	owners, err := d.readLists()
	if err != nil {
		return Identification{}, err
	}
	status, err := d.readStatus()
	if err != nil {
		return Identification{}, err
	}

	byName := map[string]*Package{}
	result := Identification{Owner: map[string]*Package{}}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return Identification{}, err
		}
		name, ok := lookupOwner(owners, path)
		if !ok {
			continue
		}
		pkg := byName[name]
		if pkg == nil {
			pkg = &Package{Name: name}
			if entry, found := status[name]; found {
				pkg.Version = entry.version
				pkg.Size = entry.size
			}
			byName[name] = pkg
			result.Packages = append(result.Packages, pkg)
		}
		pkg.Files = append(pkg.Files, path)
		result.Owner[path] = pkg
	}
	sort.Slice(result.Packages, func(i, j int) bool { return result.Packages[i].Name < result.Packages[j].Name })
	for _, pkg := range result.Packages {
		sort.Strings(pkg.Files)
	}
	logger.Info("identified packages", "packages", len(result.Packages), "files", len(result.Owner), "of", len(paths))
	return result, nil
}

// lookupOwner also tries the merged-/usr twin of path, since dpkg may list
// /bin/sh while the trace saw /usr/bin/sh or the reverse.
func lookupOwner(owners map[string]string, path string) (string, bool) {
	if name, ok := owners[path]; ok {
		return name, true
	}
	for _, dir := range []string{"/bin/", "/sbin/", "/lib/", "/lib32/", "/lib64/", "/libx32/"} {
		if strings.HasPrefix(path, dir) {
			name, ok := owners["/usr"+path]
			return name, ok
		}
		if strings.HasPrefix(path, "/usr"+dir) {
			name, ok := owners[strings.TrimPrefix(path, "/usr")]
			return name, ok
		}
	}
	return "", false
}

func (d Dpkg) readLists() (map[string]string, error) {
	lists, err := filepath.Glob(d.path("var/lib/dpkg/info/*.list"))
	if err != nil {
		return nil, fmt.Errorf("list dpkg file lists: %w", err)
	}
	sort.Strings(lists)
	owners := map[string]string{}
	for _, list := range lists {
		name := strings.TrimSuffix(filepath.Base(list), ".list")
		if arch := strings.IndexByte(name, ':'); arch >= 0 {
			name = name[:arch]
		}
		if err := readList(list, name, owners); err != nil {
			return nil, err
		}
	}
	return owners, nil
}

func readList(path, name string, owners map[string]string) error {
	// #nosec G304 -- dpkg list path comes from a glob under the dpkg database.
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dpkg list: %w", err)
	}
	defer func() { _ = file.Close() }()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "/." {
			continue
		}
		if _, taken := owners[line]; !taken {
			owners[line] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read dpkg list %s: %w", path, err)
	}
	return nil
}

type statusEntry struct {
	version string
	size    int64
}

func (d Dpkg) readStatus() (map[string]statusEntry, error) {
	// #nosec G304 -- fixed path under the configured dpkg root.
	file, err := os.Open(d.path("var/lib/dpkg/status"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]statusEntry{}, nil
		}
		return nil, fmt.Errorf("open dpkg status: %w", err)
	}
	defer func() { _ = file.Close() }()
	return parseStatus(file)
}

// parseStatus reads the installed packages from a dpkg status file.
// Installed-Size is in KiB.
func parseStatus(reader io.Reader) (map[string]statusEntry, error) {
	entries := map[string]statusEntry{}
	var (
		name      string
		entry     statusEntry
		installed bool
	)
	flush := func() {
		if name != "" && installed {
			entries[name] = entry
		}
		name, entry, installed = "", statusEntry{}, false
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Package":
			name = value
		case "Status":
			installed = strings.HasSuffix(value, " installed")
		case "Version":
			entry.version = value
		case "Installed-Size":
			if kib, err := strconv.ParseInt(value, 10, 64); err == nil {
				entry.size = kib * 1024
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dpkg status: %w", err)
	}
	flush()
	return entries, nil
}
