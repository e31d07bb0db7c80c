package config

import (
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"

	"github.com/reprozip/reprozip/core/graph"
	"github.com/reprozip/reprozip/core/packages"
)

// Host describes the machine a trace was recorded on.
type Host struct {
	UID          int
	GID          int
	Architecture string
	Distribution string
	Hostname     string
}

func CurrentHost() Host {
	hostname, _ := os.Hostname()
	return Host{
		UID:          os.Getuid(),
		GID:          os.Getgid(),
		Architecture: Architecture(runtime.GOARCH),
		Distribution: packages.Distribution("/"),
		Hostname:     hostname,
	}
}

// Architecture maps a Go architecture name to the kernel's machine name.
func Architecture(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7l"
	default:
		return goarch
	}
}

// Files under these prefixes are never offered as named inputs or outputs.
var systemDirs = []string{"/bin", "/boot", "/etc", "/lib", "/lib32", "/lib64", "/libx32", "/run", "/sbin", "/usr", "/var"}

func FromGraph(g *graph.Graph, identification packages.Identification, host Host) *Configuration {
	configuration := &Configuration{Version: Version}

	runIndex := map[int]int{}
	for index, run := range g.Runs {
		runIndex[run.ID] = index
		configuration.Runs = append(configuration.Runs, Run{
			Argv:         append([]string(nil), run.Argv...),
			Binary:       run.Binary,
			WorkingDir:   run.WorkingDir,
			Environ:      environMap(run.Environ),
			UID:          host.UID,
			GID:          host.GID,
			Architecture: host.Architecture,
			Distribution: host.Distribution,
			Hostname:     host.Hostname,
			ExitCode:     run.ExitCode,
			Signal:       run.Signal,
		})
	}

	for _, pkg := range identification.Packages {
		configuration.Packages = append(configuration.Packages, Package{
			Name: pkg.Name, Version: pkg.Version, Size: pkg.Size, PackFiles: true,
		})
	}

	names := NewUniqueNames()
	for _, dep := range g.SortedFiles() {
		file := File{Path: dep.Path, Role: dep.Role}
		if owner := identification.Owner[dep.Path]; owner != nil {
			file.Package = owner.Name
		}
		configuration.Files = append(configuration.Files, file)

		if !labelled(file) {
			continue
		}
		configuration.InputsOutputs = append(configuration.InputsOutputs, InputOutput{
			Name:          names.Insert(Label(dep.Path, configuration.Runs)),
			Path:          dep.Path,
			Role:          dep.Role,
			ReadByRuns:    indexes(dep.ReadBy, runIndex),
			WrittenByRuns: indexes(dep.WrittenBy, runIndex),
		})
	}
	configuration.normalize()
	configuration.sort()
	return configuration
}

func labelled(file File) bool {
	switch file.Role {
	case graph.RoleInput:
		if file.Package != "" {
			return false
		}
	case graph.RoleOutput:
	default:
		return false
	}
	for _, dir := range systemDirs {
		if graph.HasPathPrefix(file.Path, dir) {
			return false
		}
	}
	return true
}

// Label names a file after the command-line argument that refers to it
// ("arg1"), or after its base name.
func Label(filePath string, runs []Run) string {
	for _, run := range runs {
		for index, argument := range run.Argv {
			if argument == "" {
				continue
			}
			candidate := argument
			if !path.IsAbs(candidate) {
				candidate = path.Join(run.WorkingDir, candidate)
			}
			if path.Clean(candidate) == filePath {
				return "arg" + strconv.Itoa(index)
			}
		}
	}
	return strings.ReplaceAll(path.Base(filePath), ":", "_")
}

// UniqueNames hands out names that were not handed out before, suffixing
// "_2", "_3"... on collisions.
type UniqueNames struct {
	used map[string]bool
}

func NewUniqueNames() *UniqueNames {
	return &UniqueNames{used: map[string]bool{}}
}

func (u *UniqueNames) Insert(name string) string {
	candidate := name
	for suffix := 2; u.used[candidate]; suffix++ {
		candidate = name + "_" + strconv.Itoa(suffix)
	}
	u.used[candidate] = true
	return candidate
}

func environMap(environ []string) map[string]string {
	if len(environ) == 0 {
		return nil
	}
	out := make(map[string]string, len(environ))
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !validEnvName(key) {
			continue
		}
		out[key] = value
	}
	return out
}

func indexes(runIDs []int, runIndex map[int]int) []int {
	var out []int
	for _, id := range runIDs {
		if index, ok := runIndex[id]; ok {
			out = append(out, index)
		}
	}
	return out
}
