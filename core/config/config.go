package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-yaml"
	"github.com/goccy/go-yaml/token"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	"github.com/reprozip/reprozip/core/graph"
)

const (
	Version  = "1.0"
	FileName = "config.yml"
)

const header = `# ReproZip configuration file
# Generated by "reprozip trace". Edit it before running "reprozip pack".
#
# runs: the traced commands, with their environment.
# packages: distribution packages owning traced files. Set "packfiles: false"
#   to leave a package's files out of the bundle; they must then be
#   installed on the target machine.
# files: every traced file with its role (input, output, transient).
#   Only input files are packed. Remove a file to leave it out.
# inputs_outputs: names for the experiment's input and output files, used by
#   "reprounzip upload" and "reprounzip download".

`

type Configuration struct {
	Version       string        `yaml:"version"`
	Runs          []Run         `yaml:"runs"`
	Packages      []Package     `yaml:"packages,omitempty"`
	Files         []File        `yaml:"files,omitempty"`
	InputsOutputs []InputOutput `yaml:"inputs_outputs,omitempty"`
}

type Run struct {
	Argv         []string          `yaml:"argv"`
	Binary       string            `yaml:"binary"`
	WorkingDir   string            `yaml:"workingdir"`
	Environ      map[string]string `yaml:"environ,omitempty"`
	UID          int               `yaml:"uid"`
	GID          int               `yaml:"gid"`
	Architecture string            `yaml:"architecture"`
	Distribution string            `yaml:"distribution,omitempty"`
	Hostname     string            `yaml:"hostname,omitempty"`
	ExitCode     int               `yaml:"exitcode"`
	Signal       int               `yaml:"signal,omitempty"`
}

type Package struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Size      int64  `yaml:"size"`
	PackFiles bool   `yaml:"packfiles"`
}

// UnmarshalYAML defaults packfiles to true for hand-written entries.
func (p *Package) UnmarshalYAML(unmarshal func(any) error) error {
	type plain Package
	raw := plain{PackFiles: true}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*p = Package(raw)
	return nil
}

type File struct {
	Path    string     `yaml:"path"`
	Role    graph.Role `yaml:"role"`
	Package string     `yaml:"package,omitempty"`
}

// InputOutput gives a stable name to a file the user is expected to
// replace before a run or retrieve after it.
type InputOutput struct {
	Name          string     `yaml:"name"`
	Path          string     `yaml:"path"`
	Role          graph.Role `yaml:"role"`
	ReadByRuns    []int      `yaml:"read_by_runs,omitempty"`
	WrittenByRuns []int      `yaml:"written_by_runs,omitempty"`
}

// Env returns the run's environment as sorted KEY=VALUE pairs.
func (r Run) Env() []string {
	env := make([]string, 0, len(r.Environ))
	for key, value := range r.Environ {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}

func Parse(content []byte) (*Configuration, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "config_empty", "regenerate it with reprozip reset", "configuration is empty")
	}
	var configuration Configuration
	if err := yaml.UnmarshalWithOptions(content, &configuration, yaml.DisallowUnknownField()); err != nil {
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "config_parse_failed", "fix the reported line",
			"parse configuration: %s", yaml.FormatError(err, false, true))
	}
	configuration.normalize()
	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	return &configuration, nil
}

// Marshal renders the configuration with a fixed header. The output is a
// pure function of the configuration.
func Marshal(configuration *Configuration) ([]byte, error) {
	normalized := configuration.clone()
	normalized.normalize()
	normalized.sort()
	body, err := yaml.MarshalWithOptions(normalized, yaml.Indent(2), yaml.IndentSequence(true), yaml.CustomMarshaler(encodeText))
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return append([]byte(header), body...), nil
}

// encodeText writes a string so that Parse reads back the same bytes.
// Arguments, environment values and paths are arbitrary bytes: anything
// outside printable UTF-8 is double-quoted with escapes, and bytes that
// are not UTF-8 at all go out as !!binary.
func encodeText(value string) ([]byte, error) {
	if !utf8.ValidString(value) {
		return []byte("!!binary " + base64.StdEncoding.EncodeToString([]byte(value))), nil
	}
	if needsQuotes(value) {
		return []byte(strconv.Quote(value)), nil
	}
	return []byte(value), nil
}

func needsQuotes(value string) bool {
	if token.IsNeedQuoted(value) {
		return true
	}
	if strings.HasPrefix(value, "?") || strings.HasPrefix(value, "---") || strings.HasPrefix(value, "...") {
		return true
	}
	return strings.ContainsFunc(value, func(r rune) bool {
		return r != ' ' && !unicode.IsPrint(r)
	})
}

func Load(path string) (*Configuration, error) {
	// #nosec G304 -- configuration path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerrors.Wrap(fmt.Errorf("read configuration: %w", err), coreerrors.CategoryInvalidInput,
				"config_missing", "run reprozip trace first")
		}
		return nil, coreerrors.Wrap(fmt.Errorf("read configuration: %w", err), coreerrors.CategoryIOFailure, "config_read_failed", "")
	}
	configuration, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return configuration, nil
}

func Save(path string, configuration *Configuration) error {
	content, err := Marshal(configuration)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(path, content, 0o644); err != nil {
		return coreerrors.Wrap(fmt.Errorf("write configuration: %w", err), coreerrors.CategoryIOFailure, "config_write_failed", "")
	}
	return nil
}

// Validate reports every problem at once.
func (c *Configuration) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if major, _, _ := strings.Cut(c.Version, "."); major != "1" {
		return coreerrors.New(coreerrors.CategoryInvalidInput, "config_version_unsupported",
			"regenerate it with this version of reprozip", "unsupported configuration version %q", c.Version)
	}
	if len(c.Runs) == 0 {
		add("no runs")
	}
	for index, run := range c.Runs {
		if len(run.Argv) == 0 {
			add("runs[%d]: argv is empty", index)
		}
		if !isAbsolute(run.WorkingDir) {
			add("runs[%d]: workingdir %q is not absolute", index, run.WorkingDir)
		}
		if run.Binary != "" && !isAbsolute(run.Binary) {
			add("runs[%d]: binary %q is not absolute", index, run.Binary)
		}
		for _, entry := range run.Env() {
			if name, _, _ := strings.Cut(entry, "="); !validEnvName(name) {
				add("runs[%d]: invalid environment variable name %q", index, name)
			}
		}
	}

	packageNames := map[string]bool{}
	for index, pkg := range c.Packages {
		switch {
		case strings.TrimSpace(pkg.Name) == "":
			add("packages[%d]: name is empty", index)
		case packageNames[pkg.Name]:
			add("packages[%d]: duplicate package %q", index, pkg.Name)
		}
		packageNames[pkg.Name] = true
	}

	filePaths := map[string]bool{}
	for index, file := range c.Files {
		if !isAbsolute(file.Path) {
			add("files[%d]: path %q is not absolute", index, file.Path)
		} else if filePaths[file.Path] {
			add("files[%d]: duplicate path %s", index, file.Path)
		}
		filePaths[file.Path] = true
		if !file.Role.Valid() {
			add("files[%d]: %s has unknown role %q", index, file.Path, file.Role)
		}
		if file.Package != "" && !packageNames[file.Package] {
			add("files[%d]: %s belongs to unknown package %q", index, file.Path, file.Package)
		}
	}

	labels := map[string]bool{}
	for index, entry := range c.InputsOutputs {
		switch {
		case entry.Name == "" || strings.ContainsAny(entry.Name, "/:"):
			add("inputs_outputs[%d]: invalid name %q", index, entry.Name)
		case labels[entry.Name]:
			add("inputs_outputs[%d]: duplicate name %q", index, entry.Name)
		}
		labels[entry.Name] = true
		if entry.Role != graph.RoleInput && entry.Role != graph.RoleOutput {
			add("inputs_outputs[%d]: %s has role %q, want input or output", index, entry.Name, entry.Role)
		}
		if !filePaths[entry.Path] {
			add("inputs_outputs[%d]: %s refers to %s which is not in files", index, entry.Name, entry.Path)
		}
		for _, run := range append(append([]int(nil), entry.ReadByRuns...), entry.WrittenByRuns...) {
			if run < 0 || run >= len(c.Runs) {
				add("inputs_outputs[%d]: %s refers to unknown run %d", index, entry.Name, run)
			}
		}
	}

	if len(problems) > 0 {
		return coreerrors.New(coreerrors.CategoryInvalidInput, "config_invalid", "edit config.yml or regenerate it with reprozip reset",
			"invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// PackedInputs returns the files a bundle must contain: inputs that belong
// to no package or to a package with packfiles set.
func (c *Configuration) PackedInputs() []string {
	return c.inputs(func(pkg Package, owned bool) bool { return !owned || pkg.PackFiles })
}

// HostInputs returns the inputs left to the target system's packages.
func (c *Configuration) HostInputs() []string {
	return c.inputs(func(pkg Package, owned bool) bool { return owned && !pkg.PackFiles })
}

func (c *Configuration) inputs(keep func(pkg Package, owned bool) bool) []string {
	packages := map[string]Package{}
	for _, pkg := range c.Packages {
		packages[pkg.Name] = pkg
	}
	var paths []string
	for _, file := range c.Files {
		if file.Role != graph.RoleInput {
			continue
		}
		pkg, owned := packages[file.Package]
		if keep(pkg, owned) {
			paths = append(paths, file.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

func (c *Configuration) Package(name string) (Package, bool) {
	for _, pkg := range c.Packages {
		if pkg.Name == name {
			return pkg, true
		}
	}
	return Package{}, false
}

// Owners maps each file that belongs to a package to that package, for
// grouping files in graphs.
func (c *Configuration) Owners() map[string]graph.PackageRef {
	owners := map[string]graph.PackageRef{}
	for _, file := range c.Files {
		if file.Package == "" {
			continue
		}
		ref := graph.PackageRef{Name: file.Package}
		if pkg, ok := c.Package(file.Package); ok {
			ref.Version = pkg.Version
		}
		owners[file.Path] = ref
	}
	return owners
}

func (c *Configuration) InputOutput(name string) (InputOutput, bool) {
	for _, entry := range c.InputsOutputs {
		if entry.Name == name {
			return entry, true
		}
	}
	return InputOutput{}, false
}

func (c *Configuration) normalize() {
	if len(c.Runs) == 0 {
		c.Runs = nil
	}
	for index := range c.Runs {
		if len(c.Runs[index].Environ) == 0 {
			c.Runs[index].Environ = nil
		}
		if len(c.Runs[index].Argv) == 0 {
			c.Runs[index].Argv = nil
		}
	}
	if len(c.Packages) == 0 {
		c.Packages = nil
	}
	if len(c.Files) == 0 {
		c.Files = nil
	}
	if len(c.InputsOutputs) == 0 {
		c.InputsOutputs = nil
	}
	for index := range c.InputsOutputs {
		entry := &c.InputsOutputs[index]
		if len(entry.ReadByRuns) == 0 {
			entry.ReadByRuns = nil
		}
		if len(entry.WrittenByRuns) == 0 {
			entry.WrittenByRuns = nil
		}
	}
}

func (c *Configuration) sort() {
	sort.SliceStable(c.Packages, func(i, j int) bool { return c.Packages[i].Name < c.Packages[j].Name })
	sort.SliceStable(c.Files, func(i, j int) bool { return c.Files[i].Path < c.Files[j].Path })
	sort.SliceStable(c.InputsOutputs, func(i, j int) bool { return c.InputsOutputs[i].Name < c.InputsOutputs[j].Name })
}

func (c *Configuration) clone() *Configuration {
	out := &Configuration{
		Version:       c.Version,
		Packages:      append([]Package(nil), c.Packages...),
		Files:         append([]File(nil), c.Files...),
		InputsOutputs: make([]InputOutput, 0, len(c.InputsOutputs)),
	}
	for _, run := range c.Runs {
		copied := run
		copied.Argv = append([]string(nil), run.Argv...)
		if run.Environ != nil {
			copied.Environ = make(map[string]string, len(run.Environ))
			for key, value := range run.Environ {
				copied.Environ[key] = value
			}
		}
		out.Runs = append(out.Runs, copied)
	}
	for _, entry := range c.InputsOutputs {
		copied := entry
		copied.ReadByRuns = append([]int(nil), entry.ReadByRuns...)
		copied.WrittenByRuns = append([]int(nil), entry.WrittenByRuns...)
		out.InputsOutputs = append(out.InputsOutputs, copied)
	}
	return out
}

// validEnvName rejects names that cannot be map keys in config.yml.
func validEnvName(name string) bool {
	return name != "" && utf8.ValidString(name) && !strings.ContainsFunc(name, unicode.IsControl)
}

func isAbsolute(value string) bool {
	return strings.HasPrefix(value, "/") && path.Clean(value) == value
}
