package packinfo

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/reprozip/reprozip/core/bundle"
	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/packages"
)

type Report struct {
	Bundle          string          `json:"bundle"`
	CompressedSize  int64           `json:"compressed_size"`
	UnpackedSize    int64           `json:"unpacked_size"`
	PackedPaths     int             `json:"packed_paths"`
	TotalPaths      int             `json:"total_paths"`
	CreatedAt       time.Time       `json:"created_at"`
	ProducerVersion string          `json:"producer_version"`
	ManifestDigest  string          `json:"manifest_digest"`
	Signed          bool            `json:"signed"`
	Environment     Environment     `json:"environment"`
	Current         Machine         `json:"current"`
	Packages        []Package       `json:"packages,omitempty"`
	Runs            []Run           `json:"runs"`
	Unpackers       []Compatibility `json:"unpackers"`
}

type Environment struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Distribution string `json:"distribution,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
}

type Package struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Size      int64  `json:"size"`
	PackFiles bool   `json:"packfiles"`
}

type Run struct {
	Index      int      `json:"index"`
	Argv       []string `json:"argv"`
	Binary     string   `json:"binary"`
	WorkingDir string   `json:"workingdir"`
	ExitCode   int      `json:"exitcode"`
	Signal     int      `json:"signal,omitempty"`
}

type Compatibility struct {
	Unpacker   string `json:"unpacker"`
	Compatible bool   `json:"compatible"`
	Reason     string `json:"reason,omitempty"`
}

// Machine is what compatibility is judged against.
type Machine struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Distribution string `json:"distribution,omitempty"`
}

func CurrentMachine() Machine {
	return Machine{
		OS:           runtime.GOOS,
		Architecture: config.Architecture(runtime.GOARCH),
		Distribution: packages.Distribution("/"),
	}
}

// Info summarizes a bundle without extracting it.
func Info(ctx context.Context, bundlePath string, machine Machine) (Report, error) {
	info, err := os.Stat(bundlePath)
	if err != nil {
		return Report{}, coreerrors.New(coreerrors.CategoryInvalidInput, "bundle_missing", "", "bundle %s does not exist", bundlePath)
	}
	metadata, err := bundle.ReadMetadata(ctx, bundlePath, "")
	if err != nil {
		return Report{}, err
	}
	manifest := metadata.Manifest
	report := Report{
		Bundle:          bundlePath,
		CompressedSize:  info.Size(),
		PackedPaths:     len(manifest.Files),
		TotalPaths:      len(metadata.Config.Files),
		CreatedAt:       manifest.CreatedAt,
		ProducerVersion: manifest.ProducerVersion,
		ManifestDigest:  manifest.ManifestDigest,
		Signed:          len(manifest.Signatures) > 0,
		Current:         machine,
		Environment: Environment{
			OS:           manifest.Environment.OS,
			Architecture: manifest.Environment.Architecture,
			Distribution: manifest.Environment.Distribution,
			Hostname:     manifest.Environment.Hostname,
		},
	}
	for _, file := range manifest.Files {
		report.UnpackedSize += file.Size
	}
	for _, pkg := range metadata.Config.Packages {
		report.Packages = append(report.Packages, Package{Name: pkg.Name, Version: pkg.Version, Size: pkg.Size, PackFiles: pkg.PackFiles})
	}
	for index, run := range metadata.Config.Runs {
		report.Runs = append(report.Runs, Run{
			Index:      index,
			Argv:       run.Argv,
			Binary:     run.Binary,
			WorkingDir: run.WorkingDir,
			ExitCode:   run.ExitCode,
			Signal:     run.Signal,
		})
	}
	report.Unpackers = CheckCompatibility(metadata.Config, machine)
	return report, nil
}

// CheckCompatibility tells which unpackers can run the experiment here.
func CheckCompatibility(configuration *config.Configuration, machine Machine) []Compatibility {
	var reasons []string
	if machine.OS != "linux" {
		reasons = append(reasons, "this machine is not running Linux")
	}
	if len(configuration.Runs) > 0 {
		original := configuration.Runs[0].Architecture
		if !architectureCompatible(original, machine.Architecture) {
			reasons = append(reasons, fmt.Sprintf("different architectures: then %s, now %s", original, machine.Architecture))
		}
	}
	reason := strings.Join(reasons, "; ")
	return []Compatibility{
		{Unpacker: "directory", Compatible: reason == "", Reason: reason},
		{Unpacker: "chroot", Compatible: reason == "", Reason: reason},
	}
}

func architectureCompatible(original, current string) bool {
	switch {
	case original == current:
		return true
	case current == "x86_64" && (original == "i386" || original == "i686"):
		return true
	default:
		return false
	}
}

func WriteInfo(writer io.Writer, report Report) error {
	var builder strings.Builder
	fmt.Fprintln(&builder, "----- Pack information -----")
	fmt.Fprintf(&builder, "Compressed size: %s\n", humanize.Bytes(uint64(report.CompressedSize)))
	fmt.Fprintf(&builder, "Unpacked size: %s\n", humanize.Bytes(uint64(report.UnpackedSize)))
	fmt.Fprintf(&builder, "Total packed paths: %s\n", humanize.Comma(int64(report.PackedPaths)))
	fmt.Fprintf(&builder, "Created: %s by reprozip %s\n", report.CreatedAt.UTC().Format(time.RFC3339), report.ProducerVersion)
	if report.Signed {
		fmt.Fprintln(&builder, "Signed: yes")
	}
	fmt.Fprintln(&builder, "----- Metadata -----")
	fmt.Fprintf(&builder, "Total paths: %s\n", humanize.Comma(int64(report.TotalPaths)))
	fmt.Fprintf(&builder, "Architecture: %s (current: %s)\n", report.Environment.Architecture, report.Current.Architecture)
	if report.Environment.Distribution != "" {
		fmt.Fprintf(&builder, "Distribution: %s (current: %s)\n", report.Environment.Distribution, orUnknown(report.Current.Distribution))
	}
	fmt.Fprintf(&builder, "Packages: %d\n", len(report.Packages))
	for _, pkg := range report.Packages {
		state := "packed"
		if !pkg.PackFiles {
			state = "not packed"
		}
		fmt.Fprintf(&builder, "    %s %s (%s, %s)\n", pkg.Name, pkg.Version, humanize.Bytes(uint64(pkg.Size)), state)
	}
	fmt.Fprintf(&builder, "Runs: %d\n", len(report.Runs))
	for _, run := range report.Runs {
		fmt.Fprintf(&builder, "    %d: %s\n", run.Index, strings.Join(run.Argv, " "))
		fmt.Fprintf(&builder, "        wd: %s\n", run.WorkingDir)
		if run.Signal != 0 {
			fmt.Fprintf(&builder, "        signal: %d\n", run.Signal)
		} else {
			fmt.Fprintf(&builder, "        exitcode: %d\n", run.ExitCode)
		}
	}
	fmt.Fprintln(&builder, "----- Unpackers -----")
	var compatible, incompatible []Compatibility
	for _, unpacker := range report.Unpackers {
		if unpacker.Compatible {
			compatible = append(compatible, unpacker)
		} else {
			incompatible = append(incompatible, unpacker)
		}
	}
	if len(compatible) > 0 {
		fmt.Fprintln(&builder, "Compatible:")
		for _, unpacker := range compatible {
			fmt.Fprintf(&builder, "    %s\n", unpacker.Unpacker)
		}
	}
	if len(incompatible) > 0 {
		fmt.Fprintln(&builder, "Incompatible:")
		for _, unpacker := range incompatible {
			fmt.Fprintf(&builder, "    %s (%s)\n", unpacker.Unpacker, unpacker.Reason)
		}
	}
	_, err := io.WriteString(writer, builder.String())
	return err
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
