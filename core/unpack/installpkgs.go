package unpack

import (
	"context"
	"io"
	"runtime"

	"github.com/reprozip/reprozip/core/bundle"
	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/packages"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

// PackageInstaller installs distribution packages on this machine and
// reports what ended up installed.
type PackageInstaller interface {
	Install(ctx context.Context, names []string) error
	Installed() (map[string]string, error)
}

type InstallOptions struct {
	Bundle string
	// Missing keeps only the packages whose files were left out of the
	// bundle.
	Missing bool
	// Summary reports the status of each package and installs nothing.
	Summary   bool
	AssumeYes bool
	// Distribution of this machine as "<id> <version>"; empty reads the
	// os-release file.
	Distribution string
	// Installer replaces the one chosen from Distribution.
	Installer PackageInstaller
	Stdout    io.Writer
	Stderr    io.Writer
}

type PackageStatus struct {
	Name             string `json:"name"`
	RequiredVersion  string `json:"required_version"`
	InstalledVersion string `json:"installed_version,omitempty"`
	Packed           bool   `json:"packed"`
}

// Status is the installed version, or packages.NotInstalled.
func (s PackageStatus) Status() string {
	if s.InstalledVersion == "" {
		return packages.NotInstalled
	}
	return s.InstalledVersion
}

type InstallResult struct {
	Missing   bool            `json:"missing_only"`
	Installed bool            `json:"installed"`
	Packages  []PackageStatus `json:"packages"`
}

// InstallPackages installs on this machine the packages the experiment
// used, or with Summary only reports which of them are present.
func InstallPackages(ctx context.Context, options InstallOptions) (InstallResult, error) {
	logger := ctxlog.FromContext(ctx)
	if runtime.GOOS != "linux" && options.Installer == nil {
		return InstallResult{}, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "platform_unsupported", "",
			"installing packages needs Linux")
	}
	metadata, err := bundle.ReadMetadata(ctx, options.Bundle, "")
	if err != nil {
		return InstallResult{}, err
	}
	configuration := metadata.Config

	installer := options.Installer
	if installer == nil {
		distribution := options.Distribution
		if distribution == "" {
			distribution = packages.Distribution("/")
		}
		if original := packedDistribution(configuration); original != "" && original != distribution {
			logger.Warn("installing packages on a different distribution", "packed_on", original, "current", distribution)
		}
		apt, err := packages.SelectInstaller(distribution)
		if err != nil {
			return InstallResult{}, err
		}
		apt.AssumeYes = options.AssumeYes
		apt.Stdout = options.Stdout
		apt.Stderr = options.Stderr
		installer = apt
	}

	var selected []config.Package
	for _, pkg := range configuration.Packages {
		if options.Missing && pkg.PackFiles {
			continue
		}
		selected = append(selected, pkg)
	}
	result := InstallResult{Missing: options.Missing, Packages: []PackageStatus{}}

	if !options.Summary {
		names := make([]string, 0, len(selected))
		for _, pkg := range selected {
			names = append(names, pkg.Name)
		}
		logger.Info("installing packages", "packages", len(names))
		if err := installer.Install(ctx, names); err != nil {
			return result, err
		}
		result.Installed = true
	}

	versions, err := installer.Installed()
	if err != nil {
		return result, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "package_status_failed", "")
	}
	for _, pkg := range selected {
		status := PackageStatus{Name: pkg.Name, RequiredVersion: pkg.Version, InstalledVersion: versions[pkg.Name], Packed: pkg.PackFiles}
		result.Packages = append(result.Packages, status)
		if !result.Installed {
			continue
		}
		switch {
		case status.InstalledVersion == "":
			logger.Warn("package was not installed", "package", pkg.Name)
		case status.InstalledVersion != pkg.Version:
			logger.Warn("installed a different version", "package", pkg.Name, "installed", status.InstalledVersion, "required", pkg.Version)
		}
	}
	return result, nil
}

func packedDistribution(configuration *config.Configuration) string {
	if len(configuration.Runs) == 0 {
		return ""
	}
	return configuration.Runs[0].Distribution
}
