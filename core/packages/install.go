package packages

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

// NotInstalled is reported for a package with no installed version.
const NotInstalled = "not installed"

// Installed returns the version of every package dpkg lists as installed.
func (d Dpkg) Installed() (map[string]string, error) {
	status, err := d.readStatus()
	if err != nil {
		return nil, err
	}
	versions := make(map[string]string, len(status))
	for name, entry := range status {
		versions[name] = entry.version
	}
	return versions, nil
}

// Apt installs packages with apt-get and reads the outcome back from the
// dpkg database.
type Apt struct {
	Dpkg
	// Command is the apt-get executable; empty is "apt-get" from PATH.
	Command   string
	AssumeYes bool
	Stdout    io.Writer
	Stderr    io.Writer
}

// SelectInstaller picks the package manager of a distribution given as
// "<id> <version>", the form Distribution returns.
func SelectInstaller(distribution string) (Apt, error) {
	id, _, _ := strings.Cut(strings.TrimSpace(distribution), " ")
	switch strings.ToLower(id) {
	case "debian", "ubuntu", "linuxmint", "raspbian", "pop", "kali":
		return Apt{}, nil
	case "":
		return Apt{}, coreerrors.New(coreerrors.CategoryDependencyMissing, "installer_unknown",
			"install the packages by hand", "cannot tell which distribution this machine runs")
	default:
		return Apt{}, coreerrors.New(coreerrors.CategoryDependencyMissing, "installer_unsupported",
			"install the packages by hand", "no supported package manager for %s", distribution)
	}
}

// Install refreshes the package lists, then installs names.
func (a Apt) Install(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	command := a.Command
	if command == "" {
		command = "apt-get"
	}
	install := []string{"install"}
	if a.AssumeYes {
		install = append(install, "-y")
	}
	install = append(install, names...)
	for _, args := range [][]string{{"update"}, install} {
		ctxlog.FromContext(ctx).Info("running package manager", "command", command, "args", args)
		// #nosec G204 -- package names come from the experiment configuration.
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Stdout = a.Stdout
		cmd.Stderr = a.Stderr
		if err := cmd.Run(); err != nil {
			return coreerrors.Wrap(fmt.Errorf("%s %s: %w", command, args[0], err), coreerrors.CategoryDependencyMissing,
				"package_install_failed", "check the package manager output above")
		}
	}
	return nil
}
