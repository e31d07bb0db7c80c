package unpack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	schemaunpack "github.com/reprozip/reprozip/core/schema/v1/unpack"
	"github.com/reprozip/reprozip/core/schema/validate"
)

type Kind string

const (
	KindDirectory Kind = "directory"
	KindChroot    Kind = "chroot"
)

const (
	StateFileName     = ".reprounzip"
	InputsArchiveName = "inputs.tar.gz"
	rootDirName       = "root"
)

// Target is an unpacked experiment directory.
type Target struct {
	Dir string
}

func (t Target) Root() string          { return filepath.Join(t.Dir, rootDirName) }
func (t Target) ConfigPath() string    { return filepath.Join(t.Dir, config.FileName) }
func (t Target) StatePath() string     { return filepath.Join(t.Dir, StateFileName) }
func (t Target) InputsArchive() string { return filepath.Join(t.Dir, InputsArchiveName) }

// Open checks that dir was set up by the given unpacker and loads its
// state and configuration. An empty kind accepts either unpacker.
func Open(dir string, kind Kind) (Target, schemaunpack.State, *config.Configuration, error) {
	target := Target{Dir: dir}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return target, schemaunpack.State{}, nil, coreerrors.New(coreerrors.CategoryInvalidInput, "target_missing",
			"run setup first", "target directory %s does not exist", dir)
	}
	state, err := ReadState(target.StatePath())
	if err != nil {
		return target, schemaunpack.State{}, nil, err
	}
	if kind != "" && state.Unpacker != string(kind) {
		return target, schemaunpack.State{}, nil, coreerrors.New(coreerrors.CategoryInvalidInput, "wrong_unpacker",
			fmt.Sprintf("use reprounzip %s", state.Unpacker), "%s was set up with the %s unpacker, not %s", dir, state.Unpacker, kind)
	}
	configuration, err := config.Load(target.ConfigPath())
	if err != nil {
		return target, schemaunpack.State{}, nil, err
	}
	return target, state, configuration, nil
}

func ReadState(path string) (schemaunpack.State, error) {
	// #nosec G304 -- the state file lives in a user-selected target.
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return schemaunpack.State{}, coreerrors.New(coreerrors.CategoryInvalidInput, "target_not_unpacked",
			"run setup first", "%s is not an unpacked experiment (no %s)", filepath.Dir(path), StateFileName)
	}
	if err != nil {
		return schemaunpack.State{}, coreerrors.Wrap(fmt.Errorf("read state: %w", err), coreerrors.CategoryIOFailure, "state_read_failed", "")
	}
	if err := validate.ValidateJSON(schemaunpack.StateSchema, raw); err != nil {
		return schemaunpack.State{}, coreerrors.Wrap(fmt.Errorf("%s: %w", path, err), coreerrors.CategoryVerification, "state_invalid",
			"the target was modified; set it up again")
	}
	var state schemaunpack.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return schemaunpack.State{}, coreerrors.Wrap(fmt.Errorf("parse state: %w", err), coreerrors.CategoryVerification, "state_invalid", "")
	}
	return state, nil
}

func WriteState(path string, state schemaunpack.State) error {
	if state.SchemaID == "" {
		state.SchemaID = schemaunpack.StateSchemaID
	}
	if state.SchemaVersion == "" {
		state.SchemaVersion = schemaunpack.StateSchemaVersion
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	if len(state.Uploads) == 0 {
		state.Uploads = nil
	}
	if len(state.Mounted) == 0 {
		state.Mounted = nil
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	raw = append(raw, '\n')
	if err := validate.ValidateJSON(schemaunpack.StateSchema, raw); err != nil {
		return coreerrors.Wrap(fmt.Errorf("state: %w", err), coreerrors.CategoryInternalFailure, "state_invalid", "")
	}
	if err := fsx.WriteFileAtomic(path, raw, 0o644); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "state_write_failed", "")
	}
	return nil
}
