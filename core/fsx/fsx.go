package fsx

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicFile is a hidden temporary file next to its destination. Nothing is
// visible under the destination name until Commit succeeds.
type AtomicFile struct {
	*os.File
	dest string
	mode os.FileMode
	done bool
}

func CreateAtomic(path string, mode os.FileMode) (*AtomicFile, error) {
	parent := filepath.Dir(path)
	tempFile, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &AtomicFile{File: tempFile, dest: path, mode: mode}, nil
}

// Commit syncs the temporary file and renames it over the destination.
func (f *AtomicFile) Commit() error {
	if f.done {
		return fmt.Errorf("atomic file already finished")
	}
	f.done = true
	tempPath := f.File.Name()
	if err := f.File.Sync(); err != nil {
		_ = f.File.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.File.Chmod(f.mode); err != nil {
		_ = f.File.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := f.File.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, f.dest); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDirectory(filepath.Dir(f.dest))
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit.
func (f *AtomicFile) Abort() {
	if f.done {
		return
	}
	f.done = true
	_ = f.File.Close()
	_ = os.Remove(f.File.Name())
}

func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	file, err := CreateAtomic(path, mode)
	if err != nil {
		return err
	}
	defer file.Abort()
	if _, err := file.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	return file.Commit()
}

func syncDirectory(path string) {
	// #nosec G304 -- directory path is derived from explicit caller-provided destination path.
	if dirHandle, err := os.Open(path); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
}
