package fsx

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var (
	lockTimeout  = 30 * time.Second
	lockPoll     = 10 * time.Millisecond
	staleLockAge = 2 * time.Minute
)

// AppendLineLocked appends line and a newline to path. Other writers are
// kept out by an exclusive sibling ".lock" file holding the owner's pid; a
// lock older than staleLockAge is taken over.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return fmt.Errorf("append %s: record contains a newline", path)
	}
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) && !filepath.IsAbs(clean) {
		return fmt.Errorf("append %s: path escapes the working directory", path)
	}
	dir := filepath.Dir(clean)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create append directory: %w", err)
	}

	lock, err := acquireLock(clean + ".lock")
	if err != nil {
		return err
	}
	defer lock.release()

	// #nosec G304 -- path is local or absolute, checked above.
	file, err := os.OpenFile(clean, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", clean, err)
	}
	record := make([]byte, 0, len(line)+1)
	record = append(append(record, line...), '\n')
	_, writeErr := file.Write(record)
	if writeErr == nil {
		writeErr = file.Sync()
	}
	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("append %s: %w", clean, writeErr)
	}
	syncDirectory(dir)
	return nil
}

type fileLock struct {
	path string
}

func acquireLock(path string) (fileLock, error) {
	deadline := time.Now().Add(lockTimeout)
	for {
		// #nosec G304 -- lock path sits next to a checked append path.
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = file.WriteString(strconv.Itoa(os.Getpid()))
			_ = file.Close()
			return fileLock{path: path}, nil
		}
		if !lockHeld(err, path) {
			return fileLock{}, fmt.Errorf("acquire %s: %w", path, err)
		}
		if lockStale(path, time.Now()) {
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return fileLock{}, fmt.Errorf("timed out waiting for %s", path)
		}
		time.Sleep(lockPoll)
	}
}

func (l fileLock) release() {
	_ = os.Remove(l.path)
}

// lockHeld reports whether a failed exclusive create means someone else
// owns the lock. Some file systems answer EACCES instead of EEXIST.
func lockHeld(err error, path string) bool {
	if errors.Is(err, os.ErrExist) {
		return true
	}
	if !errors.Is(err, os.ErrPermission) {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

func lockStale(path string, now time.Time) bool {
	info, err := os.Stat(path)
	return err == nil && now.Sub(info.ModTime()) > staleLockAge
}
