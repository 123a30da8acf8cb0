package statestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid"
)

const (
	lockFileName  = "upload.lock"
	staleAfter    = 10 * time.Minute
)

// Lock marks a working directory as owned by one running process, per
// the open question in the engine's design notes ("concurrent runs
// against the same working directory are not detected; a lockfile is
// advisable"). It's an advisory file, not a filesystem-level flock: a
// stale lock (older than staleAfter) is reclaimed automatically, and
// --force reclaims a fresh one too.
type Lock struct {
	path string
}

// AcquireLock creates dir's lockfile. force reclaims an existing lock
// regardless of age; absent force, a lock younger than staleAfter causes
// an error naming the conflict.
func AcquireLock(dir string, force bool) (*Lock, error) {
	path := filepath.Join(dir, lockFileName)

	for {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generate lock id: %w", err)
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, writeErr := f.WriteString(id.String()); writeErr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", writeErr)
			}
			if closeErr := f.Close(); closeErr != nil {
				return nil, fmt.Errorf("close lock file: %w", closeErr)
			}
			return &Lock{path: path}, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				// Lock disappeared between our O_EXCL failure and the
				// stat; retry the create.
				continue
			}
			return nil, fmt.Errorf("stat lock file: %w", statErr)
		}

		age := time.Since(info.ModTime())
		if !force && age < staleAfter {
			return nil, fmt.Errorf("working directory is locked by another run (lock age %s, younger than %s); pass --force to override", age.Round(time.Second), staleAfter)
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock file: %w", err)
		}
		// Loop back and retry the create now that the stale lock is gone.
	}
}

// Release removes the lockfile. Callers should defer Release immediately
// after a successful AcquireLock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
