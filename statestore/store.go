// Package statestore implements the working directory's durable
// key→bytes mapping: the session document and the per-part hash blobs
// that make an upload resumable across process restarts.
//
// Grounded on the teacher's internal/os_proxy.go abstraction (an OS
// interface so filesystem behavior is mockable in tests) and its
// stepconf file-existence checks, generalized from "validate a step
// input path" to "own a working directory of small files written
// atomically."
package statestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/coldvault/internal/filecheck"
	"github.com/bitrise-io/coldvault/internal/osproxy"
)

const sessionKey = "session"

// Store owns a working directory exclusive to one upload.
type Store struct {
	dir string
	os  osproxy.OS
}

// Open validates dir exists and is a directory, then returns a Store
// rooted there.
func Open(dir string) (*Store, error) {
	return open(dir, osproxy.Real{})
}

func open(dir string, proxy osproxy.OS) (*Store, error) {
	if err := filecheck.New(dir).Exists().IsDir().Check(); err != nil {
		return nil, fmt.Errorf("open working directory: %w", err)
	}
	return &Store{dir: dir, os: proxy}, nil
}

// Read returns the bytes stored under key, or found=false if no such key
// exists. Any other I/O error is surfaced.
func (s *Store) Read(key string) (data []byte, found bool, err error) {
	f, err := s.os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	defer f.Close()

	data, err = io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

// Write durably stores data under key, overwriting any prior value. The
// write is atomic: data lands in a temp file in the same directory (so
// the final rename is same-filesystem) and is only renamed into place
// once fully flushed.
func (s *Store) Write(key string, data []byte) error {
	final := s.path(key)
	tmp := final + ".tmp"

	f, err := s.os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write %s: create temp file: %w", key, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: close temp file: %w", key, err)
	}
	if err := s.os.Rename(tmp, final); err != nil {
		return fmt.Errorf("write %s: rename into place: %w", key, err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}

// Dir returns the working directory path. AcquireLock takes the directory
// path directly rather than going through a Store.
func (s *Store) Dir() string {
	return s.dir
}
