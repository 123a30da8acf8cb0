// Package fileid resolves the upload target on disk into the immutable File
// Descriptor the rest of the engine keys sessions on: path, exact size, and a
// stable stringified modification time.
//
// This is a narrowed descendant of the teacher's stepconf.FileProvider: that
// provider also resolved file:// and http(s):// sources, downloading remote
// inputs to a temp directory. coldvault's --file flag is always a local path
// (the spec's Non-goals exclude download/retrieval, and nothing in the CLI
// surface accepts a remote source), so only the local-stat half survives,
// rewritten against this package's own Descriptor type.
package fileid

import (
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/coldvault/internal/filecheck"
)

// Descriptor is the File Descriptor from the data model: the upload target,
// immutable for the duration of a session.
type Descriptor struct {
	Path         string
	Size         int64
	LastModified string
}

// Resolve stats path and rejects anything that is not a regular file,
// surfacing the Configuration error kind ("file not a regular file").
func Resolve(path string) (Descriptor, error) {
	if err := filecheck.New(path).Exists().IsRegularFile().Check(); err != nil {
		return Descriptor{}, fmt.Errorf("resolve upload file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("stat %s: %w", path, err)
	}

	return Descriptor{
		Path:         path,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC().Format(time.RFC3339Nano),
	}, nil
}
