// Package session creates or resumes an upload session: it decides part
// geometry for a new upload, validates file identity on resume, and loads
// the vector of already-durable part hashes from the State Store.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/coldvault/backend"
	"github.com/bitrise-io/coldvault/internal/fileid"
	"github.com/bitrise-io/coldvault/statestore"
)

// ErrFileChanged is returned by Open when a resumed session's recorded
// file identity no longer matches the file on disk, and force was not
// requested.
var ErrFileChanged = errors.New("file has changed since the upload session was created")

// Handle is an open session: the persisted record, the current file
// descriptor it was validated against, and the per-part hash vector
// loaded from the State Store (a nil entry marks a pending part).
type Handle struct {
	Session        statestore.Session
	Descriptor     fileid.Descriptor
	PartHashes     []backend.Hash
	PartsCompleted int
}

// MissingParts returns every part whose hash has not yet been recorded,
// derived from the session's authoritative part_size (never
// re-queried from the backend once a session exists, since
// ideal_part_size may be non-deterministic across calls).
func (h *Handle) MissingParts() []backend.Part {
	all := backend.PlanParts(h.Descriptor.Size, h.Session.PartSize)
	missing := make([]backend.Part, 0, len(all)-h.PartsCompleted)
	for _, part := range all {
		if h.PartHashes[part.Index] == nil {
			missing = append(missing, part)
		}
	}
	return missing
}

// Manager creates new sessions and resumes existing ones against a
// single backend and working directory.
type Manager struct {
	store   *statestore.Store
	backend backend.Capability
	logger  log.Logger
}

// NewManager builds a Manager.
func NewManager(store *statestore.Store, cap backend.Capability, logger log.Logger) *Manager {
	return &Manager{store: store, backend: cap, logger: logger}
}

// Open reads the working directory's session document, creating one if
// absent, validates file identity on resume (bypassable with force), and
// loads the current part-hash vector.
func (m *Manager) Open(ctx context.Context, desc fileid.Descriptor, force bool) (*Handle, error) {
	sess, found, err := m.store.ReadSession()
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	if found {
		if sess.FilePath != desc.Path || sess.FileLastChanged != desc.LastModified {
			if !force {
				return nil, fmt.Errorf("%w: session recorded %s (last changed %s), current file is %s (last changed %s)",
					ErrFileChanged, sess.FilePath, sess.FileLastChanged, desc.Path, desc.LastModified)
			}
			m.logger.Warnf("file identity changed since the session was created; continuing because --force was given")
		}
		m.logger.Debugf("resuming upload %s", sess.UploadID)
	} else {
		sess, err = m.create(ctx, desc)
		if err != nil {
			return nil, err
		}
		m.logger.Debugf("created upload %s (%d parts of %d bytes)", sess.UploadID, sess.PartsNeeded, sess.PartSize)
	}

	hashes, completed, err := m.loadPartHashes(sess.PartsNeeded)
	if err != nil {
		return nil, fmt.Errorf("load part hashes: %w", err)
	}

	return &Handle{Session: sess, Descriptor: desc, PartHashes: hashes, PartsCompleted: completed}, nil
}

func (m *Manager) create(ctx context.Context, desc fileid.Descriptor) (statestore.Session, error) {
	limits := m.backend.Limits()

	ideal, err := m.backend.IdealPartSize(ctx, desc.Size)
	if err != nil {
		return statestore.Session{}, fmt.Errorf("choose part size: %w", err)
	}
	partSize := backend.Clamp(ideal, limits.MinPartSize, limits.MaxPartSize)
	partsNeeded := backend.PartsNeeded(desc.Size, partSize)

	if partsNeeded < limits.MinParts {
		return statestore.Session{}, fmt.Errorf("file too small: %d bytes needs only %d part(s), backend requires at least %d", desc.Size, partsNeeded, limits.MinParts)
	}
	if partsNeeded > limits.MaxParts {
		return statestore.Session{}, fmt.Errorf("file too big: %d bytes needs %d parts, backend allows at most %d", desc.Size, partsNeeded, limits.MaxParts)
	}

	uploadID, err := m.backend.Initiate(ctx, filepath.Base(desc.Path), partSize)
	if err != nil {
		return statestore.Session{}, fmt.Errorf("initiate upload: %w", err)
	}

	sess := statestore.Session{
		UploadID:        uploadID,
		FilePath:        desc.Path,
		FileLastChanged: desc.LastModified,
		PartSize:        partSize,
		PartsNeeded:     partsNeeded,
	}
	if err := m.store.WriteSession(sess); err != nil {
		return statestore.Session{}, fmt.Errorf("persist session: %w", err)
	}
	return sess, nil
}

func (m *Manager) loadPartHashes(partsNeeded int) ([]backend.Hash, int, error) {
	hashes := make([]backend.Hash, partsNeeded)
	completed := 0
	for n := 0; n < partsNeeded; n++ {
		data, found, err := m.store.ReadPartHash(n)
		if err != nil {
			return nil, 0, fmt.Errorf("read part %d hash: %w", n, err)
		}
		if found {
			hashes[n] = backend.Hash(data)
			completed++
		}
	}
	return hashes, completed, nil
}

// RecordPartHash persists a completed part's hash. It is the
// scheduler.OnPartUploaded callback the orchestrator wires in.
func (m *Manager) RecordPartHash(part backend.Part, hash backend.Hash) error {
	return m.store.WritePartHash(part.Index, hash)
}
