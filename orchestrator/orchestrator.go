// Package orchestrator drives a single upload run through its state
// machine, wiring the session manager, scheduler, progress reporter,
// and telemetry tracker together the way the teacher's cache package
// drives save/restore through compression, network upload, and the
// stepTracker from a single top-level call.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/coldvault/backend"
	"github.com/bitrise-io/coldvault/internal/fileid"
	"github.com/bitrise-io/coldvault/progress"
	"github.com/bitrise-io/coldvault/scheduler"
	"github.com/bitrise-io/coldvault/session"
	"github.com/bitrise-io/coldvault/telemetry"
)

// Tracker is the subset of telemetry.UploadTracker the orchestrator
// depends on, narrowed so tests can substitute a fake.
type Tracker interface {
	LogSessionCreated(backendName, uploadID string, fileSize, partSize int64, partsNeeded int)
	LogSessionResumed(backendName, uploadID string, partsCompleted, partsNeeded int)
	LogPartUploaded(uploadID string, partIndex int, partSize int64, elapsed time.Duration)
	LogUploadCompleted(uploadID string, fileSize int64, elapsed time.Duration)
	LogUploadFailed(uploadID string, reason string)
}

var _ Tracker = (*telemetry.UploadTracker)(nil)

// Config configures a single run of Upload.
type Config struct {
	BackendName string // "glacier" or "b2", recorded alongside telemetry events.
	Concurrency int     // 0 uses the scheduler's default.
	Force       bool    // bypass the file-identity check on resume.
}

// Upload drives one upload end to end: INIT -> RESUME_OR_NEW ->
// ENUMERATE -> UPLOAD -> FINALISE -> DONE. Transitions happen only on
// success; the first error aborts the run and is returned wrapped with
// the name of the stage that failed.
func Upload(ctx context.Context, desc fileid.Descriptor, mgr *session.Manager, cap backend.Capability, streams backend.StreamFactory, reporter *progress.Reporter, tracker Tracker, logger log.Logger, cfg Config) error {
	started := time.Now()

	// RESUME_OR_NEW
	handle, err := mgr.Open(ctx, desc, cfg.Force)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	if handle.PartsCompleted == 0 {
		tracker.LogSessionCreated(cfg.BackendName, handle.Session.UploadID, desc.Size, handle.Session.PartSize, handle.Session.PartsNeeded)
	} else {
		tracker.LogSessionResumed(cfg.BackendName, handle.Session.UploadID, handle.PartsCompleted, handle.Session.PartsNeeded)
	}

	// ENUMERATE
	missing := handle.MissingParts()
	reportFraction(reporter, 0.0)

	// UPLOAD — resume idempotence: zero missing parts skips the
	// scheduler entirely and goes straight to FINALISE.
	if len(missing) > 0 {
		progressState := &progressTracker{
			reporter:    reporter,
			tracker:     tracker,
			uploadID:    handle.Session.UploadID,
			completed:   handle.PartsCompleted,
			partsNeeded: handle.Session.PartsNeeded,
		}

		sched := &scheduler.Scheduler{
			Backend:     cap,
			Streams:     streams,
			Concurrency: cfg.Concurrency,
			Logger:      logger,
		}

		onDone := func(part backend.Part, hash backend.Hash) error {
			if err := mgr.RecordPartHash(part, hash); err != nil {
				return fmt.Errorf("record part %d hash: %w", part.Index, err)
			}
			progressState.partUploaded(part)
			return nil
		}

		if err := sched.Run(ctx, handle.Session.UploadID, missing, onDone); err != nil {
			reporter.Clear()
			tracker.LogUploadFailed(handle.Session.UploadID, err.Error())
			return fmt.Errorf("upload parts: %w", err)
		}
	}

	// FINALISE
	reportFraction(reporter, 0.99)
	allHashes, err := loadAllHashes(mgr, handle)
	if err != nil {
		reporter.Clear()
		tracker.LogUploadFailed(handle.Session.UploadID, err.Error())
		return err
	}
	if err := cap.Complete(ctx, handle.Session.UploadID, desc.Size, allHashes); err != nil {
		reporter.Clear()
		tracker.LogUploadFailed(handle.Session.UploadID, err.Error())
		return fmt.Errorf("finalise upload: %w", err)
	}

	// DONE
	reporter.Clear()
	tracker.LogUploadCompleted(handle.Session.UploadID, desc.Size, time.Since(started))
	logger.Infof("upload %s complete (%s, %d parts)", handle.Session.UploadID, progress.HumanBytes(desc.Size), handle.Session.PartsNeeded)
	return nil
}

// loadAllHashes re-reads every part hash from the handle, now that the
// scheduler has finished: onDone only updates the in-memory
// progressTracker's counters, not Handle.PartHashes itself, so the
// authoritative vector comes from rereading the state store.
func loadAllHashes(mgr *session.Manager, handle *session.Handle) ([]backend.Hash, error) {
	refreshed, err := mgr.Open(context.Background(), handle.Descriptor, true)
	if err != nil {
		return nil, fmt.Errorf("reload part hashes before finalise: %w", err)
	}
	for n, h := range refreshed.PartHashes {
		if h == nil {
			return nil, fmt.Errorf("part %d has no recorded hash after upload completed", n)
		}
	}
	return refreshed.PartHashes, nil
}

// progressTracker serializes the concurrent OnPartUploaded callbacks
// from the scheduler's worker goroutines into sequential progress
// reports and telemetry events.
type progressTracker struct {
	mu          sync.Mutex
	reporter    *progress.Reporter
	tracker     Tracker
	uploadID    string
	completed   int
	partsNeeded int
}

func (p *progressTracker) partUploaded(part backend.Part) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed++
	p.tracker.LogPartUploaded(p.uploadID, part.Index, part.Size(), 0)
	reportProgress(p.reporter, p.completed, p.partsNeeded)
}

func reportProgress(reporter *progress.Reporter, completed, needed int) {
	fraction := 0.0
	if needed > 0 {
		fraction = float64(completed) / float64(needed)
		if fraction > 0.99 {
			fraction = 0.99
		}
	}
	reportFraction(reporter, fraction)
}

func reportFraction(reporter *progress.Reporter, fraction float64) {
	percent := int(fraction * 100)
	reporter.Update(progress.Tokens{
		"percent": fmt.Sprintf("%d", percent),
	})
}
