// Package telemetry records upload lifecycle events, the way the
// teacher's cache package tracks step_save_cache_archive_uploaded
// through a stepTracker wrapping analytics.Tracker.
package telemetry

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory builds the underlying analytics.Tracker, taking the
// same shape as analytics.NewDefaultTracker so tests can substitute a
// fake.
type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

// UploadTracker records the lifecycle of a single upload run, tagged
// with the upload ID so events from concurrent runs against different
// vaults/buckets can be told apart downstream.
type UploadTracker struct {
	tracker analytics.Tracker
}

// NewUploadTracker builds an UploadTracker. envRepo supplies the same
// ambient CI properties the teacher's stepTracker attaches to every
// event (build/app/workflow identifiers), when running as a Bitrise
// step; outside of a step context these are simply empty.
func NewUploadTracker(envRepo env.Repository, logger log.Logger) *UploadTracker {
	return NewUploadTrackerWithFactory(envRepo, logger, analytics.NewDefaultTracker)
}

// NewUploadTrackerWithFactory builds an UploadTracker from an explicit
// TrackerFactory, letting tests substitute a fake analytics.Tracker.
func NewUploadTrackerWithFactory(envRepo env.Repository, logger log.Logger, factory TrackerFactory) *UploadTracker {
	p := analytics.Properties{
		"build_slug": envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":   envRepo.Get("BITRISE_APP_SLUG"),
	}
	return &UploadTracker{tracker: factory(logger, p)}
}

// LogSessionCreated records that a brand new upload session was
// started against a backend.
func (t *UploadTracker) LogSessionCreated(backendName, uploadID string, fileSize int64, partSize int64, partsNeeded int) {
	t.tracker.Enqueue("coldvault_session_created", analytics.Properties{
		"backend":      backendName,
		"upload_id":    uploadID,
		"file_size":    fileSize,
		"part_size":    partSize,
		"parts_needed": partsNeeded,
	})
}

// LogSessionResumed records that an existing session was picked back
// up, along with how much of it was already complete.
func (t *UploadTracker) LogSessionResumed(backendName, uploadID string, partsCompleted, partsNeeded int) {
	t.tracker.Enqueue("coldvault_session_resumed", analytics.Properties{
		"backend":         backendName,
		"upload_id":       uploadID,
		"parts_completed": partsCompleted,
		"parts_needed":    partsNeeded,
	})
}

// LogPartUploaded records a single completed part upload.
func (t *UploadTracker) LogPartUploaded(uploadID string, partIndex int, partSize int64, elapsed time.Duration) {
	t.tracker.Enqueue("coldvault_part_uploaded", analytics.Properties{
		"upload_id":  uploadID,
		"part_index": partIndex,
		"part_size":  partSize,
		"elapsed_s":  elapsed.Truncate(time.Second).Seconds(),
	})
}

// LogUploadCompleted records a finished, verified upload.
func (t *UploadTracker) LogUploadCompleted(uploadID string, fileSize int64, elapsed time.Duration) {
	t.tracker.Enqueue("coldvault_upload_completed", analytics.Properties{
		"upload_id": uploadID,
		"file_size": fileSize,
		"elapsed_s": elapsed.Truncate(time.Second).Seconds(),
	})
}

// LogUploadFailed records a fatal, unrecoverable failure.
func (t *UploadTracker) LogUploadFailed(uploadID string, reason string) {
	t.tracker.Enqueue("coldvault_upload_failed", analytics.Properties{
		"upload_id": uploadID,
		"reason":    reason,
	})
}

// Wait blocks until all queued events have been sent, matching the
// teacher's stepTracker.wait() called at the end of the step.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
