package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/coldvault/backend"
	"github.com/bitrise-io/coldvault/internal/fileid"
	"github.com/bitrise-io/coldvault/progress"
	"github.com/bitrise-io/coldvault/session"
	"github.com/bitrise-io/coldvault/statestore"
)

type fakeBackend struct {
	mu          sync.Mutex
	limits      backend.Limits
	idealPart   int64
	uploadID    string
	uploaded    map[int]bool
	completeErr error
	completed   bool
	completeHashes []backend.Hash
}

func (f *fakeBackend) Limits() backend.Limits { return f.limits }
func (f *fakeBackend) IdealPartSize(ctx context.Context, size int64) (int64, error) {
	return f.idealPart, nil
}
func (f *fakeBackend) Initiate(ctx context.Context, name string, partSize int64) (string, error) {
	return f.uploadID, nil
}
func (f *fakeBackend) UploadPart(ctx context.Context, uploadID string, part backend.Part, streams backend.StreamFactory) (backend.Hash, error) {
	r, err := streams.OpenRange(ctx, part.Start, part.End)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.uploaded[part.Index] = true
	f.mu.Unlock()

	hash := backend.Hash{byte(len(data)), byte(part.Index)}
	return hash, nil
}
func (f *fakeBackend) Complete(ctx context.Context, uploadID string, size int64, hashes []backend.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	f.completeHashes = hashes
	return f.completeErr
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeTracker) LogSessionCreated(backendName, uploadID string, fileSize, partSize int64, partsNeeded int) {
	f.record("session_created")
}
func (f *fakeTracker) LogSessionResumed(backendName, uploadID string, partsCompleted, partsNeeded int) {
	f.record("session_resumed")
}
func (f *fakeTracker) LogPartUploaded(uploadID string, partIndex int, partSize int64, elapsed time.Duration) {
	f.record("part_uploaded")
}
func (f *fakeTracker) LogUploadCompleted(uploadID string, fileSize int64, elapsed time.Duration) {
	f.record("upload_completed")
}
func (f *fakeTracker) LogUploadFailed(uploadID string, reason string) {
	f.record("upload_failed")
}
func (f *fakeTracker) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
}
func (f *fakeTracker) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == name {
			n++
		}
	}
	return n
}

func writeTempFile(t *testing.T, size int64) fileid.Descriptor {
	t.Helper()
	path := t.TempDir() + "/archive.bin"
	data := bytes.Repeat([]byte{0xAB}, int(size))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	desc, err := fileid.Resolve(path)
	if err != nil {
		t.Fatalf("fileid.Resolve: %v", err)
	}
	return desc
}

func defaultLimits() backend.Limits {
	return backend.Limits{MinParts: 1, MaxParts: 10_000, MinPartSize: 1 << 10, MaxPartSize: 4 << 30}
}

func TestUpload_NewSessionUploadsAllPartsAndCompletes(t *testing.T) {
	desc := writeTempFile(t, 10<<10)
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	fb := &fakeBackend{limits: defaultLimits(), idealPart: 1 << 10, uploadID: "up-1", uploaded: map[int]bool{}}
	mgr := session.NewManager(store, fb, log.NewLogger())
	streams := backend.FileStreamFactory{Path: desc.Path}
	reporter := progress.NewReporter(&bytes.Buffer{}, ":percent%", true)
	tracker := &fakeTracker{}

	err = Upload(context.Background(), desc, mgr, fb, streams, reporter, tracker, log.NewLogger(), Config{BackendName: "glacier"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !fb.completed {
		t.Error("Complete was never called")
	}
	if len(fb.uploaded) != 10 {
		t.Errorf("uploaded %d parts, want 10", len(fb.uploaded))
	}
	if tracker.count("session_created") != 1 {
		t.Error("expected exactly one session_created event")
	}
	if tracker.count("upload_completed") != 1 {
		t.Error("expected exactly one upload_completed event")
	}
	if tracker.count("part_uploaded") != 10 {
		t.Errorf("part_uploaded events = %d, want 10", tracker.count("part_uploaded"))
	}
}

func TestUpload_ResumeSkipsAlreadyCompletedParts(t *testing.T) {
	desc := writeTempFile(t, 10<<10)
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}

	sess := statestore.Session{UploadID: "up-2", FilePath: desc.Path, FileLastChanged: desc.LastModified, PartSize: 1 << 10, PartsNeeded: 10}
	if err := store.WriteSession(sess); err != nil {
		t.Fatalf("WriteSession: %v", err)
	}
	for n := 0; n < 6; n++ {
		if err := store.WritePartHash(n, []byte{byte(n)}); err != nil {
			t.Fatalf("WritePartHash: %v", err)
		}
	}

	fb := &fakeBackend{limits: defaultLimits(), uploadID: "up-2", uploaded: map[int]bool{}}
	mgr := session.NewManager(store, fb, log.NewLogger())
	streams := backend.FileStreamFactory{Path: desc.Path}
	reporter := progress.NewReporter(&bytes.Buffer{}, ":percent%", true)
	tracker := &fakeTracker{}

	if err := Upload(context.Background(), desc, mgr, fb, streams, reporter, tracker, log.NewLogger(), Config{BackendName: "b2"}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(fb.uploaded) != 4 {
		t.Errorf("uploaded %d parts, want 4 (only the missing ones)", len(fb.uploaded))
	}
	for _, n := range []int{6, 7, 8, 9} {
		if !fb.uploaded[n] {
			t.Errorf("part %d was not uploaded", n)
		}
	}
	if tracker.count("session_resumed") != 1 {
		t.Error("expected exactly one session_resumed event")
	}
}

func TestUpload_ZeroMissingPartsSkipsSchedulerAndGoesStraightToComplete(t *testing.T) {
	desc := writeTempFile(t, 2<<10)
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	sess := statestore.Session{UploadID: "up-3", FilePath: desc.Path, FileLastChanged: desc.LastModified, PartSize: 1 << 10, PartsNeeded: 2}
	if err := store.WriteSession(sess); err != nil {
		t.Fatalf("WriteSession: %v", err)
	}
	for n := 0; n < 2; n++ {
		if err := store.WritePartHash(n, []byte{byte(n), 9}); err != nil {
			t.Fatalf("WritePartHash: %v", err)
		}
	}

	fb := &fakeBackend{limits: defaultLimits(), uploadID: "up-3", uploaded: map[int]bool{}}
	mgr := session.NewManager(store, fb, log.NewLogger())
	streams := backend.FileStreamFactory{Path: desc.Path}
	reporter := progress.NewReporter(&bytes.Buffer{}, ":percent%", true)
	tracker := &fakeTracker{}

	if err := Upload(context.Background(), desc, mgr, fb, streams, reporter, tracker, log.NewLogger(), Config{BackendName: "glacier"}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(fb.uploaded) != 0 {
		t.Errorf("uploaded %d parts, want 0 (resume idempotence: nothing missing)", len(fb.uploaded))
	}
	if !fb.completed {
		t.Error("Complete was never called")
	}
	if len(fb.completeHashes) != 2 {
		t.Errorf("Complete received %d hashes, want 2", len(fb.completeHashes))
	}
}

func TestUpload_CompleteFailureReportsUploadFailed(t *testing.T) {
	desc := writeTempFile(t, 2<<10)
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	fb := &fakeBackend{limits: defaultLimits(), idealPart: 1 << 10, uploadID: "up-4", uploaded: map[int]bool{}, completeErr: errors.New("backend rejected archive")}
	mgr := session.NewManager(store, fb, log.NewLogger())
	streams := backend.FileStreamFactory{Path: desc.Path}
	reporter := progress.NewReporter(&bytes.Buffer{}, ":percent%", true)
	tracker := &fakeTracker{}

	err = Upload(context.Background(), desc, mgr, fb, streams, reporter, tracker, log.NewLogger(), Config{BackendName: "glacier"})
	if err == nil {
		t.Fatal("expected an error when Complete fails")
	}
	if tracker.count("upload_failed") != 1 {
		t.Error("expected exactly one upload_failed event")
	}
}
