package b2

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"

	"github.com/bitrise-io/coldvault/backend"
)

// fakeServer models just enough of B2's large-file API to exercise
// Backend: authorize, start/finish large file, get-upload-part-url, and
// the upload URL itself. unauthorizedOnce forces the first part upload to
// see a 401 so the reauthorize path is exercised.
type fakeServer struct {
	mux *http.ServeMux

	authCount       int32
	unauthorizedOnce bool
	uploadCalls     int32
}

func newFakeServer() *fakeServer {
	fs := &fakeServer{mux: http.NewServeMux()}

	fs.mux.HandleFunc("/b2api/v2/b2_authorize_account", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fs.authCount, 1)
		_ = json.NewEncoder(w).Encode(authorizeResponse{
			AuthorizationToken:      fmt.Sprintf("token-%d", fs.authCount),
			APIURL:                  apiURLFor(r),
			RecommendedPartSize:     100 << 20,
			AbsoluteMinimumPartSize: 5 << 20,
		})
	})

	fs.mux.HandleFunc("/b2api/v2/b2_start_large_file", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(startLargeFileResponse{FileID: "file-1"})
	})

	fs.mux.HandleFunc("/b2api/v2/b2_get_upload_part_url", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(getUploadPartURLResponse{
			UploadURL:          apiURLFor(r) + "/upload-part",
			AuthorizationToken: "part-upload-token",
		})
	})

	fs.mux.HandleFunc("/upload-part", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fs.uploadCalls, 1)
		if fs.unauthorizedOnce && n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	fs.mux.HandleFunc("/b2api/v2/b2_finish_large_file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return fs
}

func apiURLFor(r *http.Request) string {
	scheme := "http"
	return scheme + "://" + r.Host
}

func newTestBackend(t *testing.T, fs *fakeServer) *Backend {
	t.Helper()
	server := httptest.NewServer(fs.mux)
	t.Cleanup(server.Close)

	logger := log.NewLogger()
	return &Backend{
		httpClient:     retryhttp.NewClient(logger),
		authorizeURL:   server.URL + "/b2api/v2/b2_authorize_account",
		accountID:      "acct",
		applicationKey: "app-key",
		bucketID:       "bucket-1",
		logger:         logger,
	}
}

func TestEnsureAuthorized_OnlyCallsOnce(t *testing.T) {
	fs := newFakeServer()
	b := newTestBackend(t, fs)

	if err := b.ensureAuthorized(context.Background()); err != nil {
		t.Fatalf("ensureAuthorized: %v", err)
	}
	if err := b.ensureAuthorized(context.Background()); err != nil {
		t.Fatalf("ensureAuthorized (second call): %v", err)
	}
	if fs.authCount != 1 {
		t.Errorf("authorize called %d times, want 1", fs.authCount)
	}
}

func TestInitiate_ReturnsFileID(t *testing.T) {
	fs := newFakeServer()
	b := newTestBackend(t, fs)

	id, err := b.Initiate(context.Background(), "archive.tar", 100<<20)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if id != "file-1" {
		t.Errorf("Initiate() = %q, want file-1", id)
	}
}

func TestUploadPart_ReauthorizesOn401AndFailsThatAttempt(t *testing.T) {
	fs := newFakeServer()
	fs.unauthorizedOnce = true
	b := newTestBackend(t, fs)

	data := []byte("part payload")
	streams := backend.FileStreamFactory{Path: writeFile(t, data)}
	part := backend.Part{Index: 0, Start: 0, End: int64(len(data) - 1)}

	_, err := b.UploadPart(context.Background(), "file-1", part, streams)
	if err == nil {
		t.Fatal("expected the 401 attempt to fail")
	}
	if fs.authCount != 2 {
		t.Errorf("authorize called %d times after 401, want 2 (initial + reauthorize)", fs.authCount)
	}

	// The next attempt, with the refreshed token, succeeds.
	hash, err := b.UploadPart(context.Background(), "file-1", part, streams)
	if err != nil {
		t.Fatalf("UploadPart (retry after reauth): %v", err)
	}
	want := sha1.Sum(data) //nolint:gosec
	if hex.EncodeToString(hash) != hex.EncodeToString(want[:]) {
		t.Errorf("UploadPart() hash = %x, want %x", hash, want)
	}
}

func TestComplete_SendsPartSha1Array(t *testing.T) {
	fs := newFakeServer()
	b := newTestBackend(t, fs)

	if err := b.ensureAuthorized(context.Background()); err != nil {
		t.Fatalf("ensureAuthorized: %v", err)
	}

	sum1 := sha1.Sum([]byte("a")) //nolint:gosec
	sum2 := sha1.Sum([]byte("b")) //nolint:gosec
	err := b.Complete(context.Background(), "file-1", 2, []backend.Hash{backend.Hash(sum1[:]), backend.Hash(sum2[:])})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestIdealPartSize_PrefersServerRecommendation(t *testing.T) {
	fs := newFakeServer()
	b := newTestBackend(t, fs)

	partSize, err := b.IdealPartSize(context.Background(), 50<<20)
	if err != nil {
		t.Fatalf("IdealPartSize: %v", err)
	}
	if partSize != 100<<20 {
		t.Errorf("IdealPartSize() = %d, want server-recommended %d", partSize, 100<<20)
	}
}

func TestIdealPartSize_GrowsPastRecommendationWhenTooManyParts(t *testing.T) {
	fs := newFakeServer()
	b := newTestBackend(t, fs)

	size := int64(maxParts+1) * (100 << 20)
	partSize, err := b.IdealPartSize(context.Background(), size)
	if err != nil {
		t.Fatalf("IdealPartSize: %v", err)
	}
	if backend.PartsNeeded(size, partSize) > maxParts {
		t.Errorf("IdealPartSize() = %d still exceeds maxParts for size %d", partSize, size)
	}
}
