// Package b2 implements backend.Capability against Backblaze B2's large
// file API. Administrative calls (account authorization, starting and
// finishing a large file) go through a retryablehttp.Client, the teacher's
// cache/network/api.go idiom for its own JSON cache API; part uploads use
// a bare *http.Client, matching Glacier's split of admin-call retry versus
// part-upload retry (the latter belongs to the Part Scheduler).
package b2

import (
	"context"
	"crypto/sha1" //nolint:gosec // B2's large-file API mandates SHA-1 part checksums.
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bitrise-io/coldvault/backend"
	"github.com/bitrise-io/coldvault/internal/redact"
)

const (
	minPartSize = 5 << 20  // 5 MiB, B2's absolute floor absent server guidance
	maxPartSize = 5 << 30  // 5 GiB, B2's documented part size ceiling
	maxParts    = 10_000
)

// Backend is a Backblaze B2 bucket, ready to run large-file uploads
// against.
type Backend struct {
	httpClient   *retryablehttp.Client
	authorizeURL string

	accountID      string
	applicationKey string
	bucketID       string

	mu                  sync.Mutex
	apiURL              string
	authToken           string
	recommendedPartSize int64
	absoluteMinPartSize int64

	partClient *http.Client
	logger     log.Logger
}

func (b *Backend) partHTTPClient() *http.Client {
	if b.partClient != nil {
		return b.partClient
	}
	return http.DefaultClient
}

var _ backend.Capability = (*Backend)(nil)

// dumpRequest logs a request at debug level, masking the Authorization
// header and the filename carried in X-Bz-File-Name, matching the
// teacher's httputil.DumpRequest(req.Request, false)-before-Do idiom from
// cache/network/api.go's uploadArchiveChunk.
func (b *Backend) dumpRequest(req *http.Request) {
	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		b.logger.Warnf("b2: dump request: %s", err)
		return
	}
	b.logger.Debugf("b2 request: %s", redact.String(string(dump)))
}

// dumpResponse logs a response at debug level, body included.
func (b *Backend) dumpResponse(resp *http.Response) {
	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		b.logger.Warnf("b2: dump response: %s", err)
		return
	}
	b.logger.Debugf("b2 response: %s", redact.String(string(dump)))
}

// Limits returns B2's documented large-file constraints.
func (b *Backend) Limits() backend.Limits {
	return backend.Limits{
		MinParts:    1,
		MaxParts:    maxParts,
		MinPartSize: minPartSize,
		MaxPartSize: maxPartSize,
	}
}

// IdealPartSize prefers the server's recommendedPartSize (learned at
// authorization time) unless it would push the upload past maxParts, in
// which case a larger size is computed to fit.
func (b *Backend) IdealPartSize(ctx context.Context, size int64) (int64, error) {
	if err := b.ensureAuthorized(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	recommended := b.recommendedPartSize
	absoluteMin := b.absoluteMinPartSize
	b.mu.Unlock()

	if recommended == 0 {
		recommended = minPartSize
	}
	if absoluteMin == 0 {
		absoluteMin = minPartSize
	}

	candidate := recommended
	if size > 0 && backend.PartsNeeded(size, candidate) > maxParts {
		candidate = (size + maxParts - 1) / maxParts
	}

	return backend.Clamp(candidate, absoluteMin, maxPartSize), nil
}

type startLargeFileRequest struct {
	BucketID    string `json:"bucketId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type startLargeFileResponse struct {
	FileID string `json:"fileId"`
}

// Initiate starts a B2 large file and returns its file ID.
func (b *Backend) Initiate(ctx context.Context, name string, partSize int64) (string, error) {
	if err := b.ensureAuthorized(ctx); err != nil {
		return "", err
	}
	apiURL, token := b.snapshot()

	reqBody, err := json.Marshal(startLargeFileRequest{
		BucketID:    b.bucketID,
		FileName:    name,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("b2: marshal start large file request: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, apiURL+"/b2api/v2/b2_start_large_file", reqBody)
	if err != nil {
		return "", fmt.Errorf("b2: build start large file request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	b.dumpRequest(req.Request)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("b2: start large file: %w", err)
	}
	defer resp.Body.Close()
	b.dumpResponse(resp)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("b2: start large file: unexpected status %d: %s", resp.StatusCode, respBody)
	}

	var parsed startLargeFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("b2: decode start large file response: %w", err)
	}
	return parsed.FileID, nil
}

type getUploadPartURLRequest struct {
	FileID string `json:"fileId"`
}

type getUploadPartURLResponse struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// UploadPart uploads one part. Opens streams twice (once to compute the
// SHA-1, once as the upload body), the same two-pass contract Glacier's
// UploadPart relies on. A 401 from B2 (the upload-part auth token expired)
// triggers a single coalesced reauthorize and then fails this attempt so
// the Part Scheduler retries the part with a fresh token.
func (b *Backend) UploadPart(ctx context.Context, uploadID string, part backend.Part, streams backend.StreamFactory) (backend.Hash, error) {
	hashStream, err := streams.OpenRange(ctx, part.Start, part.End)
	if err != nil {
		return nil, fmt.Errorf("open part for hashing: %w", err)
	}
	h := sha1.New() //nolint:gosec
	_, err = io.Copy(h, hashStream)
	hashStream.Close()
	if err != nil {
		return nil, fmt.Errorf("hash part: %w", err)
	}
	sum := h.Sum(nil)

	if err := b.ensureAuthorized(ctx); err != nil {
		return nil, err
	}
	apiURL, token := b.snapshot()

	uploadURL, uploadToken, err := b.getUploadPartURL(ctx, apiURL, token, uploadID)
	if err != nil {
		return nil, err
	}

	bodyStream, err := streams.OpenRange(ctx, part.Start, part.End)
	if err != nil {
		return nil, fmt.Errorf("open part for upload: %w", err)
	}
	defer bodyStream.Close()

	// Unlike the admin calls, the part body is not necessarily replayable
	// (backend.FileStreamFactory's reader is a plain io.Reader, not an
	// io.ReadSeeker retryablehttp could rewind), and the Part Scheduler
	// already retries the whole part against a freshly opened stream on
	// failure. So this request goes out on a bare *http.Client, the same
	// split Glacier's UploadPart uses between scheduler-level and
	// admin-call-level retry.
	attemptCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, uploadURL, bodyStream)
	if err != nil {
		return nil, fmt.Errorf("b2: build upload part request: %w", err)
	}
	req.Header.Set("Authorization", uploadToken)
	req.Header.Set("X-Bz-Part-Number", strconv.Itoa(part.Index+1))
	req.Header.Set("Content-Length", strconv.FormatInt(part.Size(), 10))
	req.ContentLength = part.Size()
	req.Header.Set("X-Bz-Content-Sha1", hex.EncodeToString(sum))
	b.dumpRequest(req)

	resp, err := b.partHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("b2: upload part %d: %w", part.Index, err)
	}
	defer resp.Body.Close()
	b.dumpResponse(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		if reauthErr := b.reauthorize(ctx, token); reauthErr != nil {
			return nil, fmt.Errorf("b2: upload part %d: reauthorize after 401: %w", part.Index, reauthErr)
		}
		return nil, fmt.Errorf("b2: upload part %d: upload token expired, reauthorized for next attempt", part.Index)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("b2: upload part %d: unexpected status %d: %s", part.Index, resp.StatusCode, respBody)
	}

	return backend.Hash(sum), nil
}

func (b *Backend) getUploadPartURL(ctx context.Context, apiURL, token, fileID string) (string, string, error) {
	reqBody, err := json.Marshal(getUploadPartURLRequest{FileID: fileID})
	if err != nil {
		return "", "", fmt.Errorf("b2: marshal get upload part url request: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, apiURL+"/b2api/v2/b2_get_upload_part_url", reqBody)
	if err != nil {
		return "", "", fmt.Errorf("b2: build get upload part url request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	b.dumpRequest(req.Request)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("b2: get upload part url: %w", err)
	}
	defer resp.Body.Close()
	// Body omitted: it carries a fresh part-upload authorizationToken, not
	// covered by redact's header/query allowlist.
	if dump, dumpErr := httputil.DumpResponse(resp, false); dumpErr == nil {
		b.logger.Debugf("b2 response: %s", redact.String(string(dump)))
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("b2: get upload part url: unexpected status %d: %s", resp.StatusCode, respBody)
	}

	var parsed getUploadPartURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("b2: decode get upload part url response: %w", err)
	}
	return parsed.UploadURL, parsed.AuthorizationToken, nil
}

type finishLargeFileRequest struct {
	FileID        string   `json:"fileId"`
	PartSha1Array []string `json:"partSha1Array"`
}

// Complete finalises the large file with the SHA-1 of every part, in
// index order.
func (b *Backend) Complete(ctx context.Context, uploadID string, size int64, partHashes []backend.Hash) error {
	if err := b.ensureAuthorized(ctx); err != nil {
		return err
	}
	apiURL, token := b.snapshot()

	sha1s := make([]string, len(partHashes))
	for i, h := range partHashes {
		sha1s[i] = hex.EncodeToString(h)
	}

	reqBody, err := json.Marshal(finishLargeFileRequest{FileID: uploadID, PartSha1Array: sha1s})
	if err != nil {
		return fmt.Errorf("b2: marshal finish large file request: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, apiURL+"/b2api/v2/b2_finish_large_file", reqBody)
	if err != nil {
		return fmt.Errorf("b2: build finish large file request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	b.dumpRequest(req.Request)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("b2: finish large file: %w", err)
	}
	defer resp.Body.Close()
	b.dumpResponse(resp)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("b2: finish large file: unexpected status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
