// Package glacier implements backend.Capability against AWS S3 Glacier's
// multipart upload REST API. Requests are signed by hand with
// internal/sigv4 rather than an AWS SDK client, per the engine's mandate
// for a faithful, inspectable SigV4 implementation.
package glacier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/coldvault/backend"
	"github.com/bitrise-io/coldvault/internal/redact"
	"github.com/bitrise-io/coldvault/internal/sigv4"
	"github.com/bitrise-io/coldvault/treehash"
)

const (
	defaultPartTimeout = 120 * time.Second
	numAdminRetries    = 3
	adminRetryWait     = 5 * time.Second

	// Glacier's documented multipart limits: part size must be a power of
	// two between 1 MiB and 4 GiB, and an upload may have at most 10,000
	// parts.
	minPartSize = 1 << 20
	maxPartSize = 4 << 30
	maxParts    = 10_000
)

// Backend is an AWS Glacier vault, ready to run multipart uploads against.
type Backend struct {
	endpoint string
	vault    string
	region   string

	signer sigv4.Signer
	creds  sigv4.Credentials

	httpClient  *http.Client
	partTimeout time.Duration

	logger log.Logger
}

var _ backend.Capability = (*Backend)(nil)

// Limits returns Glacier's documented multipart constraints.
func (b *Backend) Limits() backend.Limits {
	return backend.Limits{
		MinParts:    1,
		MaxParts:    maxParts,
		MinPartSize: minPartSize,
		MaxPartSize: maxPartSize,
	}
}

// IdealPartSize picks the smallest power-of-two part size that keeps the
// archive within maxParts parts, clamped to Glacier's [min,max] part size
// bounds. Because min and max are themselves powers of two and the
// unclamped candidate is one too, the clamped result is always a valid
// Glacier part size.
func (b *Backend) IdealPartSize(ctx context.Context, size int64) (int64, error) {
	if size <= 0 {
		return minPartSize, nil
	}
	candidate := backend.NextPowerOfTwo((size + maxParts - 1) / maxParts)
	return backend.Clamp(candidate, minPartSize, maxPartSize), nil
}

func (b *Backend) client() *http.Client {
	if b.httpClient != nil {
		return b.httpClient
	}
	return http.DefaultClient
}

// dumpRequest logs a signed request at debug level with credential-bearing
// headers and query parameters masked, the teacher's
// httputil.DumpRequest(req.Request, false)-before-Do idiom from
// cache/network/api.go. The body is never dumped (false), since Glacier's
// part bodies are large and admin calls carry no body.
func (b *Backend) dumpRequest(req *http.Request) {
	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		b.logger.Warnf("glacier: dump request: %s", err)
		return
	}
	b.logger.Debugf("glacier request: %s", redact.String(string(dump)))
}

// dumpResponse logs a response at debug level, body included (small JSON
// or XML error bodies only — part-upload success responses have none).
func (b *Backend) dumpResponse(resp *http.Response) {
	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		b.logger.Warnf("glacier: dump response: %s", err)
		return
	}
	b.logger.Debugf("glacier response: %s", redact.String(string(dump)))
}

// Initiate opens a new Glacier multipart upload and returns its upload ID.
// This is an idempotent admin call, retried with the teacher's
// retry.Times(...).Wait(...).TryWithAbort(...) idiom (cache/network/upload_s3.go's
// findChecksumWithRetry/copyObjectWithRetry), rather than the Part
// Scheduler's infinite-retry domain.
func (b *Backend) Initiate(ctx context.Context, name string, partSize int64) (string, error) {
	var uploadID string
	err := retry.Times(numAdminRetries).Wait(adminRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		url := fmt.Sprintf("%s/-/vaults/%s/multipart-uploads", b.endpoint, b.vault)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return fmt.Errorf("build initiate request: %w", err), true
		}
		req.Header.Set("x-amz-part-size", fmt.Sprintf("%d", partSize))
		req.Header.Set("x-amz-archive-description", name)

		b.signer.Sign(req, b.creds, emptyPayloadHash, time.Now())
		b.dumpRequest(req)

		resp, err := b.client().Do(req)
		if err != nil {
			b.logger.Warnf("glacier: initiate attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("initiate multipart upload: %w", err), false
		}
		defer resp.Body.Close()
		b.dumpResponse(resp)

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("initiate multipart upload: unexpected status %d: %s", resp.StatusCode, body), false
		}

		uploadID = resp.Header.Get("x-amz-multipart-upload-id")
		if uploadID == "" {
			return fmt.Errorf("initiate multipart upload: response missing x-amz-multipart-upload-id"), true
		}
		return nil, true
	})
	if err != nil {
		return "", err
	}
	return uploadID, nil
}

// UploadPart uploads one part. It opens streams twice: once to compute the
// part's linear and tree-hash checksums, once to supply the request body —
// the two-pass contract backend.StreamFactory exists for.
func (b *Backend) UploadPart(ctx context.Context, uploadID string, part backend.Part, streams backend.StreamFactory) (backend.Hash, error) {
	hashStream, err := streams.OpenRange(ctx, part.Start, part.End)
	if err != nil {
		return nil, fmt.Errorf("open part for hashing: %w", err)
	}
	sums, err := treehash.Sum(hashStream, part.Size())
	hashStream.Close()
	if err != nil {
		return nil, fmt.Errorf("hash part: %w", err)
	}

	bodyStream, err := streams.OpenRange(ctx, part.Start, part.End)
	if err != nil {
		return nil, fmt.Errorf("open part for upload: %w", err)
	}
	defer bodyStream.Close()

	attemptCtx, cancel := context.WithTimeout(ctx, b.partTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/-/vaults/%s/multipart-uploads/%s", b.endpoint, b.vault, uploadID)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPut, url, bodyStream)
	if err != nil {
		return nil, fmt.Errorf("build upload-part request: %w", err)
	}
	req.ContentLength = part.Size()
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", part.Start, part.End))
	req.Header.Set("x-amz-sha256-tree-hash", sums.Tree.Hex())

	b.signer.Sign(req, b.creds, sums.Linear.Hex(), time.Now())
	b.dumpRequest(req)

	resp, err := b.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload part %d: %w", part.Index, err)
	}
	defer resp.Body.Close()
	b.dumpResponse(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload part %d: unexpected status %d: %s", part.Index, resp.StatusCode, body)
	}

	if echoed := resp.Header.Get("x-amz-sha256-tree-hash"); echoed != "" && echoed != sums.Tree.Hex() {
		return nil, fmt.Errorf("upload part %d: server tree hash %s does not match computed hash %s", part.Index, echoed, sums.Tree.Hex())
	}

	return backend.Hash(sums.Tree[:]), nil
}

// Complete finalises the upload with the archive's total size and its
// composed tree hash (treehash.CombineLeaves over every part's tree hash,
// in index order).
func (b *Backend) Complete(ctx context.Context, uploadID string, size int64, partHashes []backend.Hash) error {
	leaves := make([]treehash.Digest, len(partHashes))
	for i, h := range partHashes {
		var d treehash.Digest
		copy(d[:], h)
		leaves[i] = d
	}
	archiveHash := treehash.CombineLeaves(leaves)

	return retry.Times(numAdminRetries).Wait(adminRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		url := fmt.Sprintf("%s/-/vaults/%s/multipart-uploads/%s", b.endpoint, b.vault, uploadID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return fmt.Errorf("build complete request: %w", err), true
		}
		req.Header.Set("x-amz-archive-size", fmt.Sprintf("%d", size))
		req.Header.Set("x-amz-sha256-tree-hash", archiveHash.Hex())

		b.signer.Sign(req, b.creds, emptyPayloadHash, time.Now())
		b.dumpRequest(req)

		resp, err := b.client().Do(req)
		if err != nil {
			b.logger.Warnf("glacier: complete attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		defer resp.Body.Close()
		b.dumpResponse(resp)

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("complete multipart upload: unexpected status %d: %s", resp.StatusCode, respBody), false
		}
		return nil, true
	})
}

// emptyPayloadHash is the hex SHA-256 of the empty string, the payload hash
// SigV4 requires for requests with no body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
