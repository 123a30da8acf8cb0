package b2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bitrise-io/coldvault/internal/redact"
)

type authorizeResponse struct {
	AuthorizationToken      string `json:"authorizationToken"`
	APIURL                  string `json:"apiUrl"`
	RecommendedPartSize     int64  `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64  `json:"absoluteMinimumPartSize"`
}

// ensureAuthorized returns the current authorization token, authorizing
// the account on first use. The mutex coalesces concurrent callers: every
// goroutine that loses the race to acquire the lock simply observes the
// token the winner just fetched, rather than each firing its own
// b2_authorize_account call.
func (b *Backend) ensureAuthorized(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.authToken != "" {
		return nil
	}
	return b.authorizeLocked(ctx)
}

// reauthorize forces a fresh token after a 401. Concurrent callers that
// hit the same 401 window coalesce onto a single renewal: the first one
// to acquire the lock clears and refetches the token; the rest, once they
// acquire it, find authToken already non-empty and short-circuit renewal
// without making a second request, then fail their own in-flight attempt
// so the Part Scheduler retries with the fresh token.
func (b *Backend) reauthorize(ctx context.Context, staleToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.authToken != staleToken {
		// Someone else already renewed since we observed the 401.
		return nil
	}
	b.authToken = ""
	return b.authorizeLocked(ctx)
}

func (b *Backend) authorizeLocked(ctx context.Context) error {
	req, err := retryablehttp.NewRequest(http.MethodGet, b.authorizeURL, nil)
	if err != nil {
		return fmt.Errorf("b2: build authorize request: %w", err)
	}
	req = req.WithContext(ctx)

	credentials := base64.StdEncoding.EncodeToString([]byte(b.accountID + ":" + b.applicationKey))
	req.Header.Set("Authorization", "Basic "+credentials)
	if dump, dumpErr := httputil.DumpRequest(req.Request, false); dumpErr == nil {
		b.logger.Debugf("b2 request: %s", redact.String(string(dump)))
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("b2: authorize account: %w", err)
	}
	defer resp.Body.Close()
	// Body omitted: it carries the fresh account authorizationToken, not
	// covered by redact's header/query allowlist.
	if dump, dumpErr := httputil.DumpResponse(resp, false); dumpErr == nil {
		b.logger.Debugf("b2 response: %s", redact.String(string(dump)))
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("b2: authorize account: unexpected status %d: %s", resp.StatusCode, body)
	}

	var parsed authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("b2: decode authorize response: %w", err)
	}

	b.authToken = parsed.AuthorizationToken
	b.apiURL = parsed.APIURL
	b.recommendedPartSize = parsed.RecommendedPartSize
	b.absoluteMinPartSize = parsed.AbsoluteMinimumPartSize
	return nil
}

// snapshot returns the fields UploadPart/Initiate/Complete need under a
// single lock acquisition, so callers don't interleave field reads with a
// concurrent reauthorize.
func (b *Backend) snapshot() (apiURL, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apiURL, b.authToken
}
