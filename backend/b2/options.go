package b2

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

const defaultAuthorizeURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

// Options configures a B2 Backend.
type Options struct {
	AccountID      string
	ApplicationKey string
	BucketID       string

	// AuthorizeURL overrides the account-authorization endpoint; tests set
	// this to an httptest server. Production callers leave it empty.
	AuthorizeURL string
}

// FromOptions builds a Backend. Unlike Glacier, B2 authorization happens
// lazily on first use (ensureAuthorized) rather than eagerly here, since
// the admin HTTP client (retryhttp.NewClient, the teacher's
// cache/network/upload.go idiom) needs a logger that callers attach after
// construction in some of the teacher's call sites.
func FromOptions(opts Options, logger log.Logger) (*Backend, error) {
	if opts.AccountID == "" || opts.ApplicationKey == "" {
		return nil, fmt.Errorf("b2: account id and application key must not be empty")
	}
	if opts.BucketID == "" {
		return nil, fmt.Errorf("b2: bucket id must not be empty")
	}

	authorizeURL := opts.AuthorizeURL
	if authorizeURL == "" {
		authorizeURL = defaultAuthorizeURL
	}

	return &Backend{
		httpClient:     retryhttp.NewClient(logger),
		authorizeURL:   authorizeURL,
		accountID:      opts.AccountID,
		applicationKey: opts.ApplicationKey,
		bucketID:       opts.BucketID,
		logger:         logger,
	}, nil
}
