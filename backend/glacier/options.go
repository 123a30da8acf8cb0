package glacier

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/coldvault/internal/sigv4"
)

// Options configures a Glacier Backend.
type Options struct {
	Region          string
	VaultName       string
	AccessKeyID     string
	SecretAccessKey string

	// PartTimeout bounds a single part upload attempt. Zero uses
	// defaultPartTimeout.
	PartTimeout time.Duration
}

// FromOptions resolves AWS credentials (static, if provided, otherwise the
// SDK's default chain: environment, shared config, EC2/ECS instance role)
// and builds a ready-to-use Backend. Credential discovery is the only thing
// this package borrows from aws-sdk-go-v2 — the request itself is
// hand-signed by internal/sigv4, never sent through an SDK client.
//
// Grounded on the teacher's loadAWSCredentials in
// cache/network/download_s3.go.
func FromOptions(ctx context.Context, opts Options, logger log.Logger) (*Backend, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("glacier: region must not be empty")
	}
	if opts.VaultName == "" {
		return nil, fmt.Errorf("glacier: vault name must not be empty")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		logger.Debugf("glacier: static credentials provided, using them")
		loadOpts = append(loadOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("glacier: load aws config: %w", err)
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("glacier: retrieve aws credentials: %w", err)
	}

	partTimeout := opts.PartTimeout
	if partTimeout == 0 {
		partTimeout = defaultPartTimeout
	}

	return &Backend{
		endpoint:  fmt.Sprintf("https://glacier.%s.amazonaws.com", opts.Region),
		vault:     opts.VaultName,
		region:    opts.Region,
		signer:    sigv4.NewSigner(opts.Region),
		creds: sigv4.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
		},
		logger:      logger,
		partTimeout: partTimeout,
	}, nil
}
