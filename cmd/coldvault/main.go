// Command coldvault drives one resumable multipart upload to AWS S3
// Glacier or Backblaze B2, the way the teacher's step binaries wrap a
// cache package call in flag parsing and an exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/coldvault/backend"
	"github.com/bitrise-io/coldvault/backend/b2"
	"github.com/bitrise-io/coldvault/backend/glacier"
	"github.com/bitrise-io/coldvault/internal/fileid"
	"github.com/bitrise-io/coldvault/orchestrator"
	"github.com/bitrise-io/coldvault/progress"
	"github.com/bitrise-io/coldvault/session"
	"github.com/bitrise-io/coldvault/statestore"
	"github.com/bitrise-io/coldvault/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := log.NewLogger()

	fs := flag.NewFlagSet("coldvault", flag.ContinueOnError)
	file := fs.String("file", "", "path of the file to upload (required)")
	workDir := fs.String("work", "", "working directory holding the resumable session state (required)")
	service := fs.String("service", "", "backend to upload to: glacier or b2 (required)")
	concurrency := fs.Int("concurrency", 0, "maximum concurrent in-flight part uploads (0 uses the scheduler default)")
	quiet := fs.Bool("quiet", false, "suppress the progress bar")
	verbose := fs.Bool("verbose", false, "enable debug logging, including redacted request/response dumps")
	force := fs.Bool("force", false, "bypass the file-identity check on resume and reclaim a fresh lockfile")

	region := fs.String("region", "", "Glacier: AWS region")
	vault := fs.String("vault", "", "Glacier: vault name")
	accessKey := fs.String("access", "", "Glacier: AWS access key id (falls back to the default credential chain)")
	secretKey := fs.String("secret", "", "Glacier: AWS secret access key")

	accountID := fs.String("account", "", "B2: account id")
	applicationKey := fs.String("key", "", "B2: application key")
	bucket := fs.String("bucket", "", "B2: bucket id")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	logger.EnableDebugLog(*verbose)

	if *file == "" || *workDir == "" || *service == "" {
		fmt.Fprintln(os.Stderr, "coldvault: --file, --work and --service are required")
		return 1
	}

	ctx := context.Background()

	desc, err := fileid.Resolve(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coldvault: %s\n", err)
		return 1
	}

	store, err := statestore.Open(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coldvault: %s\n", err)
		return 1
	}

	lock, err := statestore.AcquireLock(*workDir, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coldvault: %s\n", err)
		return 1
	}
	defer lock.Release()

	cap, err := buildBackend(ctx, *service, logger, backendOptions{
		region: *region, vault: *vault, accessKey: *accessKey, secretKey: *secretKey,
		accountID: *accountID, applicationKey: *applicationKey, bucket: *bucket,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "coldvault: %s\n", err)
		return 1
	}

	streams := backend.FileStreamFactory{Path: desc.Path}
	mgr := session.NewManager(store, cap, logger)
	reporter := progress.NewReporter(os.Stdout, "[:bar] :percent% :name", *quiet)
	tracker := telemetry.NewUploadTracker(env.NewRepository(), logger)
	defer tracker.Wait()

	cfg := orchestrator.Config{BackendName: *service, Concurrency: *concurrency, Force: *force}
	if err := orchestrator.Upload(ctx, desc, mgr, cap, streams, reporter, tracker, logger, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "coldvault: %s\n", err)
		return 1
	}

	return 0
}

type backendOptions struct {
	region, vault, accessKey, secretKey     string
	accountID, applicationKey, bucket string
}

func buildBackend(ctx context.Context, service string, logger log.Logger, opts backendOptions) (backend.Capability, error) {
	switch service {
	case "glacier":
		return glacier.FromOptions(ctx, glacier.Options{
			Region:          opts.region,
			VaultName:       opts.vault,
			AccessKeyID:     opts.accessKey,
			SecretAccessKey: opts.secretKey,
		}, logger)
	case "b2":
		return b2.FromOptions(b2.Options{
			AccountID:      opts.accountID,
			ApplicationKey: opts.applicationKey,
			BucketID:       opts.bucket,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown --service %q: must be \"glacier\" or \"b2\"", service)
	}
}
