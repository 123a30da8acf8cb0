// Package scheduler runs a bounded pool of workers uploading parts against
// a backend.Capability, sharing a single failure counter that drives
// exponential backoff across the whole pool rather than per-part.
//
// Grounded on the teacher's chunkuploader.Uploader (bounded concurrency via
// a semaphore channel, a results channel collected on the calling
// goroutine), generalized from "retry a chunk up to MaxRetryPerChunk times
// then give up" to "retry a part forever, backing off on a pool-wide
// failure count that resets on any success."
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/coldvault/backend"
)

const (
	defaultConcurrency = 3
	maxBackoffSeconds   = 300
)

// OnPartUploaded is invoked synchronously, from whichever worker goroutine
// just finished the part, the moment a part's upload succeeds. Callers use
// it to persist the part hash before the scheduler moves on, so a crash
// mid-run never loses a completed part. A non-nil return aborts the whole
// run: losing the ability to record progress is treated as fatal, not
// retryable.
type OnPartUploaded func(part backend.Part, hash backend.Hash) error

// Scheduler uploads a fixed set of parts against one backend.Capability
// with bounded concurrency.
type Scheduler struct {
	Backend     backend.Capability
	Streams     backend.StreamFactory
	Concurrency int
	Logger      log.Logger

	failures int32
}

// Run uploads every part in parts, calling onDone after each success. It
// returns when every part has succeeded, when ctx is cancelled, or when
// onDone returns an error for some part.
func (s *Scheduler) Run(ctx context.Context, uploadID string, parts []backend.Part, onDone OnPartUploaded) error {
	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	queue := make(chan backend.Part, len(parts))
	for _, p := range parts {
		queue <- p
	}
	close(queue)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for part := range queue {
				hash, err := s.uploadWithBackoff(runCtx, uploadID, part)
				if err != nil {
					fail(err)
					return
				}
				if err := onDone(part, hash); err != nil {
					fail(fmt.Errorf("record part %d: %w", part.Index, err))
					return
				}
			}
		}()
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// uploadWithBackoff retries a single part indefinitely, backing off on the
// scheduler's shared failure counter: min(300, 2^f) seconds, where f is the
// total number of failures seen across every part and worker since the
// last success anywhere in the pool. A success resets f to zero, so one
// worker's recovery immediately un-throttles the rest.
func (s *Scheduler) uploadWithBackoff(ctx context.Context, uploadID string, part backend.Part) (backend.Hash, error) {
	for {
		wait := backoff(atomic.LoadInt32(&s.failures))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		hash, err := s.Backend.UploadPart(ctx, uploadID, part, s.Streams)
		if err == nil {
			atomic.StoreInt32(&s.failures, 0)
			return hash, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		f := atomic.AddInt32(&s.failures, 1)
		s.Logger.Warnf("part %d upload failed (pool failure count %d): %s; next attempt waits %s", part.Index, f, err, backoff(f))
	}
}

// backoff computes min(300, 2^f) seconds.
func backoff(f int32) time.Duration {
	if f > 8 {
		// 2^9 already exceeds the 300s cap; avoid the shift growing
		// unbounded for a long losing streak.
		return maxBackoffSeconds * time.Second
	}
	seconds := int64(1) << uint(f)
	if seconds > maxBackoffSeconds {
		seconds = maxBackoffSeconds
	}
	return time.Duration(seconds) * time.Second
}
