// Package backend defines the narrow capability interface the upload engine
// consumes. It is implemented by backend/glacier (AWS S3 Glacier) and
// backend/b2 (Backblaze B2); the engine itself never imports either
// implementation package directly, only this interface.
package backend

import (
	"context"
	"io"
)

// Limits are a backend's read-only numeric constraints on part geometry.
type Limits struct {
	MinParts    int
	MaxParts    int
	MinPartSize int64
	MaxPartSize int64
}

// Part is a contiguous, inclusive-on-both-ends byte range of
// the source file, per the data model: start_n = n*part_size,
// end_n = min(size-1, (n+1)*part_size-1).
type Part struct {
	Index int
	Start int64
	End   int64 // inclusive
}

// Size returns the number of bytes covered by the part.
func (p Part) Size() int64 {
	return p.End - p.Start + 1
}

// StreamFactory produces independent, re-readable byte streams of a single
// byte range. It is a factory rather than a single stream because some
// backends must read the range twice: once to checksum it before the
// request, once as the request body.
type StreamFactory interface {
	// OpenRange returns a fresh reader over [start, end] inclusive.
	// Each call must yield an independent stream positioned at start.
	OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error)
}

// Hash is an opaque, backend-defined per-part checksum: Glacier's is a
// 32-byte tree hash, B2's is a 20-byte SHA-1.
type Hash []byte

// Capability is the interface the orchestrator, session manager, and
// scheduler depend on. Two implementations (*glacier.Backend,
// *b2.Backend) satisfy it; neither inherits from the other.
type Capability interface {
	// Limits returns the backend's numeric constraints.
	Limits() Limits

	// IdealPartSize recommends a part size for a file of the given size.
	// May be non-deterministic (e.g. B2's server-side recommendation can
	// change between calls) — once a session records a part size, that
	// value is authoritative and IdealPartSize is never consulted again
	// for that session.
	IdealPartSize(ctx context.Context, size int64) (int64, error)

	// Initiate starts a new multipart upload and returns its backend-opaque
	// upload ID.
	Initiate(ctx context.Context, name string, partSize int64) (uploadID string, err error)

	// UploadPart uploads a single part and returns its backend-specific
	// hash. streams must produce independent, re-readable byte ranges.
	UploadPart(ctx context.Context, uploadID string, part Part, streams StreamFactory) (Hash, error)

	// Complete finalises the upload given every part's hash in index
	// order.
	Complete(ctx context.Context, uploadID string, size int64, partHashes []Hash) error
}

// PlanParts derives the part geometry for a file of the given size and part
// size: parts_needed = ceil(size/part_size); every part but the last has
// size part_size; the last has whatever remains.
func PlanParts(size, partSize int64) []Part {
	if size == 0 {
		return []Part{{Index: 0, Start: 0, End: -1}}
	}

	partsNeeded := PartsNeeded(size, partSize)
	parts := make([]Part, 0, partsNeeded)
	for n := 0; n < partsNeeded; n++ {
		start := int64(n) * partSize
		end := start + partSize - 1
		if max := size - 1; end > max {
			end = max
		}
		parts = append(parts, Part{Index: n, Start: start, End: end})
	}
	return parts
}

// PartsNeeded computes ceil(size/partSize).
func PartsNeeded(size, partSize int64) int {
	if partSize <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}

// Clamp bounds value to [min, max].
func Clamp(value, min, max int64) int64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// NextPowerOfTwo returns the smallest power of two >= n (n >= 1).
func NextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}
