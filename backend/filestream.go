package backend

import (
	"context"
	"fmt"
	"io"
	"os"
)

// FileStreamFactory opens independent *os.File handles over byte ranges of
// a single path on disk. Each OpenRange call opens its own handle (rather
// than sharing a *os.File + mutex, as the teacher's
// chunkuploader.FileChunkProvider does for in-memory reads) so concurrent
// workers in the Part Scheduler never contend on a single file descriptor's
// seek position.
type FileStreamFactory struct {
	Path string
}

// OpenRange opens Path and returns a reader limited to [start, end]
// inclusive.
func (f FileStreamFactory) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek to %d: %w", start, err)
	}

	size := end - start + 1
	if size < 0 {
		size = 0
	}

	return rangeReadCloser{r: io.LimitReader(file, size), c: file}, nil
}

type rangeReadCloser struct {
	r io.Reader
	c io.Closer
}

func (r rangeReadCloser) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r rangeReadCloser) Close() error                { return r.c.Close() }
