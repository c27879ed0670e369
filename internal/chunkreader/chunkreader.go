// Package chunkreader implements a greedy fixed-size chunker over a byte
// stream, used to split NAR bodies and narinfo bodies into upload chunks.
//
// It is deliberately the simplest possible component: no buffering across
// calls, no pacing decisions. The caller (internal/backend) owns pacing and
// concurrency.
package chunkreader

import (
	"io"

	"github.com/pkg/errors"
)

// DefaultChunkSize is used when no explicit size is configured. It sits in
// the middle of spec's 8-32 MiB window.
const DefaultChunkSize = 16 << 20

// ChunkReader reads up to ChunkSize bytes per call from an underlying
// io.Reader, returning a freshly allocated buffer each time.
type ChunkReader struct {
	r         io.Reader
	chunkSize int
}

// New wraps r, reading chunkSize bytes at a time. chunkSize <= 0 selects
// DefaultChunkSize.
func New(r io.Reader, chunkSize int) *ChunkReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkReader{r: r, chunkSize: chunkSize}
}

// Next reads the next chunk. It returns a short (or empty) buffer at EOF,
// and an empty buffer with nil error signals there is nothing further to
// read. Any other error is the underlying stream's I/O error, wrapped with
// context.
func (c *ChunkReader) Next() ([]byte, error) {
	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		return buf[:n], nil
	default:
		return nil, errors.Wrap(err, "chunkreader: read failed")
	}
}

// ChunkSize reports the configured chunk size.
func (c *ChunkReader) ChunkSize() int { return c.chunkSize }
