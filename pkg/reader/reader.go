// Package reader turns a connection into a finite, non-restartable sequence of byte chunks.
package reader

import (
	"errors"
	"io"

	"github.com/tetratelabs/telemetry/scope"

	"github.com/mt-inside/sni-request/pkg/failure"
)

var log = scope.Register("reader", "response stream reading")

// ChunkSize bounds each individual read.
const ChunkSize = 1024

// Give up on a reader that keeps returning (0, nil), as io.ReadAll's callers would hang.
const maxEmptyReads = 100

type Reader struct {
	r       io.Reader
	buf     []byte
	pending error
	done    bool
	total   int
}

func New(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, ChunkSize)}
}

// Next returns the next chunk, a fresh slice the caller owns.
// End-of-stream is io.EOF; any other failure is a failure.ReadFailed.
// Once either has been returned, every subsequent call returns it again.
func (rd *Reader) Next() ([]byte, error) {
	if rd.done {
		return nil, rd.pending
	}
	if rd.pending != nil {
		return nil, rd.finish(rd.pending)
	}

	for empty := 0; empty < maxEmptyReads; empty++ {
		n, err := rd.r.Read(rd.buf)
		if n > 0 {
			chunk := append([]byte{}, rd.buf[:n]...)
			rd.total += n
			if err != nil {
				// Hand over the bytes now, the error on the next call
				rd.pending = err
			}
			return chunk, nil
		}
		if err != nil {
			return nil, rd.finish(err)
		}
	}

	return nil, rd.finish(io.ErrNoProgress)
}

func (rd *Reader) finish(err error) error {
	rd.done = true
	if errors.Is(err, io.EOF) {
		log.Debug("End of stream", "bytes", rd.total)
		rd.pending = io.EOF
	} else {
		log.Debug("Stream failed", "bytes", rd.total, "error", err)
		rd.pending = failure.New(failure.ReadFailed, err)
	}
	return rd.pending
}

// Total is the number of bytes returned so far.
func (rd *Reader) Total() int {
	return rd.total
}
