// Package relay copies a backend response body to the client.
//
// The response status and headers are not committed until the first chunk
// of the body has been read, so a backend that fails before sending any
// body bytes can still be answered with an error page.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultChunkBytes = 8192

var (
	// ErrBackendRead is returned when reading the backend body fails.
	ErrBackendRead = errors.New("backend read failed")
	// ErrClientWrite is returned when writing to the client fails.
	ErrClientWrite = errors.New("client write failed")
)

// Options controls how a body is relayed.
type Options struct {
	ChunkBytes int
	// Flush pushes every chunk to the client as soon as it is written.
	Flush bool
	// WriteTimeout bounds each chunk write. Zero disables it.
	WriteTimeout time.Duration
}

// Result describes what happened to the client side of a relay.
type Result struct {
	Bytes     int64
	Chunks    int
	Committed bool
}

// Copy writes status and header to w, then relays src chunk by chunk.
//
// A clean end of src is not an error. On failure, Result.Committed tells the
// caller whether the status line has gone out: if it has not, w is untouched
// and the caller may still write its own response.
func Copy(w http.ResponseWriter, status int, header http.Header, src io.Reader, opts Options) (Result, error) {
	size := opts.ChunkBytes
	if size <= 0 {
		size = defaultChunkBytes
	}
	buf := make([]byte, size)

	var res Result

	n, err := readChunk(src, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return res, fmt.Errorf("%w: %w", ErrBackendRead, err)
	}

	dst := w.Header()
	for name, values := range header {
		dst[name] = values
	}
	w.WriteHeader(status)
	res.Committed = true

	rc := http.NewResponseController(w)
	for {
		if n > 0 {
			if werr := writeChunk(w, rc, buf[:n], opts); werr != nil {
				return res, fmt.Errorf("%w: %w", ErrClientWrite, werr)
			}
			res.Bytes += int64(n)
			res.Chunks++
		}
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrBackendRead, err)
		}
		n, err = readChunk(src, buf)
	}
}

// readChunk reads until it has at least one byte or an error.
func readChunk(src io.Reader, buf []byte) (int, error) {
	for {
		n, err := src.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func writeChunk(w http.ResponseWriter, rc *http.ResponseController, p []byte, opts Options) error {
	if opts.WriteTimeout > 0 {
		if err := rc.SetWriteDeadline(time.Now().Add(opts.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := w.Write(p); err != nil {
		return err
	}
	if opts.Flush {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	return nil
}
