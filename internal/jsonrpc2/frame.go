// Package jsonrpc2 implements the Content-Length framing used by LSP
// together with the minimal id/method
// extraction the sidecar needs to correlate requests — it never parses or
// validates full message bodies (spec Non-goals). It is a ground-up
// reimplementation of the framing contract in the teacher's
// internal/jsonrpc2_v2 HeaderFramer, adapted from a blocking io.Reader
// consumer to an append-only byte buffer a caller feeds incrementally: the
// sidecar's single-threaded executor reads whatever a child's stdout pipe
// makes available in one chunk and must be able to resync on garbage
// without blocking on a full frame.
package jsonrpc2

import (
	"bytes"
	"fmt"
	"strconv"
)

// garbageThreshold is the "obviously garbage" buffer size past which, with
// no Content-Length header found yet, the decoder gives up and drops the
// buffer to resync (spec §4.1).
const garbageThreshold = 1024

const headerName = "content-length:"

// Decoder incrementally extracts Content-Length framed bodies from a byte
// stream. It is not safe for concurrent use; each child process owns one
// Decoder fed from its single read loop.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends newly read bytes to the decoder's buffer.
func (d *Decoder) Feed(chunk []byte) {
	d.buf.Write(chunk)
}

// Next attempts to extract the next complete frame body from the buffered
// bytes. It returns (body, true, nil) when a full frame is available,
// (nil, false, nil) when more bytes are needed, and a non-nil error only
// for conditions the spec treats as fatal to the stream (none currently —
// garbage is resynced, not errored).
func (d *Decoder) Next() ([]byte, bool, error) {
	data := d.buf.Bytes()

	idx := indexHeader(data)
	if idx < 0 {
		if d.buf.Len() > garbageThreshold {
			d.buf.Reset()
		}
		return nil, false, nil
	}
	if idx > 0 {
		// Garbage (e.g. a server's stray stderr-on-stdout warning) precedes
		// the header; discard it so the header starts the buffer.
		d.buf.Next(idx)
		data = d.buf.Bytes()
	}

	sepIdx := bytes.Index(data, []byte("\r\n\r\n"))
	if sepIdx < 0 {
		if d.buf.Len() > garbageThreshold {
			// A header line longer than the threshold without a terminator
			// is itself garbage; drop the whole buffer so the next Feed
			// has a chance to find a clean header.
			d.buf.Reset()
		}
		return nil, false, nil
	}

	headerEnd := sepIdx + 4
	length, err := parseContentLength(data[:sepIdx])
	if err != nil {
		// Malformed header: treat everything up to and including the
		// separator as garbage and resync on whatever follows it.
		d.buf.Next(headerEnd)
		return d.Next()
	}

	if len(data) < headerEnd+length {
		return nil, false, nil
	}

	body := make([]byte, length)
	copy(body, data[headerEnd:headerEnd+length])
	d.buf.Next(headerEnd + length)
	return body, true, nil
}

// indexHeader finds the case-insensitive byte offset of "content-length:"
// in data, or -1 if absent.
func indexHeader(data []byte) int {
	lower := bytes.ToLower(data)
	return bytes.Index(lower, []byte(headerName))
}

func parseContentLength(header []byte) (int, error) {
	idx := indexHeader(header)
	if idx < 0 {
		return 0, fmt.Errorf("no %s header", headerName)
	}
	rest := header[idx+len(headerName):]
	// Stop at the first \r or \n in case multiple headers are present.
	if end := bytes.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative Content-Length: %d", n)
	}
	return n, nil
}

// Encode produces a Content-Length framed packet wrapping body.
func Encode(body []byte) []byte {
	out := make([]byte, 0, len(body)+32)
	out = append(out, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))...)
	out = append(out, body...)
	return out
}
