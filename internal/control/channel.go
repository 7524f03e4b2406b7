package control

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/tris790/lsp-sidecar/internal/event"
)

// Channel is the bidirectional control channel to the parent process.
// Reading and writing are independent: a blocked write to the parent must
// never stall the read side, and vice versa (spec §4.2). Outbound envelopes
// are serialized through a single writer goroutine fed by a channel, per
// the "single serializing writer task" shape suggested in §9.
type Channel struct {
	r *bufio.Reader
	w io.Writer

	out    chan Outbound
	wg     sync.WaitGroup
	writeErr chan error
}

// NewChannel wraps the parent's stdin/stdout streams.
func NewChannel(stdin io.Reader, stdout io.Writer) *Channel {
	c := &Channel{
		r:        bufio.NewReader(stdin),
		w:        stdout,
		out:      make(chan Outbound, 256),
		writeErr: make(chan error, 1),
	}
	c.wg.Add(1)
	go c.runWriter()
	return c
}

// Send enqueues an outbound envelope. It never blocks on I/O; if the
// writer goroutine has already died, Send drops the envelope (the process
// is on its way down already via a transport-fatal error). Send also
// tolerates racing against Close: an instance's background loops may
// still be delivering a last message while shutdown closes the queue.
func (c *Channel) Send(o Outbound) {
	defer func() {
		if recover() != nil {
			event.Log(context.Background(), "dropping envelope sent after channel close", event.Str("type", o.Type))
		}
	}()
	select {
	case c.out <- o:
	default:
		// Outbound queue saturated (parent not reading fast enough). Drop
		// rather than block the caller, which would stall the single
		// executor (spec §5).
		event.Log(context.Background(), "control channel outbound queue full, dropping envelope", event.Str("type", o.Type))
	}
}

// Close stops the writer goroutine after draining any already-queued
// envelopes.
func (c *Channel) Close() {
	close(c.out)
	c.wg.Wait()
}

// WriteErr returns a channel that receives at most one value: a fatal
// write error to the parent, if one ever occurs.
func (c *Channel) WriteErr() <-chan error { return c.writeErr }

func (c *Channel) runWriter() {
	defer c.wg.Done()
	for o := range c.out {
		data, err := json.Marshal(o)
		if err != nil {
			event.Error(context.Background(), "failed marshaling outbound envelope", err, event.Str("type", o.Type))
			continue
		}
		data = append(data, '\n')
		if _, err := c.w.Write(data); err != nil {
			select {
			case c.writeErr <- err:
			default:
			}
			return
		}
	}
}

// ReadLine reads the next newline-terminated line from the parent. Empty
// lines are ignored by the caller (Next skips them); unparseable lines are
// silently dropped per spec §4.2, since the parent owns retry semantics.
func (c *Channel) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

// Next blocks until the next valid Inbound envelope arrives, skipping
// blank and unparseable lines, or returns io.EOF when the parent closes
// stdin.
func (c *Channel) Next() (Inbound, error) {
	for {
		line, err := c.ReadLine()
		if line == "" && err != nil {
			return Inbound{}, err
		}
		trimmed := trimNewline(line)
		if trimmed == "" {
			if err != nil {
				return Inbound{}, err
			}
			continue
		}
		var in Inbound
		if jerr := json.Unmarshal([]byte(trimmed), &in); jerr != nil {
			event.Log(context.Background(), "dropping unparseable control line", event.Int("bytes", len(trimmed)))
			if err != nil {
				return Inbound{}, err
			}
			continue
		}
		return in, nil
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
