// Package event is a small structured logging facility modeled on the
// label/export split used throughout the language-tooling ecosystem: log
// calls attach typed labels to a message rather than interpolating them into
// a format string, and a single exporter decides how (and whether) to render
// them. The sidecar uses it instead of the bare "log" package so that every
// component — framing, instances, router, dispatcher — tags its output with
// the instance key or session id it concerns.
package event

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Label is a single key/value pair attached to a log line.
type Label struct {
	Key   string
	Value any
}

// Str builds a string-valued Label.
func Str(key, value string) Label { return Label{Key: key, Value: value} }

// Int builds an int-valued Label.
func Int(key string, value int) Label { return Label{Key: key, Value: value} }

// Duration builds a duration-valued Label.
func Duration(key string, value time.Duration) Label { return Label{Key: key, Value: value} }

// Bool builds a bool-valued Label.
func Bool(key string, value bool) Label { return Label{Key: key, Value: value} }

// exporter is the sink for rendered events. Tests may swap it out via
// SetOutput to capture output instead of writing to stderr.
var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects all subsequent event output. Intended for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Log writes an informational event to the exporter.
func Log(ctx context.Context, msg string, labels ...Label) {
	write(msg, nil, labels)
}

// Error writes an error event to the exporter. err is rendered after msg;
// ctx is accepted (and currently unused beyond future trace propagation) so
// call sites read the same as Log.
func Error(ctx context.Context, msg string, err error, labels ...Label) {
	write(msg, err, labels)
}

func write(msg string, err error, labels []Label) {
	mu.Lock()
	defer mu.Unlock()

	var b []byte
	b = time.Now().AppendFormat(b, "2006/01/02 15:04:05.000 ")
	b = append(b, msg...)
	if err != nil {
		if msg != "" {
			b = append(b, ':', ' ')
		}
		b = append(b, err.Error()...)
	}
	for _, l := range labels {
		b = append(b, '\n', '\t')
		b = append(b, l.Key...)
		b = append(b, '=')
		b = append(b, fmt.Sprint(l.Value)...)
	}
	b = append(b, '\n')
	out.Write(b)
}

// Keys used consistently across components so stderr output can be grepped
// per instance or per session.
const (
	KeyInstance = "instance"
	KeySession  = "session"
	KeyReason   = "reason"
)
