package jsonrpc2

import "github.com/segmentio/encoding/json"

// InternalPrefix is reserved for sidecar-originated request ids
// (internal-init, internal-solution-open, ...). No id beginning with this
// prefix is ever forwarded to the parent in a deliver envelope (§9).
const InternalPrefix = "internal-"

// Peek holds the only two fields the sidecar looks at on a decoded body:
// id and method. Per spec it never parses or validates the rest of the
// payload.
type Peek struct {
	ID        json.RawMessage
	Method    string
	HasID     bool
	HasMethod bool
}

// PeekBody extracts id/method from a raw JSON body without validating the
// rest of the structure. A body that isn't a JSON object at all yields a
// zero Peek and ok=false; callers use that to decide whether to take the
// raw-forward escape hatch (§9).
func PeekBody(raw []byte) (Peek, bool) {
	var wire struct {
		ID     json.RawMessage `json:"id"`
		Method *string         `json:"method"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Peek{}, false
	}
	p := Peek{ID: wire.ID, HasID: len(wire.ID) > 0 && string(wire.ID) != "null"}
	if wire.Method != nil {
		p.Method = *wire.Method
		p.HasMethod = true
	}
	return p, true
}

// IsRequest reports whether a peeked body is a call (has both id and
// method) as opposed to a notification or a response.
func (p Peek) IsRequest() bool { return p.HasID && p.HasMethod }

// IDString returns the id as it would read in JSON: the raw string for a
// string id, or the decimal digits for a numeric id.
func (p Peek) IDString() string {
	if !p.HasID {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.ID, &s); err == nil {
		return s
	}
	return string(p.ID)
}
