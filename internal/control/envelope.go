// Package control implements the newline-delimited JSON control channel
// between the sidecar and its parent process (spec §4.2). It is read from
// stdin and written to stdout; stdout carries nothing else.
package control

import "github.com/segmentio/encoding/json"

// Inbound is one envelope read from the parent on stdin.
type Inbound struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	RootPath   string          `json:"rootPath,omitempty"`
	Language   string          `json:"language,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

const (
	InOpen    = "open"
	InMessage = "message"
	InClose   = "close"
	InWarmup  = "warmup"
	InStats   = "stats"
	InShutdown = "shutdown"
)

// Outbound is one envelope written to the parent on stdout. Only the
// fields relevant to Type are populated; the rest are omitted.
type Outbound struct {
	Type string `json:"type"`

	// ready
	PID       int   `json:"pid,omitempty"`
	StartedAt int64 `json:"startedAt,omitempty"`

	// heartbeat
	TS               int64 `json:"ts,omitempty"`
	ActiveInstances  int   `json:"activeInstances,omitempty"`
	ActiveSessions   int   `json:"activeSessions,omitempty"`
	PendingRequests  int   `json:"pendingRequests,omitempty"`

	// deliver / session-error
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`

	// stats
	Data any `json:"data,omitempty"`
}

func Ready(pid int, startedAt int64) Outbound {
	return Outbound{Type: "ready", PID: pid, StartedAt: startedAt}
}

func Heartbeat(ts int64, instances, sessions, pending int) Outbound {
	return Outbound{
		Type:            "heartbeat",
		TS:              ts,
		ActiveInstances: instances,
		ActiveSessions:  sessions,
		PendingRequests: pending,
	}
}

func Deliver(sessionID string, payload json.RawMessage) Outbound {
	return Outbound{Type: "deliver", SessionID: sessionID, Payload: payload}
}

func SessionError(sessionID, errText string) Outbound {
	return Outbound{Type: "session-error", SessionID: sessionID, Error: errText}
}

func Stats(data any) Outbound {
	return Outbound{Type: "stats", Data: data}
}

func Fatal(errText string) Outbound {
	return Outbound{Type: "fatal", Error: errText}
}
