package instance

import "time"

// pendingRequest is one in-flight client request forwarded to the child
// server, keyed in Instance.pending by its internal id
// ("<sessionId>:<clientRequestId>", spec §3 invariant 4).
type pendingRequest struct {
	sessionID       string
	clientRequestID string
	clientIDRaw     []byte // original id bytes, reinserted verbatim on reply so a numeric id stays numeric
	timer           *time.Timer
}

func internalID(sessionID, clientRequestID string) string {
	return sessionID + ":" + clientRequestID
}
