package instance

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tris790/lsp-sidecar/internal/jsonrpc2"
	"github.com/tris790/lsp-sidecar/internal/policy"
)

// fakeCallbacks records every callback invocation for assertions.
type fakeCallbacks struct {
	mu        sync.Mutex
	delivered []struct {
		session string
		payload string
	}
	errors   []string
	restarts []string
}

func (f *fakeCallbacks) Deliver(sessionID string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, struct {
		session string
		payload string
	}{sessionID, string(payload)})
}

func (f *fakeCallbacks) SessionError(sessionID string, errText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, sessionID+": "+errText)
}

func (f *fakeCallbacks) RequestRestart(key Key, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, reason)
}

func (f *fakeCallbacks) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

// newTestInstance wires an Instance to an in-memory pipe instead of a real
// child process, so its write/read loops can be exercised without spawning
// anything.
func newTestInstance(t *testing.T, cb Callbacks) (*Instance, io.Reader, io.Writer) {
	t.Helper()
	serverReadsFrom, toServer := io.Pipe()
	fromServer, serverWritesTo := io.Pipe()

	i := &Instance{
		Key:                Key{RootPath: "/repo", Language: "go"},
		pol:                policy.Defaults(),
		cb:                 cb,
		stdin:              toServerWriteCloser{toServer},
		stdout:             io.NopCloser(fromServer),
		clients:            make(map[string]bool),
		pending:            make(map[string]*pendingRequest),
		reportedOnceErrors: make(map[string]bool),
		wake:               make(chan struct{}, 1),
		lastUsedAt:         time.Now(),
	}
	go i.writeDrain()
	go i.readLoop()
	return i, serverReadsFrom, serverWritesTo
}

type toServerWriteCloser struct{ *io.PipeWriter }

func (toServerWriteCloser) Close() error { return nil }

// drainForever discards everything written to the instance's stdin side of
// the pipe, standing in for the child process reading its own stdin.
func drainForever(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

func TestSubmitBeforeInitIsQueuedThenFlushedAfterInit(t *testing.T) {
	cb := &fakeCallbacks{}
	i, serverIn, serverOut := newTestInstance(t, cb)
	go drainForever(serverIn)

	i.Submit("sess-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"textDocument/hover","params":{}}`))

	i.mu.Lock()
	queued := len(i.preInitQueue)
	i.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected request to queue before init, got %d queued", queued)
	}

	initResp := []byte(`{"jsonrpc":"2.0","id":"` + internalInitID + `","result":{"capabilities":{}}}`)
	serverOut.Write(jsonrpc2.Encode(initResp))

	deadline := time.After(2 * time.Second)
	for {
		i.mu.Lock()
		done := i.initialized
		i.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("instance never became initialized")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDeliverResponseRewritesIDAndDeliversToOriginalSession(t *testing.T) {
	cb := &fakeCallbacks{}
	i, serverIn, serverOut := newTestInstance(t, cb)
	go drainForever(serverIn)
	i.mu.Lock()
	i.initialized = true
	i.mu.Unlock()

	i.Submit("sess-1", []byte(`{"jsonrpc":"2.0","id":7,"method":"textDocument/definition","params":{"textDocument":{"uri":"file:///repo/a.go"}}}`))

	var internalIDStr string
	deadline := time.After(time.Second)
	for {
		i.mu.Lock()
		for id, p := range i.pending {
			if p.sessionID == "sess-1" {
				internalIDStr = id
			}
		}
		i.mu.Unlock()
		if internalIDStr != "" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never correlated")
		case <-time.After(5 * time.Millisecond):
		}
	}

	resp := []byte(`{"jsonrpc":"2.0","id":"` + internalIDStr + `","result":[{"uri":"file:///repo/b.go"}]}`)
	serverOut.Write(jsonrpc2.Encode(resp))

	deadline = time.After(time.Second)
	for cb.deliveries() == 0 {
		select {
		case <-deadline:
			t.Fatal("response never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cb.mu.Lock()
	got := cb.delivered[0]
	cb.mu.Unlock()
	if got.session != "sess-1" {
		t.Fatalf("delivered to %q, want sess-1", got.session)
	}
	if !contains(got.payload, `"id":7`) {
		t.Fatalf("expected client id 7 restored, got %s", got.payload)
	}
	if !contains(got.payload, `file:///b.go`) {
		t.Fatalf("expected egress-rewritten URI, got %s", got.payload)
	}
}

func TestSubmitRejectedWhileBreakerOpen(t *testing.T) {
	cb := &fakeCallbacks{}
	i, serverIn, _ := newTestInstance(t, cb)
	go drainForever(serverIn)
	i.mu.Lock()
	i.initialized = true
	i.breakerOpenUntil = time.Now().Add(time.Minute)
	i.mu.Unlock()

	i.Submit("sess-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"textDocument/hover","params":{}}`))

	deadline := time.After(time.Second)
	for cb.deliveries() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected an immediate error response while breaker is open")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleStderrLineReportsKnownAdvisoryOnlyOnce(t *testing.T) {
	cb := &fakeCallbacks{}
	i, _, _ := newTestInstance(t, cb)
	i.AddClient("sess-1")

	i.handleStderrLine("Failed to load project foo.csproj")
	i.handleStderrLine("Failed to load project foo.csproj")

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.errors) != 1 {
		t.Fatalf("expected advisory reported exactly once, got %d", len(cb.errors))
	}
}

func TestHandleStderrLineIgnoresInformational(t *testing.T) {
	cb := &fakeCallbacks{}
	i, _, _ := newTestInstance(t, cb)
	i.AddClient("sess-1")

	i.handleStderrLine("info: starting up")

	if cb.deliveries() != 0 || len(cb.errors) != 0 {
		t.Fatal("informational stderr lines must not surface as session errors")
	}
}

func TestSelfAnswerWorkspaceConfiguration(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":"internal-cfg","method":"workspace/configuration","params":{"items":[{},{}]}}`)
	peek, ok := jsonrpc2.PeekBody(body)
	if !ok {
		t.Fatal("expected peek to succeed")
	}
	resp, handled := selfAnswer(peek, body, "/repo")
	if !handled {
		t.Fatal("expected workspace/configuration to be self-answered")
	}
	if !contains(string(resp), `"result":[{},{}]`) {
		t.Fatalf("expected one empty settings object per item, got %s", resp)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for idx := 0; idx+len(substr) <= len(s); idx++ {
			if s[idx:idx+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
