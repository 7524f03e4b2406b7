package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tris790/lsp-sidecar/internal/instance"
	"github.com/tris790/lsp-sidecar/internal/policy"
)

// fakeAdmitter stands in for the registry: it hands back a fixed instance
// per key without spawning a real child process.
type fakeAdmitter struct {
	mu        sync.Mutex
	instances map[instance.Key]*instance.Instance
	admitErr  error
	admits    int
}

func newFakeAdmitter() *fakeAdmitter {
	return &fakeAdmitter{instances: make(map[instance.Key]*instance.Instance)}
}

func (a *fakeAdmitter) Admit(ctx context.Context, key instance.Key) (*instance.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.admits++
	if a.admitErr != nil {
		return nil, a.admitErr
	}
	if inst, ok := a.instances[key]; ok {
		return inst, nil
	}
	inst := instance.New(key, []string{"true"}, policy.Defaults(), noopCallbacks{})
	a.instances[key] = inst
	return inst, nil
}

func (a *fakeAdmitter) Get(key instance.Key) (*instance.Instance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[key]
	return inst, ok
}

type noopCallbacks struct{}

func (noopCallbacks) Deliver(string, []byte)          {}
func (noopCallbacks) SessionError(string, string)     {}
func (noopCallbacks) RequestRestart(instance.Key, string) {}

type recordingCallbacks struct {
	mu     sync.Mutex
	errors []string
}

func (c *recordingCallbacks) SessionError(sessionID string, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, sessionID+": "+errText)
}

func TestOpenAddsSessionAsClient(t *testing.T) {
	admitter := newFakeAdmitter()
	cb := &recordingCallbacks{}
	rt := New(admitter, nil, cb)

	rt.Open(context.Background(), "sess-1", "/repo", "typescript")

	key := instance.Key{RootPath: "/repo", Language: "typescript"}
	inst, ok := admitter.Get(key)
	if !ok {
		t.Fatal("expected an instance to be admitted")
	}
	if inst.ClientCount() != 1 {
		t.Fatalf("expected session attached, got %d clients", inst.ClientCount())
	}
}

func TestOpenNormalizesLanguageAlias(t *testing.T) {
	admitter := newFakeAdmitter()
	rt := New(admitter, nil, &recordingCallbacks{})

	rt.Open(context.Background(), "sess-1", "/repo", "typescriptreact")

	if _, ok := admitter.Get(instance.Key{RootPath: "/repo", Language: "typescript"}); !ok {
		t.Fatal("expected typescriptreact to normalize to typescript")
	}
}

func TestRepeatOpenIsNoOp(t *testing.T) {
	admitter := newFakeAdmitter()
	rt := New(admitter, nil, &recordingCallbacks{})

	rt.Open(context.Background(), "sess-1", "/repo", "go")
	rt.Open(context.Background(), "sess-1", "/repo", "go")

	if admitter.admits != 1 {
		t.Fatalf("expected exactly one Admit call, got %d", admitter.admits)
	}
}

func TestOpenSurfacesAdmitFailureAsSessionError(t *testing.T) {
	admitter := newFakeAdmitter()
	admitter.admitErr = errors.New("not installed")
	cb := &recordingCallbacks{}
	rt := New(admitter, nil, cb)

	rt.Open(context.Background(), "sess-1", "/repo", "go")

	if rt.SessionCount() != 0 {
		t.Fatal("a failed open must not record the session")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.errors) != 1 {
		t.Fatalf("expected one session-error, got %v", cb.errors)
	}
}

func TestCloseDetachesSession(t *testing.T) {
	admitter := newFakeAdmitter()
	rt := New(admitter, nil, &recordingCallbacks{})

	rt.Open(context.Background(), "sess-1", "/repo", "go")
	rt.Close("sess-1")

	inst, _ := admitter.Get(instance.Key{RootPath: "/repo", Language: "go"})
	if inst.ClientCount() != 0 {
		t.Fatalf("expected session detached, got %d clients", inst.ClientCount())
	}
	if rt.SessionCount() != 0 {
		t.Fatal("expected the reverse index entry to be removed")
	}
}

func TestDoubleCloseIsNoOp(t *testing.T) {
	admitter := newFakeAdmitter()
	rt := New(admitter, nil, &recordingCallbacks{})

	rt.Open(context.Background(), "sess-1", "/repo", "go")
	rt.Close("sess-1")
	rt.Close("sess-1") // must not panic or double-decrement

	inst, _ := admitter.Get(instance.Key{RootPath: "/repo", Language: "go"})
	if inst.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", inst.ClientCount())
	}
}

func TestForgetSessionsRemovesReverseIndexWithoutTouchingInstance(t *testing.T) {
	admitter := newFakeAdmitter()
	rt := New(admitter, nil, &recordingCallbacks{})

	rt.Open(context.Background(), "sess-1", "/repo", "go")
	rt.ForgetSessions([]string{"sess-1"})

	if rt.SessionCount() != 0 {
		t.Fatal("expected session forgotten from the router")
	}
	inst, _ := admitter.Get(instance.Key{RootPath: "/repo", Language: "go"})
	if inst.ClientCount() != 1 {
		t.Fatalf("expected the instance's client set untouched, got %d clients", inst.ClientCount())
	}
}

func TestMessageOnUnstartedInstanceDoesNotPanic(t *testing.T) {
	admitter := newFakeAdmitter()
	rt := New(admitter, nil, &recordingCallbacks{})
	rt.Open(context.Background(), "sess-1", "/repo", "go")

	inst, _ := admitter.Get(instance.Key{RootPath: "/repo", Language: "go"})
	inst.Touch() // just exercising the accessor

	// Message should not panic even though the instance has no running
	// write loop in this fake setup; the instance is not initialized, so
	// Submit only appends the notification to its pre-init queue.
	rt.Message("sess-1", []byte(`{"jsonrpc":"2.0","method":"textDocument/didOpen","params":{"textDocument":{"uri":"file:///a.go"}}}`))
}
