// Package router implements the session router (spec component C5): the
// sessionId → instance key reverse index, language alias normalization,
// and ingress URI rewriting of session payloads before they reach an
// instance (egress rewriting of server messages is done by the instance
// itself). Grounded on the teacher's session-to-view indirection in
// internal/lsp/cache.Session, generalized from one session per process to
// many sessions sharing one instance.
package router

import (
	"context"
	"sync"

	"github.com/tris790/lsp-sidecar/internal/instance"
	"github.com/tris790/lsp-sidecar/internal/jvalue"
	"github.com/tris790/lsp-sidecar/internal/resolver"
	"github.com/tris790/lsp-sidecar/internal/uri"
)

// Admitter is the subset of the registry the router depends on.
type Admitter interface {
	Admit(ctx context.Context, key instance.Key) (*instance.Instance, error)
	Get(key instance.Key) (*instance.Instance, bool)
}

// Callbacks lets the router surface admission failures without importing
// the dispatcher.
type Callbacks interface {
	SessionError(sessionID string, errText string)
}

// languageAliases collapses framework-flavored language ids onto the
// underlying language a server actually speaks (spec §4.5).
var languageAliases = map[string]string{
	"typescriptreact": "typescript",
	"javascriptreact": "javascript",
}

func normalizeLanguage(language string) string {
	if alias, ok := languageAliases[language]; ok {
		return alias
	}
	return language
}

// Router maps session ids to the instance key they're attached to.
type Router struct {
	admitter Admitter
	detector resolver.LanguageDetector
	cb       Callbacks

	mu       sync.Mutex
	sessions map[string]instance.Key
}

// New constructs a Router. detector may be nil; Warmup then becomes a
// no-op for callers that never need language auto-detection.
func New(admitter Admitter, detector resolver.LanguageDetector, cb Callbacks) *Router {
	return &Router{
		admitter: admitter,
		detector: detector,
		cb:       cb,
		sessions: make(map[string]instance.Key),
	}
}

// Open attaches sessionID to the instance for (rootPath, language),
// admitting (and if necessary spawning) one if it doesn't exist yet
// (spec §4.5). A repeat open for the same session and key is a no-op
// beyond touching lastUsedAt (spec §8).
func (rt *Router) Open(ctx context.Context, sessionID, rootPath, language string) {
	key := instance.Key{RootPath: rootPath, Language: normalizeLanguage(language)}

	rt.mu.Lock()
	existing, hadSession := rt.sessions[sessionID]
	rt.mu.Unlock()

	if hadSession {
		if existing == key {
			if inst, ok := rt.admitter.Get(key); ok {
				inst.Touch()
			}
			return
		}
		rt.Close(sessionID)
	}

	inst, err := rt.admitter.Admit(ctx, key)
	if err != nil {
		rt.cb.SessionError(sessionID, "language server not available: "+err.Error())
		return
	}

	rt.mu.Lock()
	rt.sessions[sessionID] = key
	rt.mu.Unlock()
	inst.AddClient(sessionID)
}

// Warmup eagerly admits an instance for rootPath, guessing its language
// from marker files (spec §4.8). A rootPath whose language can't be
// guessed is silently ignored; warmup is an optimization, not a
// contract.
func (rt *Router) Warmup(ctx context.Context, rootPath string) {
	if rt.detector == nil {
		return
	}
	language, ok := rt.detector.Detect(rootPath)
	if !ok {
		return
	}
	key := instance.Key{RootPath: rootPath, Language: language}
	if _, err := rt.admitter.Admit(ctx, key); err != nil {
		return
	}
}

// Message resolves sessionID's instance, applies ingress URI rewriting,
// and submits the payload for transmission (spec §4.5). A session with no
// recorded instance (already closed, or never opened) is silently
// ignored: the host may race a close against an in-flight message.
func (rt *Router) Message(sessionID string, payload []byte) {
	key, inst, ok := rt.lookup(sessionID)
	if !ok {
		return
	}
	inst.Touch()

	v, err := jvalue.Decode(payload)
	if err != nil {
		// Raw-forward escape hatch (spec §9 Open Question): some clients
		// send pre-framed blobs that aren't valid JSON on their own. Forward
		// verbatim rather than dropping a message the host believes it sent.
		inst.Submit(sessionID, payload)
		return
	}
	uri.Ingress(v, key.RootPath)
	out, err := jvalue.Encode(v)
	if err != nil {
		inst.Submit(sessionID, payload)
		return
	}
	inst.Submit(sessionID, out)
}

// Close detaches sessionID from its instance, revoking its pending
// requests, and forgets the reverse mapping. The instance itself is left
// running; TTL eviction decides its fate (spec §4.5).
func (rt *Router) Close(sessionID string) {
	rt.mu.Lock()
	key, ok := rt.sessions[sessionID]
	delete(rt.sessions, sessionID)
	rt.mu.Unlock()
	if !ok {
		return
	}
	if inst, ok := rt.admitter.Get(key); ok {
		inst.RemoveClient(sessionID)
	}
}

// ForgetSessions implements registry.SessionForgetter: when a restart
// fails, or an instance is evicted with sessions still attached, the
// registry tells the router to drop those sessions since no instance
// will answer for them anymore.
func (rt *Router) ForgetSessions(sessionIDs []string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, sid := range sessionIDs {
		delete(rt.sessions, sid)
	}
}

// SessionCount reports the number of sessions the router currently knows
// about, for heartbeat/stats.
func (rt *Router) SessionCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.sessions)
}

func (rt *Router) lookup(sessionID string) (instance.Key, *instance.Instance, bool) {
	rt.mu.Lock()
	key, ok := rt.sessions[sessionID]
	rt.mu.Unlock()
	if !ok {
		return instance.Key{}, nil, false
	}
	inst, ok := rt.admitter.Get(key)
	if !ok {
		return instance.Key{}, nil, false
	}
	return key, inst, true
}
