// Package registry implements the instance registry (spec component C4):
// admission with capacity-bounded LRU eviction, TTL idle sweep, and
// singleflight-guarded restart coordination for the instances it owns.
// Grounded on the teacher's pattern of a single mutex-guarded map plus a
// background ticker goroutine (internal/lsp/cache), generalized from a
// read-only cache to a registry that also tears down and respawns its
// entries.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tris790/lsp-sidecar/internal/event"
	"github.com/tris790/lsp-sidecar/internal/instance"
	"github.com/tris790/lsp-sidecar/internal/policy"
	"github.com/tris790/lsp-sidecar/internal/resolver"
)

// Callbacks is the dispatcher-facing half of the registry's I/O: every
// Deliver/SessionError an instance produces passes through the registry
// unchanged on its way to the control channel.
type Callbacks interface {
	Deliver(sessionID string, payload []byte)
	SessionError(sessionID string, errText string)
}

// SessionForgetter is implemented by the router: when a restart fails, or
// an instance is evicted while sessions are still attached, those
// sessions' router entries must be dropped since no instance will answer
// for them anymore.
type SessionForgetter interface {
	ForgetSessions(sessionIDs []string)
}

// slot is one reservation in the registry's key space. A key occupies a
// slot from the moment admission or restart decides to spawn it until that
// spawn settles — inst is nil and ready is open while the spawn is in
// flight, so a concurrent Get never hands out a half-constructed or
// mid-teardown instance, and a concurrent Admit for the same key waits on
// ready instead of racing its own spawn. Exactly one of inst/err is set
// once ready is closed.
type slot struct {
	ready chan struct{}
	inst  *instance.Instance
	err   error
}

// Registry owns every live Instance, keyed by instance.Key (spec §4.4).
type Registry struct {
	pol      policy.Policy
	resolver resolver.LanguageServerResolver
	upstream Callbacks
	hooks    SessionForgetter

	mu    sync.Mutex
	slots map[instance.Key]*slot

	restarting singleflight.Group

	sweepStop chan struct{}
}

// New constructs a Registry. Callers must call Close when the sidecar
// shuts down to stop the TTL sweep goroutine and tear down every
// instance. The router (SessionForgetter) is wired in separately via
// SetForgetter, since the router itself depends on the registry as its
// Admitter — constructing both in one step would be circular.
func New(pol policy.Policy, res resolver.LanguageServerResolver, upstream Callbacks) *Registry {
	r := &Registry{
		pol:       pol,
		resolver:  res,
		upstream:  upstream,
		slots:     make(map[instance.Key]*slot),
		sweepStop: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// SetForgetter wires the router that owns the session reverse index, so
// the registry can tell it to drop sessions orphaned by a failed restart
// or a capacity eviction.
func (r *Registry) SetForgetter(hooks SessionForgetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = hooks
}

// Get returns the current instance for key. It reports not-ok both when no
// slot exists and when key's slot is still spawning or mid-restart, so a
// caller never sees an instance that's being torn down or hasn't finished
// coming up (spec §8: a session must only ever be routed to an instance
// whose own client set includes it).
func (r *Registry) Get(key instance.Key) (*instance.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if !ok || s.inst == nil {
		return nil, false
	}
	return s.inst, true
}

// Admit returns the instance for key, spawning one (evicting an LRU
// victim first if at capacity) if none exists yet (spec §4.4 admission).
// The slot is reserved under r.mu before the unlocked spawn runs, so two
// concurrent Admit calls for two different new keys can never both pass
// the capacity check and each insert their own instance (spec §3 invariant
// 6, §8: "at most N instances exist at any time"); a concurrent Admit for
// the same key instead waits for the in-flight spawn to settle.
func (r *Registry) Admit(ctx context.Context, key instance.Key) (*instance.Instance, error) {
	r.mu.Lock()
	if s, ok := r.slots[key]; ok {
		r.mu.Unlock()
		<-s.ready
		return s.inst, s.err
	}
	if len(r.slots) >= r.pol.Capacity {
		r.evictLocked()
	}
	s := &slot{ready: make(chan struct{})}
	r.slots[key] = s
	r.mu.Unlock()

	argv, err := r.resolver.Resolve(ctx, key.RootPath, key.Language)
	if err != nil {
		r.abortSlot(key, s, err)
		return nil, err
	}

	inst := instance.New(key, argv, r.pol, r)
	if err := inst.Start(ctx); err != nil {
		werr := fmt.Errorf("starting language server for %s: %w", key, err)
		r.abortSlot(key, s, werr)
		return nil, werr
	}

	r.mu.Lock()
	s.inst = inst
	close(s.ready)
	r.mu.Unlock()
	return inst, nil
}

// abortSlot records a failed spawn on s and removes it from r.slots (if it
// is still the current occupant of key — a later restart may already have
// replaced it), unblocking anyone waiting on s.ready.
func (r *Registry) abortSlot(key instance.Key, s *slot, err error) {
	r.mu.Lock()
	if cur, ok := r.slots[key]; ok && cur == s {
		delete(r.slots, key)
	}
	r.mu.Unlock()
	s.err = err
	close(s.ready)
}

// evictLocked removes the LRU victim: among detached instances, the one
// with the smallest lastUsedAt; if none are detached, the overall
// smallest (spec §4.4, §8 scenario 6). Slots still spawning have no
// instance yet and are never chosen. Callers must hold r.mu.
func (r *Registry) evictLocked() {
	var victimKey instance.Key
	var victim *instance.Instance
	haveDetached := false
	found := false

	for key, s := range r.slots {
		if s.inst == nil {
			continue
		}
		inst := s.inst
		detached := inst.ClientCount() == 0
		if !found {
			victimKey, victim, haveDetached, found = key, inst, detached, true
			continue
		}
		if haveDetached && !detached {
			continue
		}
		if detached && !haveDetached {
			victimKey, victim, haveDetached = key, inst, true
			continue
		}
		if inst.LastUsedAt().Before(victim.LastUsedAt()) {
			victimKey, victim = key, inst
		}
	}
	if !found {
		return
	}

	delete(r.slots, victimKey)
	clients := victim.Shutdown("evicted: capacity limit reached")
	event.Log(context.Background(), "evicted instance for capacity",
		event.Str(event.KeyInstance, victimKey.String()))
	if len(clients) > 0 && r.hooks != nil {
		r.hooks.ForgetSessions(clients)
	}
}

// RequestRestart implements instance.Callbacks: an instance calls this on
// itself when it hits a fatal condition that warrants a respawn.
// Restart is idempotent per key (spec §4.4): concurrent callers for the
// same key collapse into one restart.
func (r *Registry) RequestRestart(key instance.Key, reason string) {
	go func() {
		_, _, _ = r.restarting.Do(key.String(), func() (any, error) {
			r.restart(key, reason)
			return nil, nil
		})
	}()
}

// restart replaces key's slot with a fresh, not-yet-ready one before
// tearing the old instance down, so Get and Admit never hand out (or
// attach a new session to) an instance that is mid-shutdown — a
// concurrent Admit for key blocks on the new slot's ready channel instead
// of resolving to the dying old instance (the race the eviction/restart
// path used to have).
func (r *Registry) restart(key instance.Key, reason string) {
	r.mu.Lock()
	cur, ok := r.slots[key]
	if !ok || cur.inst == nil {
		r.mu.Unlock()
		return
	}
	old := cur.inst
	fresh := &slot{ready: make(chan struct{})}
	r.slots[key] = fresh
	r.mu.Unlock()

	clients := old.Shutdown("restart: " + reason)

	argv, err := r.resolver.Resolve(context.Background(), key.RootPath, key.Language)
	if err != nil {
		r.failRestart(key, fresh, clients, err)
		return
	}

	inst := instance.New(key, argv, r.pol, r)
	if err := inst.Start(context.Background()); err != nil {
		r.failRestart(key, fresh, clients, err)
		return
	}

	for _, sid := range clients {
		inst.AddClient(sid)
	}

	r.mu.Lock()
	fresh.inst = inst
	close(fresh.ready)
	r.mu.Unlock()

	for _, sid := range clients {
		r.upstream.SessionError(sid, "LSP server restarted: "+reason)
	}
}

func (r *Registry) failRestart(key instance.Key, s *slot, clients []string, cause error) {
	r.mu.Lock()
	if cur, ok := r.slots[key]; ok && cur == s {
		delete(r.slots, key)
	}
	r.mu.Unlock()
	s.err = cause
	close(s.ready)

	event.Error(context.Background(), "restart failed", cause, event.Str(event.KeyInstance, key.String()))
	if len(clients) > 0 && r.hooks != nil {
		r.hooks.ForgetSessions(clients)
	}
	for _, sid := range clients {
		r.upstream.SessionError(sid, "LSP server restart failed: "+cause.Error())
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.pol.TTLSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.sweepStop:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	type victim struct {
		key  instance.Key
		inst *instance.Instance
	}
	var idle []victim

	r.mu.Lock()
	for key, s := range r.slots {
		if s.inst == nil {
			continue
		}
		if s.inst.ClientCount() == 0 && now.Sub(s.inst.LastUsedAt()) > r.pol.TTLIdle {
			idle = append(idle, victim{key, s.inst})
		}
	}
	for _, v := range idle {
		delete(r.slots, v.key)
	}
	r.mu.Unlock()

	for _, v := range idle {
		v.inst.Shutdown("idle eviction")
		event.Log(context.Background(), "idle instance evicted", event.Str(event.KeyInstance, v.key.String()))
	}
}

// Deliver implements instance.Callbacks by forwarding to the dispatcher.
func (r *Registry) Deliver(sessionID string, payload []byte) {
	r.upstream.Deliver(sessionID, payload)
}

// SessionError implements instance.Callbacks by forwarding to the dispatcher.
func (r *Registry) SessionError(sessionID string, errText string) {
	r.upstream.SessionError(sessionID, errText)
}

// ActiveInstances reports the current live (fully spawned) instance
// count, for heartbeat.
func (r *Registry) ActiveInstances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.inst != nil {
			n++
		}
	}
	return n
}

// ActiveSessions sums ClientCount across every live instance, for heartbeat.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.inst != nil {
			n += s.inst.ClientCount()
		}
	}
	return n
}

// PendingRequests sums PendingCount across every live instance, for
// heartbeat.
func (r *Registry) PendingRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.inst != nil {
			n += s.inst.PendingCount()
		}
	}
	return n
}

// InstanceStats is one instance's snapshot for the `stats` envelope.
type InstanceStats struct {
	RootPath            string `json:"rootPath"`
	Language            string `json:"language"`
	PID                 int    `json:"pid"`
	Clients             int    `json:"clients"`
	Initialized         bool   `json:"initialized"`
	QueuedBytes         int    `json:"queuedBytes"`
	ConsecutiveTimeouts int    `json:"consecutiveTimeouts"`
	BreakerOpen         bool   `json:"breakerOpen"`
	LastUsedAgeMs       int64  `json:"lastUsedAgeMs"`
}

// Stats snapshots every live instance for a `stats` reply.
func (r *Registry) Stats() []InstanceStats {
	r.mu.Lock()
	snapshot := make(map[instance.Key]*instance.Instance, len(r.slots))
	for k, s := range r.slots {
		if s.inst != nil {
			snapshot[k] = s.inst
		}
	}
	r.mu.Unlock()

	now := time.Now()
	out := make([]InstanceStats, 0, len(snapshot))
	for key, inst := range snapshot {
		out = append(out, InstanceStats{
			RootPath:            key.RootPath,
			Language:            key.Language,
			PID:                 inst.PID(),
			Clients:             inst.ClientCount(),
			Initialized:         inst.Initialized(),
			QueuedBytes:         inst.QueuedBytes(),
			ConsecutiveTimeouts: inst.ConsecutiveTimeouts(),
			BreakerOpen:         inst.BreakerOpen(),
			LastUsedAgeMs:       now.Sub(inst.LastUsedAt()).Milliseconds(),
		})
	}
	return out
}

// Close stops the TTL sweep and tears down every instance without
// preserving any session (spec §4.4 "Shutdown (whole sidecar)"). A slot
// still spawning is waited out first so its instance isn't leaked
// un-torn-down.
func (r *Registry) Close() {
	close(r.sweepStop)

	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[instance.Key]*slot)
	r.mu.Unlock()

	for _, s := range slots {
		<-s.ready
		if s.inst != nil {
			s.inst.Shutdown("sidecar shutdown")
		}
	}
}
