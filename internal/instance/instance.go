// Package instance implements one managed language-server child process
// (spec §3, §4.3 "Server instance", component C3): its framed I/O loops,
// write queue, initialization sequencing, pending-request correlation,
// stderr scanning, and circuit breaker. Grounded on the request/response
// correlation pattern in the teacher's internal/jsonrpc2.Conn (a pending
// map keyed by id, a single read loop dispatching to it) generalized from
// a single bidirectional peer to a broker sitting between many sessions
// and one child.
package instance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"

	"github.com/tris790/lsp-sidecar/internal/event"
	"github.com/tris790/lsp-sidecar/internal/jsonrpc2"
	"github.com/tris790/lsp-sidecar/internal/jvalue"
	"github.com/tris790/lsp-sidecar/internal/policy"
	"github.com/tris790/lsp-sidecar/internal/procutil"
	"github.com/tris790/lsp-sidecar/internal/uri"
)

// internalInitID is the reserved id of the sidecar's own initialize
// request (spec §4.3, §9).
const internalInitID = jsonrpc2.InternalPrefix + "init"

// Callbacks lets an Instance emit host-facing envelopes and ask its owner
// (the registry, C4) to restart it, without Instance importing the
// registry or router packages.
type Callbacks interface {
	Deliver(sessionID string, payload []byte)
	SessionError(sessionID string, errText string)
	RequestRestart(key Key, reason string)
}

// Instance manages one child language-server process for Key.
type Instance struct {
	Key     Key
	TraceID string

	pol policy.Policy
	cb  Callbacks

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu                  sync.Mutex
	clients             map[string]bool
	lastUsedAt          time.Time
	initialized         bool
	preInitQueue        [][]byte
	pending             map[string]*pendingRequest
	consecutiveTimeouts int
	breakerOpenUntil    time.Time
	shuttingDown         bool
	reportedOnceErrors   map[string]bool
	initTimer            *time.Timer

	queueMu       sync.Mutex
	queue         [][]byte
	queuedBytes   int
	writeInFlight bool
	wake          chan struct{}
}

// New constructs an Instance for key that will spawn argv with cwd=key.RootPath
// once Start is called.
func New(key Key, argv []string, pol policy.Policy, cb Callbacks) *Instance {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = key.RootPath
	procutil.Isolate(cmd)

	return &Instance{
		Key:                key,
		TraceID:            uuid.New().String(),
		pol:                pol,
		cb:                 cb,
		cmd:                cmd,
		clients:            make(map[string]bool),
		pending:            make(map[string]*pendingRequest),
		reportedOnceErrors: make(map[string]bool),
		wake:               make(chan struct{}, 1),
		lastUsedAt:         time.Now(),
	}
}

// Start spawns the child process, begins its I/O loops, and sends the
// internal initialize request. ctx is accepted for symmetry with the
// rest of the sidecar's blocking operations but Start itself never
// blocks on it; the instance's lifetime is governed by Shutdown instead.
func (i *Instance) Start(ctx context.Context) error {
	stdin, err := i.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := i.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := i.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	i.stdin, i.stdout, i.stderr = stdin, stdout, stderr

	if err := i.cmd.Start(); err != nil {
		return fmt.Errorf("starting %q: %w", i.cmd.Path, err)
	}

	go i.readLoop()
	go i.stderrLoop()
	go i.writeDrain()

	event.Log(ctx, "instance spawned",
		event.Str(event.KeyInstance, i.Key.String()),
		event.Str("trace", i.TraceID),
		event.Int("pid", i.cmd.Process.Pid))

	i.sendInitialize()
	return nil
}

func (i *Instance) sendInitialize() {
	i.mu.Lock()
	i.initTimer = time.AfterFunc(i.pol.InstanceInitTimeout, i.onInitTimeout)
	i.mu.Unlock()

	params := map[string]any{
		"processId": nil,
		"rootUri":   uri.RootURI(i.Key.RootPath),
		"workspaceFolders": []map[string]any{
			{"uri": uri.RootURI(i.Key.RootPath), "name": basename(i.Key.RootPath)},
		},
		"capabilities": clientCapabilities(),
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      internalInitID,
		"method":  "initialize",
		"params":  params,
	})
	i.writeDirect(body)
}

func clientCapabilities() map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"hover":             map[string]any{},
			"definition":        map[string]any{},
			"references":        map[string]any{},
			"documentSymbol":    map[string]any{},
			"codeAction":        map[string]any{},
			"rename":            map[string]any{},
			"signatureHelp":     map[string]any{},
			"completion": map[string]any{
				"completionItem": map[string]any{
					"snippetSupport":          true,
					"documentationFormat":     []string{"markdown", "plaintext"},
				},
			},
		},
		"workspace": map[string]any{
			"workspaceFolders": true,
			"configuration":    true,
			"didChangeWatchedFiles": map[string]any{
				"dynamicRegistration": true,
			},
			"symbol":         map[string]any{},
			"executeCommand": map[string]any{},
		},
	}
}

func basename(p string) string {
	p = strings.TrimSuffix(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// AddClient attaches sessionID to this instance's client set.
func (i *Instance) AddClient(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clients[sessionID] = true
	i.lastUsedAt = time.Now()
}

// RemoveClient detaches sessionID, silently revoking any pending requests
// that belonged to it (spec §4.5 close, §5 "pending requests are dropped
// silently").
func (i *Instance) RemoveClient(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.clients, sessionID)
	for id, p := range i.pending {
		if p.sessionID == sessionID {
			p.timer.Stop()
			delete(i.pending, id)
		}
	}
	i.lastUsedAt = time.Now()
}

// ClientCount reports how many sessions are currently attached.
func (i *Instance) ClientCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.clients)
}

// Clients returns a snapshot of attached session ids.
func (i *Instance) Clients() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.clients))
	for s := range i.clients {
		out = append(out, s)
	}
	return out
}

// LastUsedAt reports the monotonic timestamp of the last attach, detach,
// or message on this instance (spec §3).
func (i *Instance) LastUsedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsedAt
}

// Touch updates lastUsedAt, used by the router on every message even when
// no client set change occurs.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastUsedAt = time.Now()
	i.mu.Unlock()
}

// PID reports the child process id, for stats reporting.
func (i *Instance) PID() int {
	if i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

// PendingCount reports the number of in-flight requests, for stats/
// heartbeat reporting.
func (i *Instance) PendingCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Initialized reports whether the instance has completed initialization
// plus its stabilization delay.
func (i *Instance) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

// QueuedBytes reports the current write-queue backlog, for stats.
func (i *Instance) QueuedBytes() int {
	i.queueMu.Lock()
	defer i.queueMu.Unlock()
	return i.queuedBytes
}

// BreakerOpen reports whether the circuit breaker is currently refusing
// new requests.
func (i *Instance) BreakerOpen() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.breakerOpenUntil.After(time.Now())
}

// ConsecutiveTimeouts reports the current streak, for stats.
func (i *Instance) ConsecutiveTimeouts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.consecutiveTimeouts
}

// Submit accepts a client payload for sessionID that has already had
// ingress URI rewriting applied (spec §4.5 handleSessionMessage). It
// performs id rewriting/request correlation (spec §4.3) and either queues
// it for transmission or, if the server is not yet initialized, appends it
// to preInitQueue.
func (i *Instance) Submit(sessionID string, raw []byte) {
	peek, ok := jsonrpc2.PeekBody(raw)
	if !ok {
		// Raw-forward escape hatch (spec §9 Open Question): the router
		// already chose not to rewrite URIs for this payload; write it
		// through unmodified rather than silently dropping it.
		event.Log(context.Background(), "forwarding unparseable client payload as raw frame",
			event.Str(event.KeySession, sessionID), event.Str(event.KeyInstance, i.Key.String()))
		i.enqueueForWrite(raw)
		return
	}

	if peek.IsRequest() {
		if i.BreakerOpen() {
			resp := errorResponse(peek.ID, -32001, "LSP temporarily unavailable while restarting")
			i.cb.Deliver(sessionID, resp)
			return
		}
		raw = i.correlateAndRewriteID(sessionID, peek, raw)
	}

	if !i.Initialized() && peek.HasMethod && peek.Method != "initialize" {
		i.mu.Lock()
		i.preInitQueue = append(i.preInitQueue, raw)
		i.mu.Unlock()
		return
	}

	i.enqueueForWrite(raw)
}

// correlateAndRewriteID registers the pending request (canceling any
// existing entry for the same internal id, "most recent wins") and
// returns raw with its id field rewritten to the internal form.
func (i *Instance) correlateAndRewriteID(sessionID string, peek jsonrpc2.Peek, raw []byte) []byte {
	clientID := peek.IDString()
	id := internalID(sessionID, clientID)

	timeout := i.pol.RequestTimeout * time.Duration(policy.RequestTimeoutMultiplier(i.Key.Language))

	i.mu.Lock()
	if old, ok := i.pending[id]; ok {
		old.timer.Stop()
		delete(i.pending, id)
	}
	p := &pendingRequest{sessionID: sessionID, clientRequestID: clientID, clientIDRaw: append([]byte(nil), peek.ID...)}
	p.timer = time.AfterFunc(timeout, func() { i.onRequestTimeout(id) })
	i.pending[id] = p
	i.mu.Unlock()

	v, err := jvalue.Decode(raw)
	if err != nil {
		return raw
	}
	if m, ok := jvalue.Object(v); ok {
		m["id"] = id
	}
	out, err := jvalue.Encode(v)
	if err != nil {
		return raw
	}
	return out
}

func (i *Instance) onRequestTimeout(id string) {
	i.mu.Lock()
	p, ok := i.pending[id]
	if !ok {
		i.mu.Unlock()
		return
	}
	delete(i.pending, id)
	i.consecutiveTimeouts++
	breach := i.pol.CircuitBreakerEnabled && i.consecutiveTimeouts >= i.pol.CircuitBreakerThreshold
	if breach {
		i.breakerOpenUntil = time.Now().Add(i.pol.CircuitBreakerOpenFor)
	}
	i.mu.Unlock()

	resp := errorResponse(p.clientIDRaw, -32001, "LSP request timed out")
	i.cb.Deliver(p.sessionID, resp)

	if breach {
		i.cb.RequestRestart(i.Key, "request timeout threshold exceeded")
	}
}

// enqueueForWrite appends packet to the write queue, applying the per-
// instance byte cap (spec §4.3 "backpressure failure").
func (i *Instance) enqueueForWrite(body []byte) {
	i.queueMu.Lock()
	if i.queuedBytes+len(body) > i.pol.MaxQueueBytes {
		i.queueMu.Unlock()
		i.handleOverflow()
		return
	}
	i.queue = append(i.queue, body)
	i.queuedBytes += len(body)
	kick := !i.writeInFlight
	i.writeInFlight = true
	i.queueMu.Unlock()

	if kick {
		select {
		case i.wake <- struct{}{}:
		default:
		}
	}
}

// writeDirect bypasses pre-init gating for sidecar-originated traffic
// (the internal initialize request, the initialized notification,
// didChangeConfiguration, preInitQueue flush, and self-answered server
// requests).
func (i *Instance) writeDirect(body []byte) {
	i.enqueueForWrite(body)
}

func (i *Instance) handleOverflow() {
	for _, sid := range i.Clients() {
		i.cb.SessionError(sid, "write queue overflow")
	}
	i.cb.RequestRestart(i.Key, "write queue overflow")
}

func (i *Instance) writeDrain() {
	written := 0
	for range i.wake {
		for {
			i.queueMu.Lock()
			if len(i.queue) == 0 {
				i.writeInFlight = false
				i.queueMu.Unlock()
				break
			}
			packet := i.queue[0]
			i.queue = i.queue[1:]
			i.queuedBytes -= len(packet)
			i.queueMu.Unlock()

			if _, err := i.stdin.Write(jsonrpc2.Encode(packet)); err != nil {
				i.mu.Lock()
				down := i.shuttingDown
				i.mu.Unlock()
				if !down {
					event.Error(context.Background(), "write failure", err, event.Str(event.KeyInstance, i.Key.String()))
					i.cb.RequestRestart(i.Key, "write failure")
				}
				return
			}

			written++
			if written%100 == 0 {
				runtime.Gosched()
			}
		}
	}
}

func (i *Instance) readLoop() {
	var dec jsonrpc2.Decoder
	buf := make([]byte, 64*1024)
	for {
		n, err := i.stdout.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				body, ok, derr := dec.Next()
				if derr != nil || !ok {
					break
				}
				i.handleServerMessage(body)
			}
		}
		if err != nil {
			i.mu.Lock()
			down := i.shuttingDown
			i.mu.Unlock()
			if !down {
				event.Log(context.Background(), "server stdout closed",
					event.Str(event.KeyInstance, i.Key.String()), event.Str(event.KeyReason, err.Error()))
				i.cb.RequestRestart(i.Key, "server exited unexpectedly")
			}
			return
		}
	}
}

var informationalStderr = []string{"info:", "[info]", "warning:"}

// knownAdvisories maps a recognizable stderr substring to a canned,
// user-facing explanation, surfaced once per instance (spec §4.3).
var knownAdvisories = []struct {
	substr string
	text   string
}{
	{"Failed to load project", "language server could not load the project: check your build configuration"},
	{"MSBuild", "language server reported an MSBuild load failure: the workspace may need a package restore"},
}

func (i *Instance) stderrLoop() {
	buf := make([]byte, 4096)
	var line bytes.Buffer
	for {
		n, err := i.stderr.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				i.handleStderrLine(line.String())
				line.Reset()
				continue
			}
			line.WriteByte(b)
		}
		if err != nil {
			return
		}
	}
}

func (i *Instance) handleStderrLine(text string) {
	if text == "" {
		return
	}
	lower := strings.ToLower(text)
	for _, tag := range informationalStderr {
		if strings.Contains(lower, tag) {
			return
		}
	}
	for _, adv := range knownAdvisories {
		if strings.Contains(text, adv.substr) {
			i.mu.Lock()
			already := i.reportedOnceErrors[adv.substr]
			i.reportedOnceErrors[adv.substr] = true
			i.mu.Unlock()
			if !already {
				for _, sid := range i.Clients() {
					i.cb.SessionError(sid, adv.text)
				}
			}
			return
		}
	}
}

func (i *Instance) onInitTimeout() {
	i.mu.Lock()
	if i.initialized {
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()

	for _, sid := range i.Clients() {
		i.cb.SessionError(sid, "initialization timed out")
	}
	i.cb.RequestRestart(i.Key, "initialization timed out")
}

func (i *Instance) handleServerMessage(body []byte) {
	peek, ok := jsonrpc2.PeekBody(body)
	if !ok {
		return
	}

	if peek.HasID && strings.HasPrefix(peek.IDString(), jsonrpc2.InternalPrefix) {
		if peek.IDString() == internalInitID {
			i.onInitResponse()
		}
		return
	}

	if peek.HasMethod && peek.HasID {
		if resp, ok := selfAnswer(peek, body, i.Key.RootPath); ok {
			i.writeDirect(resp)
			return
		}
		i.broadcast(body)
		return
	}

	if peek.HasID {
		i.deliverResponse(peek, body)
		return
	}

	// Notification with no method and no id: malformed, drop.
	if !peek.HasMethod {
		return
	}
	i.broadcast(body)
}

func (i *Instance) deliverResponse(peek jsonrpc2.Peek, body []byte) {
	id := peek.IDString()
	i.mu.Lock()
	p, ok := i.pending[id]
	if ok {
		p.timer.Stop()
		delete(i.pending, id)
		i.consecutiveTimeouts = 0
	}
	i.mu.Unlock()
	if !ok {
		return
	}

	v, err := jvalue.Decode(body)
	if err != nil {
		return
	}
	if m, ok := jvalue.Object(v); ok {
		if idVal, err := jvalue.Decode(p.clientIDRaw); err == nil {
			m["id"] = idVal
		}
	}
	uri.Egress(v, i.Key.RootPath)
	out, err := jvalue.Encode(v)
	if err != nil {
		return
	}
	i.cb.Deliver(p.sessionID, out)
}

func (i *Instance) broadcast(body []byte) {
	v, err := jvalue.Decode(body)
	if err != nil {
		return
	}
	uri.Egress(v, i.Key.RootPath)
	out, err := jvalue.Encode(v)
	if err != nil {
		return
	}
	for _, sid := range i.Clients() {
		i.cb.Deliver(sid, out)
	}
}

func (i *Instance) onInitResponse() {
	i.mu.Lock()
	if i.initTimer != nil {
		i.initTimer.Stop()
	}
	i.mu.Unlock()

	initialized, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "initialized", "params": map[string]any{}})
	i.writeDirect(initialized)

	didChange, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "workspace/didChangeConfiguration",
		"params":  map[string]any{"settings": map[string]any{}},
	})
	i.writeDirect(didChange)

	i.languageSpecificPostInit()

	time.AfterFunc(policy.StabilizationDelay(i.Key.Language), i.flushPreInit)
}

// languageSpecificPostInit issues any extra bring-up messages a language
// needs after initialize but before it's considered stable. C# (OmniSharp-
// family servers) is the example named in spec §4.3.
func (i *Instance) languageSpecificPostInit() {
	if i.Key.Language != "csharp" {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      jsonrpc2.InternalPrefix + "solution-open",
		"method":  "o#/openSolution",
		"params":  map[string]any{},
	})
	i.writeDirect(body)
}

func (i *Instance) flushPreInit() {
	i.mu.Lock()
	queued := i.preInitQueue
	i.preInitQueue = nil
	i.initialized = true
	i.consecutiveTimeouts = 0
	i.mu.Unlock()

	for _, body := range queued {
		i.writeDirect(body)
	}
}

// Shutdown tears the instance down: every pending request is canceled and
// answered with a synthetic error carrying reason, the child process is
// terminated, and the (formerly) attached session ids are returned so the
// caller (registry, C4) can decide whether to preserve them for a
// restart or remove them from the router.
func (i *Instance) Shutdown(reason string) []string {
	i.mu.Lock()
	i.shuttingDown = true
	if i.initTimer != nil {
		i.initTimer.Stop()
	}
	pending := i.pending
	i.pending = make(map[string]*pendingRequest)
	i.preInitQueue = nil
	clients := make([]string, 0, len(i.clients))
	for s := range i.clients {
		clients = append(clients, s)
	}
	i.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		resp := errorResponse(p.clientIDRaw, -32001, "LSP server restarted: "+reason)
		i.cb.Deliver(p.sessionID, resp)
	}

	if i.cmd.Process != nil {
		if err := procutil.Terminate(i.cmd); err != nil {
			event.Log(context.Background(), "terminate failed, killing", event.Str(event.KeyInstance, i.Key.String()))
		}
		done := make(chan struct{})
		go func() { i.cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			procutil.Kill(i.cmd)
			<-done
		}
	}
	close(i.wake)

	return clients
}

func selfAnswer(peek jsonrpc2.Peek, body []byte, rootPath string) ([]byte, bool) {
	switch peek.Method {
	case "workspace/configuration":
		v, err := jvalue.Decode(body)
		if err != nil {
			return nil, false
		}
		m, _ := jvalue.Object(v)
		params, _ := jvalue.Object(m["params"])
		items, _ := params["items"].([]any)
		result := make([]map[string]any, len(items))
		for idx := range result {
			result[idx] = map[string]any{}
		}
		return okResponse(peek.ID, result), true
	case "client/registerCapability":
		return okResponse(peek.ID, nil), true
	case "workspace/workspaceFolders":
		folders := []map[string]any{{"uri": uri.RootURI(rootPath), "name": basename(rootPath)}}
		return okResponse(peek.ID, folders), true
	default:
		return nil, false
	}
}

func okResponse(id json.RawMessage, result any) []byte {
	out, _ := json.Marshal(struct {
		Jsonrpc string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{"2.0", id, result})
	return out
}

func errorResponse(id json.RawMessage, code int, message string) []byte {
	out, _ := json.Marshal(struct {
		Jsonrpc string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   any             `json:"error"`
	}{"2.0", id, map[string]any{"code": code, "message": message}})
	return out
}

