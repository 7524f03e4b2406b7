// Package dispatcher implements the control-channel dispatcher (spec
// component C6): it owns the inbound read loop and the heartbeat timer,
// fans inbound envelopes out to the router and registry, and is the
// single place that turns a fatal condition into a `fatal` envelope and a
// process exit. Grounded on the teacher's top-level server run loop
// (cmd/gopls's serve command), generalized from one connection to a
// control channel plus an arbitrary number of child instances.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/tris790/lsp-sidecar/internal/control"
	"github.com/tris790/lsp-sidecar/internal/event"
	"github.com/tris790/lsp-sidecar/internal/policy"
	"github.com/tris790/lsp-sidecar/internal/registry"
	"github.com/tris790/lsp-sidecar/internal/router"
)

// Dispatcher wires the control channel to the router and registry.
type Dispatcher struct {
	ch  *control.Channel
	rt  *router.Router
	reg *registry.Registry
	pol policy.Policy
}

// New constructs a Dispatcher. The caller still owns ch/rt/reg's
// lifecycle beyond Run; Run calls reg.Close() and ch.Close() itself on
// every exit path.
func New(ch *control.Channel, rt *router.Router, reg *registry.Registry, pol policy.Policy) *Dispatcher {
	return &Dispatcher{ch: ch, rt: rt, reg: reg, pol: pol}
}

// Deliver implements registry.Callbacks, relaying a server message to the
// parent.
func (d *Dispatcher) Deliver(sessionID string, payload []byte) {
	d.ch.Send(control.Deliver(sessionID, json.RawMessage(payload)))
}

// SessionError implements registry.Callbacks and router.Callbacks.
func (d *Dispatcher) SessionError(sessionID string, errText string) {
	d.ch.Send(control.SessionError(sessionID, errText))
}

// Run emits `ready`, then services inbound envelopes, the heartbeat
// timer, and termination signals until a shutdown is requested or a
// transport-fatal condition occurs. It returns the process exit code
// (spec §6: 0 on orderly shutdown, non-zero on fatal I/O loss).
func (d *Dispatcher) Run(startedAt time.Time) int {
	d.ch.Send(control.Ready(os.Getpid(), startedAt.UnixMilli()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	heartbeat := time.NewTicker(d.pol.Heartbeat)
	defer heartbeat.Stop()

	inbound := make(chan control.Inbound)
	inboundErr := make(chan error, 1)
	go func() {
		for {
			in, err := d.ch.Next()
			if err != nil {
				inboundErr <- err
				return
			}
			inbound <- in
		}
	}()

	for {
		select {
		case <-sig:
			event.Log(context.Background(), "received termination signal, shutting down")
			d.shutdown()
			return 0

		case err := <-inboundErr:
			event.Error(context.Background(), "control channel read failed", err)
			d.fatal(err.Error())
			return 1

		case err := <-d.ch.WriteErr():
			event.Error(context.Background(), "control channel write failed", err)
			d.reg.Close()
			d.ch.Close()
			return 1

		case in := <-inbound:
			if done, code := d.dispatch(in); done {
				return code
			}

		case <-heartbeat.C:
			d.ch.Send(control.Heartbeat(time.Now().UnixMilli(), d.reg.ActiveInstances(), d.rt.SessionCount(), d.reg.PendingRequests()))
		}
	}
}

// dispatch handles one inbound envelope. A handler panic is a bug
// surface (spec §4.6), not a session-level condition: it is caught here,
// reported as `fatal`, and ends the run.
func (d *Dispatcher) dispatch(in control.Inbound) (done bool, code int) {
	defer func() {
		if r := recover(); r != nil {
			event.Log(context.Background(), "handler panic", event.Str(event.KeyReason, fmt.Sprint(r)))
			d.fatal(fmt.Sprintf("internal error: %v", r))
			done, code = true, 1
		}
	}()

	switch in.Type {
	case control.InOpen:
		d.rt.Open(context.Background(), in.SessionID, in.RootPath, in.Language)
	case control.InMessage:
		d.rt.Message(in.SessionID, in.Payload)
	case control.InClose:
		d.rt.Close(in.SessionID)
	case control.InWarmup:
		d.rt.Warmup(context.Background(), in.RootPath)
	case control.InStats:
		d.ch.Send(control.Stats(d.reg.Stats()))
	case control.InShutdown:
		d.shutdown()
		return true, 0
	default:
		event.Log(context.Background(), "ignoring unknown envelope type", event.Str("type", in.Type))
	}
	return false, 0
}

func (d *Dispatcher) fatal(errText string) {
	d.ch.Send(control.Fatal(errText))
	d.reg.Close()
	d.ch.Close()
}

func (d *Dispatcher) shutdown() {
	d.reg.Close()
	d.ch.Close()
}
