// Command lsp-sidecar brokers the Language Server Protocol between many
// editor sessions in a host process and a bounded pool of child language
// servers, speaking a small newline-delimited JSON control protocol over
// its own stdin/stdout (spec §4.2, §6).
package main

import (
	"context"
	"os"
	"time"

	"github.com/tris790/lsp-sidecar/internal/control"
	"github.com/tris790/lsp-sidecar/internal/dispatcher"
	"github.com/tris790/lsp-sidecar/internal/event"
	"github.com/tris790/lsp-sidecar/internal/policy"
	"github.com/tris790/lsp-sidecar/internal/registry"
	"github.com/tris790/lsp-sidecar/internal/resolver"
	"github.com/tris790/lsp-sidecar/internal/router"
)

func main() {
	os.Exit(run())
}

func run() int {
	startedAt := time.Now()
	pol := policy.FromOSEnv()

	ch := control.NewChannel(os.Stdin, os.Stdout)
	d := &bridge{}

	reg := registry.New(pol, resolver.PATHResolver{}, d)
	rt := router.New(reg, resolver.MarkerDetector{}, d)
	reg.SetForgetter(rt)

	disp := dispatcher.New(ch, rt, reg, pol)
	d.disp = disp

	event.Log(context.Background(), "lsp-sidecar starting", event.Int("pid", os.Getpid()))
	return disp.Run(startedAt)
}

// bridge exists only to give registry.Callbacks/router.Callbacks a target
// before the Dispatcher that actually implements Deliver/SessionError
// exists: registry and router are constructed before the dispatcher that
// wraps them, so their upstream callbacks are wired through this thin
// indirection instead.
type bridge struct {
	disp *dispatcher.Dispatcher
}

func (b *bridge) Deliver(sessionID string, payload []byte) {
	b.disp.Deliver(sessionID, payload)
}

func (b *bridge) SessionError(sessionID string, errText string) {
	b.disp.SessionError(sessionID, errText)
}
