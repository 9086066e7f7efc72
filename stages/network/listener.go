package network

import (
	"context"
	"fmt"
	"net"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// generatorBacklog bounds how many pending accepted flows a [Listener] or
// [UDPFixedListener] buffers. When it is full a Listener's accept loop
// blocks, while a UDPFixedListener drops a new peer's flow; see
// SPEC_FULL.md §6 (Open Question: Generator channel bound, default 100).
const generatorBacklog = 100

// Listener listens on a TCP or Unix address and yields one [stage.Generator]
// item per accepted connection. Listener itself never closes the accepted
// connection; each generated flow's remaining pipeline owns that lifecycle.
//
// Adapted from: original_source/src/map/network/mod.rs (struct Listener).
type Listener struct {
	stage.TagExt
	cfg    *stage.Config
	target addr.Address
}

// NewListener returns a [*Listener] stage bound to target.
func NewListener(cfg *stage.Config, target addr.Address) *Listener {
	return &Listener{cfg: cfg, target: target}
}

// Name implements [stage.Mapper].
func (*Listener) Name() string { return "listener" }

// Maps implements [stage.Mapper]. It starts the listener and returns
// immediately with a Generator stream; it does not block for the
// listener's lifetime.
func (l *Listener) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	target := l.target
	if params.HasTarget {
		target = params.Target
	}

	ln, err := net.Listen(target.Network.String(), target.DialTarget())
	if err != nil {
		return stage.ErrResult(fmt.Errorf("listener: listen %s: %w", target, err))
	}

	out := make(chan stage.GeneratedFlow, generatorBacklog)
	go l.acceptLoop(ctx, ln, target, out)

	return stage.Result{Stream: stage.GeneratorStream(stage.Generator{Next: out})}
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, target addr.Address, out chan<- stage.GeneratedFlow) {
	defer close(out)
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case out <- stage.GeneratedFlow{Err: fmt.Errorf("listener: accept on %s: %w", target, err)}:
			default:
			}
			return
		}
		out <- stage.GeneratedFlow{Stream: stage.ConnStream(conn)}
	}
}
