package network

import (
	"context"
	"net"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Adder wraps the base conn so every byte written through it is adjusted
// by Add before reaching the base conn; reads pass through unmodified. It
// exists as a minimal, deterministic passthrough useful for exercising the
// fold engine and the copy loops without pulling in a real protocol codec.
//
// Example: with Add == 1, writing [1,2,3] through an *adderConn causes the
// peer's Read to observe [2,3,4].
//
// Adapted from: original_source/src/map/math.rs (struct AdderConn).
type Adder struct {
	stage.TagExt
	Add int8
}

// NewAdder returns an [*Adder] stage that shifts every written byte by add.
func NewAdder(add int8) *Adder { return &Adder{Add: add} }

// Name implements [stage.Mapper].
func (*Adder) Name() string { return "adder" }

// Maps implements [stage.Mapper].
func (a *Adder) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(errNeedsConn("adder"))
	}
	return stage.Result{
		Stream:    stage.ConnStream(&adderConn{Conn: conn, add: a.Add}),
		Target:    params.Target,
		HasTarget: params.HasTarget,
		PreRead:   adjust(params.PreRead, a.Add),
	}
}

// adderConn adjusts every byte passed to Write by add before forwarding it
// to the base conn; Read passes through unmodified.
type adderConn struct {
	net.Conn
	add int8
}

func (c *adderConn) Write(p []byte) (int, error) {
	return c.Conn.Write(adjust(p, c.add))
}

func adjust(p []byte, add int8) []byte {
	if len(p) == 0 {
		return p
	}
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = byte(int16(b) + int16(add))
	}
	return out
}

func errNeedsConn(name string) error {
	return &needsConnError{name: name}
}

type needsConnError struct{ name string }

func (e *needsConnError) Error() string { return e.name + ": needs a Conn stream, got none" }
