package network

import (
	"context"
	"io"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Echo is a terminal mapper useful for tests and smoke-testing a pipeline:
// it copies whatever bytes it reads from the incoming stream straight back
// to it, in a background goroutine, and returns immediately with no
// further stream — the caller sees the echo as ordinary traffic on the
// conn it already holds, not as a new layer.
//
// Adapted from: spec.md's passthrough stage list (Direct, Blackhole, Echo,
// Counter, Adder); no direct original_source file exists for Echo, so its
// behavior is reconstructed to match Blackhole's "terminal, consumes the
// stream" shape with copy-back substituted for discard.
type Echo struct{ stage.TagExt }

// Name implements [stage.Mapper].
func (Echo) Name() string { return "echo" }

// Maps implements [stage.Mapper].
func (Echo) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		params.Stream.Close()
		return stage.Result{}
	}
	if len(params.PreRead) > 0 {
		if _, err := conn.Write(params.PreRead); err != nil {
			conn.Close()
			return stage.ErrResult(err)
		}
	}
	go func() {
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return stage.Result{}
}
