package network

import (
	"context"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Blackhole discards whatever stream it receives. It closes the incoming
// stream (if any) and returns an empty [stage.Result], making it a
// convenient terminal outbound for routing rules that should drop traffic
// rather than relay it.
//
// Adapted from: original_source/src/map/network/mod.rs (struct BlackHole).
type Blackhole struct{ stage.TagExt }

// Name implements [stage.Mapper].
func (Blackhole) Name() string { return "blackhole" }

// Maps implements [stage.Mapper].
func (Blackhole) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	params.Stream.Close()
	return stage.Result{}
}
