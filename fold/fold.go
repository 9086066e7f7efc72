// Package fold is the accumulator at the core of the relay engine: given a
// starting stream and an ordered sequence of stage.Mappers, it folds each
// mapper's [stage.Result] into the next mapper's [stage.Params] until a
// mapper returns no further stream (connection consumed), an error, or a
// [stage.Generator] (a listener/multiplexer has forked into sub-flows,
// which the caller must fold independently).
//
// Adapted from: _examples/original_source/src/map/fold.rs (fold,
// FoldParams, FoldResult).
package fold

import (
	"context"
	"fmt"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
)

// DefaultHandshakeTimeout bounds how long one Fold run may take before a
// stage sets [stage.Result.NoTimeout].
//
// Adapted from: original_source/src/map/fold.rs's fold, which accepts a
// caller-supplied deadline; this package fixes the default instead of
// threading a parameter through every caller, since every caller
// (FromStart, spawnForever) wants the same bound.
const DefaultHandshakeTimeout = 15 * time.Second

// Params describes one fold run: an initial stream/result to seed the
// accumulator plus the remaining mappers to fold over.
//
// Adapted from: _examples/original_source/src/map/fold.rs (FoldParams).
type Params struct {
	CID      flow.CID
	Behavior stage.ProxyBehavior
	Initial  stage.Result
	Mappers  pipeline.Iterator
	ChainTag string
}

// Result is the terminal state of one fold run.
//
// Adapted from: _examples/original_source/src/map/fold.rs (FoldResult).
type Result struct {
	Stream    stage.Stream
	Target    addr.Address
	HasTarget bool
	PreRead   []byte
	Err       error

	// CID is the flow identifier in effect when folding stopped (mappers
	// may reassign it, e.g. a multiplexer stage rooting a new sub-CID).
	CID flow.CID

	ChainTag string

	// Out accumulates every non-nil Data every mapper in the chain
	// produced, in fold order — the bag later stages/observers read.
	Out stage.Bag

	// Left is the remaining, unconsumed portion of Mappers: non-empty
	// only when folding stopped on a Generator, so the caller can fold
	// each forked sub-flow through the rest of the chain.
	Left pipeline.Iterator

	// NoTimeout and ShutdownRx propagate from whichever stage was last to
	// run, per [stage.Result]'s fields of the same name.
	NoTimeout  bool
	ShutdownRx <-chan struct{}
}

// Fold accumulates params.Initial through params.Mappers, stopping when a
// mapper's result carries no further stream, an error, or a
// [stage.Generator]. Every stage runs under [DefaultHandshakeTimeout] until
// one sets [stage.Result.NoTimeout], after which the rest of the fold runs
// under the caller's own ctx.
func Fold(ctx context.Context, params Params) Result {
	cid := params.CID
	last := params.Initial
	mappers := params.Mappers
	tag := params.ChainTag

	out := stage.Bag{}
	if last.Out != nil {
		out = out.Append(last.Out)
	}

	// runCtx carries the handshake deadline until some stage's result
	// lifts it; once lifted, the fold reverts to the caller's own ctx for
	// every remaining stage.
	timedCtx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()
	runCtx := timedCtx

	for {
		// A stage that set NewCID on the previous iteration's result
		// overrides the CID the next Maps call sees; a result without
		// NewCID sends the fold back to its original starting CID (not the
		// CID an earlier stage set).
		mapCID := cid
		if last.HasNewCID {
			mapCID = last.NewCID
		}

		var mapper stage.Mapper
		var ok bool
		if mappers.RequiresNoData() {
			mapper, ok = mappers.Next(mapCID, nil)
		} else {
			mapper, ok = mappers.Next(mapCID, out)
		}
		if !ok {
			break
		}

		last = mapper.Maps(runCtx, mapCID, params.Behavior, stage.Params{
			Stream:    last.Stream,
			Target:    last.Target,
			HasTarget: last.HasTarget,
			PreRead:   last.PreRead,
			In:        out,
		})

		if tag == "" {
			if t, ok := mapper.(stage.Tag); ok && t.Tag() != "" {
				tag = t.Tag()
			}
		}

		if last.Out != nil {
			out = out.Append(last.Out)
		}

		if last.NoTimeout {
			runCtx = ctx
		}

		if last.Stream.Kind() == stage.KindNone || last.Stream.Kind() == stage.KindGenerator {
			break
		}
		if last.Err != nil {
			break
		}
	}

	finalCID := cid
	if last.HasNewCID {
		finalCID = last.NewCID
	}

	return Result{
		Stream:     last.Stream,
		Target:     last.Target,
		HasTarget:  last.HasTarget,
		PreRead:    last.PreRead,
		Err:        last.Err,
		CID:        finalCID,
		ChainTag:   tag,
		Out:        out,
		Left:       mappers,
		NoTimeout:  last.NoTimeout,
		ShutdownRx: last.ShutdownRx,
	}
}

// ErrNoMappers is returned by FromStart when the mapper iterator yields no
// first mapper.
var ErrNoMappers = fmt.Errorf("fold: mapper chain is empty")
