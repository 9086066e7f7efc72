package fold

import (
	"context"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
)

// FromStart runs the first mapper of mappers to produce an initial stream,
// then either folds it directly (the common client/outbound case) or, if
// the first mapper is a listener/multiplexer yielding a [stage.Generator],
// forks one fold per accepted sub-flow forever, sending each terminal
// [Result] to results. FromStart itself returns as soon as folding has
// started (synchronously for the direct case, asynchronously once the
// generator loop is launched); it does not block until every connection
// finishes.
//
// Adapted from: _examples/original_source/src/map/fold.rs
// (fold_from_start, in_iter_fold_forever, spawn_fold_forever).
func FromStart(ctx context.Context, cid flow.CID, alloc flow.Allocator, logger logging.SLogger, results chan<- Result, mappers pipeline.Iterator, chainTag string) error {
	first, ok := mappers.Next(cid, nil)
	if !ok {
		return ErrNoMappers
	}

	firstResult := first.Maps(ctx, cid, stage.Decode, stage.Params{})
	tag := chainTag
	if tag == "" {
		if t, ok := first.(stage.Tag); ok {
			tag = t.Tag()
		}
	}
	if firstResult.Err != nil {
		return firstResult.Err
	}

	if firstResult.Stream.Kind() == stage.KindGenerator {
		gen, _ := firstResult.Stream.GeneratorValue()
		go inIterForever(ctx, cid, alloc, logger, gen, results, mappers, tag)
		return nil
	}

	if firstResult.Stream.Kind() == stage.KindNone {
		logger.Warn("fold.noInputStream", "cid", cid.String())
	}

	go func() {
		r := Fold(ctx, Params{
			CID:      cid.PushVia(alloc),
			Behavior: stage.Decode,
			Initial:  firstResult,
			Mappers:  mappers,
			ChainTag: tag,
		})
		results <- r
	}()
	return nil
}

// inIterForever consumes gen forever, spawning one fold per accepted
// sub-flow until gen's channel closes (the listener/multiplexer shut
// down).
//
// Adapted from: _examples/original_source/src/map/fold.rs
// (in_iter_fold_forever).
func inIterForever(ctx context.Context, cid flow.CID, alloc flow.Allocator, logger logging.SLogger, gen stage.Generator, results chan<- Result, mappers pipeline.Iterator, chainTag string) {
	for {
		gf, ok := <-gen.Next
		if !ok {
			return
		}

		newCID := cid.PushVia(alloc)
		logger.Info("fold.newAcceptedStream", "cid", cid.String(), "newCid", newCID.String())

		spawnForever(ctx, newCID, alloc, logger, stage.Result{
			Stream:    gf.Stream,
			Target:    gf.Target,
			HasTarget: gf.HasTarget,
			PreRead:   gf.PreRead,
			Err:       gf.Err,
		}, mappers.Clone(), results, chainTag)
	}
}

// spawnForever folds one sub-flow to completion in its own goroutine,
// recursing into inIterForever if that fold itself bottoms out on a
// nested generator (e.g. a multiplexer discovered mid-chain).
//
// Adapted from: _examples/original_source/src/map/fold.rs
// (spawn_fold_forever).
func spawnForever(ctx context.Context, cid flow.CID, alloc flow.Allocator, logger logging.SLogger, initial stage.Result, mappers pipeline.Iterator, results chan<- Result, chainTag string) {
	go func() {
		r := Fold(ctx, Params{
			CID:      cid,
			Behavior: stage.Decode,
			Initial:  initial,
			Mappers:  mappers,
			ChainTag: chainTag,
		})

		if r.Stream.Kind() == stage.KindGenerator {
			gen, _ := r.Stream.GeneratorValue()
			inIterForever(ctx, r.CID, alloc, logger, gen, results, r.Left, r.ChainTag)
			return
		}
		results <- r
	}()
}
