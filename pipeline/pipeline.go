// Package pipeline provides the iterator contracts fold walks over a
// [stage.Chain]: a static, position-based iterator for the common case of a
// fixed list of mappers, and a dynamic iterator whose next mapper may depend
// on the accumulated side data seen so far (for branching/conditional
// chains driven by config).
//
// Adapted from: _examples/original_source/src/map/fold.rs (MIter,
// DynIterator, DynMIterWrapper, DynVecIterWrapper), reduced to two
// concrete Go types since Go has no trait-object cloning: [Static] covers
// both of the Rust file's "no data needed" wrapper types, as a plain slice
// position doesn't need separate static/dynamic wrapper layers in Go.
package pipeline

import (
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Iterator walks a [stage.Chain] one mapper at a time, optionally letting
// the choice of next mapper depend on the cid and the side-data bag
// accumulated by the fold so far. Implementations must support Clone,
// since fold.FromStart hands out one independent copy of the
// remaining chain per accepted sub-connection from a generator stage.
type Iterator interface {
	// Next returns the next mapper, or ok=false when the chain is
	// exhausted.
	Next(cid flow.CID, data stage.Bag) (stage.Mapper, bool)

	// RequiresNoData reports whether this iterator ignores cid/data,
	// letting fold skip building the accumulated bag eagerly.
	RequiresNoData() bool

	// Clone returns an independent iterator positioned exactly where
	// this one currently is.
	Clone() Iterator
}

// staticIter walks a fixed [stage.Chain] by position, ignoring cid/data.
//
// Adapted from: _examples/original_source/src/map/fold.rs
// (DynVecIterWrapper).
type staticIter struct {
	chain stage.Chain
	pos   int
}

// Static returns an [Iterator] over chain that ignores cid/data.
func Static(chain stage.Chain) Iterator {
	return &staticIter{chain: chain}
}

func (it *staticIter) Next(flow.CID, stage.Bag) (stage.Mapper, bool) {
	if it.pos >= len(it.chain) {
		return nil, false
	}
	m := it.chain[it.pos]
	it.pos++
	return m, true
}

func (it *staticIter) RequiresNoData() bool { return true }

func (it *staticIter) Clone() Iterator {
	return &staticIter{chain: it.chain, pos: it.pos}
}

// SelectorFunc picks the next mapper given the cid and the bag of side
// data accumulated by the fold so far, returning ok=false to end the
// chain. It lets config-driven branching (e.g. route-by-SNI) plug into
// fold without fold itself knowing about routing.
type SelectorFunc func(cid flow.CID, data stage.Bag) (stage.Mapper, bool)

// dynamicIter adapts a [SelectorFunc] into an [Iterator].
//
// Adapted from: _examples/original_source/src/map/fold.rs (DynIterator
// trait's default next_with_data-driven implementations).
type dynamicIter struct {
	next SelectorFunc
}

// Dynamic returns an [Iterator] whose next mapper is computed by next on
// each call, given the accumulated cid/data.
func Dynamic(next SelectorFunc) Iterator {
	return &dynamicIter{next: next}
}

func (it *dynamicIter) Next(cid flow.CID, data stage.Bag) (stage.Mapper, bool) {
	return it.next(cid, data)
}

func (it *dynamicIter) RequiresNoData() bool { return false }

func (it *dynamicIter) Clone() Iterator {
	return &dynamicIter{next: it.next}
}
