// Package flow provides the hierarchical per-flow identifier (CID) used to
// correlate a connection and every sub-flow it forks across logs, and the
// global counter that allocates CIDs in order when ordered allocation is
// configured.
//
// Adapted from: original_source/src/net/mod.rs (struct CID).
package flow

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// CID is a non-empty ordered list of unsigned integers identifying a flow.
// The root accept creates a length-1 CID; each fork (a listener producing
// an accepted connection, a multiplexer producing a substream) pushes one
// more element. CID renders dash-joined, e.g. "17-3-2".
type CID struct {
	ids []uint32
}

// New returns a root CID holding a single id.
func New(id uint32) CID { return CID{ids: []uint32{id}} }

// IsZero reports whether c is the unset default value.
func (c CID) IsZero() bool { return len(c.ids) == 0 }

// String renders c dash-joined. The zero value renders as "_".
func (c CID) String() string {
	if len(c.ids) == 0 {
		return "_"
	}
	parts := make([]string, len(c.ids))
	for i, id := range c.ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, "-")
}

// Parse parses a CID from its dash-joined string form. Round-trips with
// [CID.String] per spec.md §8.
func Parse(s string) (CID, error) {
	if s == "_" || s == "" {
		return CID{}, nil
	}
	parts := strings.Split(s, "-")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return CID{}, fmt.Errorf("flow: parse CID %q: %w", s, err)
		}
		ids = append(ids, uint32(v))
	}
	return CID{ids: ids}, nil
}

// Allocator mints new id numbers to push onto a CID when a flow forks. Two
// policies exist per spec.md §3: an ordered counter-backed allocator (see
// [Recorder]) and a random allocator (see [RandomAllocator]).
type Allocator interface {
	Next() uint32
}

// Recorder allocates ordered ids from its own monotonic counter, starting
// at 1. It is separate from the connection-id counter of package
// trafficrec's Recorder; the two do not share an id space.
type Recorder struct {
	last atomic.Uint32
}

// Next implements [Allocator].
func (r *Recorder) Next() uint32 { return r.last.Add(1) }

// RandomAllocator draws ids from a cryptographically random source. Used
// when no ordered [Recorder] is attached to the engine.
type RandomAllocator struct{}

// Next implements [Allocator].
func (RandomAllocator) Next() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	// avoid 0: CID.IsZero and a root id of 0 could otherwise collide.
	return binary.BigEndian.Uint32(b[:])>>1 + 1
}

// Push returns a new CID with id appended; c itself is unmodified.
func (c CID) Push(id uint32) CID {
	next := make([]uint32, len(c.ids)+1)
	copy(next, c.ids)
	next[len(c.ids)] = id
	return CID{ids: next}
}

// PushVia returns a new CID with one id drawn from alloc appended. If alloc
// is nil, a [RandomAllocator] is used.
func (c CID) PushVia(alloc Allocator) CID {
	if alloc == nil {
		alloc = RandomAllocator{}
	}
	return c.Push(alloc.Next())
}

// Pop returns the CID with its last element removed, and the removed
// element as its own length-1 CID. Popping a root-only CID returns an
// empty CID and the root; popping an empty CID returns an empty CID and a
// length-1 CID holding 0.
func (c CID) Pop() (CID, CID) {
	if len(c.ids) == 0 {
		return CID{}, New(0)
	}
	last := c.ids[len(c.ids)-1]
	return CID{ids: append([]uint32(nil), c.ids[:len(c.ids)-1]...)}, New(last)
}

// Equal reports whether c and other hold the same id sequence.
func (c CID) Equal(other CID) bool {
	if len(c.ids) != len(other.ids) {
		return false
	}
	for i := range c.ids {
		if c.ids[i] != other.ids[i] {
			return false
		}
	}
	return true
}
