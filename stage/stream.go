// Package stage defines the uniform contract every pipeline element
// implements: a [Mapper] maps one [Stream] to another, optionally producing
// a routing target, leftover early data, and side-channel [Data].
//
// Adapted from: original_source/src/map/mod.rs (Stream, MapParams, MapResult,
// ProxyBehavior, Mapper).
package stage

import (
	"io"
	"net"

	"github.com/e1732a364fed/ruci-go/addr"
)

// PacketConn reads and writes discrete datagrams tagged with a peer address,
// in place of net.PacketConn's (n, addr, err) triple so implementations can
// be composed without re-deriving net.Addr on every hop.
//
// Adapted from: original_source/src/net/addr_conn.rs (AddrConn's read/write
// of (BytesMut, SocketAddr) pairs).
type PacketConn interface {
	ReadFrom(p []byte) (n int, from net.Addr, err error)
	WriteTo(p []byte, to net.Addr) (n int, err error)
	io.Closer
}

// Generator yields a sequence of sub-flows forked from a single accepted
// flow, e.g. one multiplexed transport yielding its substreams, or a
// listener yielding its accepted connections. The fold engine (package
// fold) ranges over this channel, running the remaining pipeline against
// each sub-flow concurrently.
//
// Adapted from: original_source/src/map/mod.rs (Stream::Generator arm) and
// src/map/fold.rs (MIter::Generator handling).
type Generator struct {
	// Next yields one sub-flow's Stream plus the pre-resolved target
	// address and pre-read bytes that accompany it, if any. The channel
	// is closed when the generator is exhausted or its flow is torn down.
	Next <-chan GeneratedFlow
}

// GeneratedFlow is one item produced by a [Generator].
type GeneratedFlow struct {
	Stream   Stream
	Target   addr.Address
	HasTarget bool
	PreRead  []byte
	Err      error
}

// Stream is the sum type a [Mapper] consumes and produces: an ordered byte
// connection, a datagram flow, a generator of further sub-flows, or no
// stream at all (a terminal mapper, e.g. Blackhole). Exactly one of the
// typed accessors is meaningful; Kind reports which.
//
// Adapted from: original_source/src/map/mod.rs (enum Stream).
type Stream struct {
	kind      streamKind
	conn      net.Conn
	packet    PacketConn
	generator Generator
}

type streamKind int

const (
	// KindNone carries no stream, e.g. the result of a terminal mapper
	// such as Blackhole or UDP associate once ruci hands control to its
	// own datagram loop.
	KindNone streamKind = iota
	// KindConn carries an ordered byte stream (TCP, Unix, or a layered
	// conn such as TLS/WebSocket wrapping one).
	KindConn
	// KindPacket carries a datagram flow tagged per-packet with a peer
	// address.
	KindPacket
	// KindGenerator carries a stream of further sub-flows, e.g. a
	// listener's accepted connections or a multiplexer's substreams.
	KindGenerator
)

// Kind reports which of Conn/Packet/Generator is meaningful, or KindNone.
func (s Stream) Kind() streamKind { return s.kind }

// NoStream is the zero Stream, carrying nothing.
func NoStream() Stream { return Stream{kind: KindNone} }

// ConnStream wraps an ordered byte connection.
func ConnStream(c net.Conn) Stream { return Stream{kind: KindConn, conn: c} }

// PacketStream wraps a datagram flow.
func PacketStream(p PacketConn) Stream { return Stream{kind: KindPacket, packet: p} }

// GeneratorStream wraps a sub-flow generator.
func GeneratorStream(g Generator) Stream { return Stream{kind: KindGenerator, generator: g} }

// Conn returns the wrapped connection and true if Kind() == KindConn.
func (s Stream) Conn() (net.Conn, bool) { return s.conn, s.kind == KindConn }

// Packet returns the wrapped datagram flow and true if Kind() == KindPacket.
func (s Stream) Packet() (PacketConn, bool) { return s.packet, s.kind == KindPacket }

// GeneratorValue returns the wrapped generator and true if Kind() == KindGenerator.
func (s Stream) GeneratorValue() (Generator, bool) { return s.generator, s.kind == KindGenerator }

// Close releases the underlying resource, if any. Generators close when
// their producer side closes and are not closed here.
func (s Stream) Close() error {
	switch s.kind {
	case KindConn:
		if s.conn != nil {
			return s.conn.Close()
		}
	case KindPacket:
		if s.packet != nil {
			return s.packet.Close()
		}
	}
	return nil
}
