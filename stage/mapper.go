package stage

import (
	"context"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
)

// ProxyBehavior distinguishes which direction a [Mapper] is being asked to
// run: decoding an inbound connection (an "in adder", trying to recover the
// routing target and any early data the client sent), or encoding an
// outbound one (an "out adder", trying to consume the target and early
// data a decode chain produced upstream of it).
//
// Adapted from: original_source/src/map/mod.rs (enum ProxyBehavior).
type ProxyBehavior int

const (
	Unspecified ProxyBehavior = iota
	Decode
	Encode
)

func (b ProxyBehavior) String() string {
	switch b {
	case Decode:
		return "decode"
	case Encode:
		return "encode"
	default:
		return "unspecified"
	}
}

// Params is the input to one [Mapper.Maps] call.
//
// Adapted from: original_source/src/map/mod.rs (struct MapParams).
type Params struct {
	// Stream is the base stream this layer builds on.
	Stream Stream
	// Target is the routing target recovered by an earlier decode layer
	// (or supplied by the caller for an encode chain), if any.
	Target    addr.Address
	HasTarget bool
	// PreRead is data already read off Stream that the next layer must
	// treat as having been read from it first, e.g. a client's early
	// application data sent alongside a handshake.
	PreRead []byte
	// In carries whatever [Data] the chain has accumulated so far, so a
	// layer can consult an earlier layer's observation (e.g. a routing
	// stage reading the TLS SNI a tlsstage published).
	In Bag
}

// Result is the output of one [Mapper.Maps] call.
//
// Adapted from: original_source/src/map/mod.rs (struct MapResult).
type Result struct {
	Stream    Stream
	Target    addr.Address
	HasTarget bool
	PreRead   []byte
	// Out is appended to the chain's [Bag] before calling the next
	// layer's Maps.
	Out Data
	Err error

	// NewCID, when HasNewCID is set, replaces the flow identifier the fold
	// passes to the next Maps call (and reports as the fold's final CID if
	// this is the last stage), e.g. a multiplexer stage rooting a new
	// sub-CID for the stream it just produced. Leaving HasNewCID false
	// sends the fold back to its starting CID.
	//
	// Adapted from: original_source/src/map/fold.rs (MapResult.new_id).
	NewCID    flow.CID
	HasNewCID bool

	// NoTimeout, once set by any stage in a fold, lifts that fold's
	// handshake deadline for every remaining stage: a stage that itself
	// blocks on something slower than the default bound (e.g. waiting on
	// user input over stdio) sets this to escape it.
	//
	// Adapted from: original_source/src/map/fold.rs (MapResult.no_timeout).
	NoTimeout bool

	// ShutdownRx, once set by any stage in a fold, is the channel the
	// relay loop watches alongside ctx to tear down the flow: closing it
	// asks the relay to stop without cancelling ctx itself.
	//
	// Adapted from: original_source/src/map/fold.rs (MapResult.shutdown_rx).
	ShutdownRx <-chan struct{}
}

// ErrResult builds a [Result] carrying only an error; the stream, if any,
// must already have been closed by the caller per the resource-cleanup
// contract documented on [Mapper].
func ErrResult(err error) Result { return Result{Err: err} }

// Mapper is the one abstraction every pipeline element implements: a
// listener, a dialer, a protocol codec, a passthrough layer all add a new
// read/write layer atop Params.Stream and return the resulting Stream, in
// one of two directions selected by ProxyBehavior.
//
// Resource cleanup contract: if Maps returns a non-nil Err, it must first
// close any stream or connection it received as input, mirroring the
// teacher's Func[A,B] cleanup convention (package tlsstage's Stage.Maps,
// which closes the TLS conn when the handshake fails, follows it) so a
// partial chain does not leak a socket.
//
// Adapted from: original_source/src/map/mod.rs (trait Mapper).
type Mapper interface {
	// Name identifies the mapper kind for logging, e.g. "socks5.server".
	Name() string
	// Maps runs this layer. cid identifies the flow for logging and
	// correlation; it is not itself part of the routing/fold algorithm.
	Maps(ctx context.Context, cid flow.CID, behavior ProxyBehavior, params Params) Result
}

// Chain is an ordered, fixed sequence of [Mapper]s such as an inbound
// listener followed by its protocol-decode stack, or an outbound dial
// followed by its protocol-encode stack. Package pipeline's Static
// iterator walks it in order.
type Chain []Mapper

// Tag optionally names a [Mapper] so an [outbound.Selector] can route a
// flow to it by name rather than by position. Concrete stages embed
// [TagExt] to implement this without repeating boilerplate.
type Tag interface {
	Tag() string
}

// TagExt is an embeddable helper giving a concrete mapper a settable Tag().
type TagExt struct {
	TagName string
}

// Tag implements [Tag].
func (e TagExt) Tag() string { return e.TagName }
