package stage

// Data is the open, extensible side-channel a [Mapper] uses to publish
// observations that are not part of the Stream itself — per-layer byte
// counts, a negotiated ALPN protocol, a TLS peer certificate, a resolved
// username from a SOCKS5 handshake. Any type may implement Data; fold
// accumulates every value a chain of mappers produces for one flow into a
// []Data rather than picking a single closed struct, since the set of
// interesting observations grows with every new stage kind.
//
// Adapted from: original_source/src/map/mod.rs (AnyData, OptData) — ruci's
// Rust side uses a boxed Any; Go's interface{} plays the same role, but Data
// is a named marker interface rather than bare any so stages opt in
// explicitly.
type Data interface {
	// DataKind names the observation, e.g. "counter.bytes" or "tls.peer".
	// [Bag.Find] looks entries up by DataKind; consumers then type-assert
	// the concrete Data implementation.
	DataKind() string
}

// Bag collects zero or more [Data] values published over the lifetime of
// one flow, in publish order.
type Bag []Data

// Append returns a new Bag with d appended. Bag is treated as
// append-only/immutable by the fold engine so that forked sub-flows can
// share a snapshot without racing on the parent's slice.
func (b Bag) Append(d Data) Bag {
	next := make(Bag, len(b)+1)
	copy(next, b)
	next[len(b)] = d
	return next
}

// Find returns the first entry for which kind matches [Data.DataKind], and
// whether one was found.
func (b Bag) Find(kind string) (Data, bool) {
	for _, d := range b {
		if d.DataKind() == kind {
			return d, true
		}
	}
	return nil, false
}
