// Package quicstage provides a QUIC client/server [stage.Mapper] pair.
// The server listens for QUIC connections and yields one generated flow
// per accepted stream; the client dials a QUIC connection and opens one
// stream per call. Each stream is wrapped to satisfy [net.Conn] so it can
// travel through the rest of the pipeline like any other transport.
//
// This package has no dedicated grounding source: quic-go appears in this
// module's dependency graph only as an indirect dependency pulled in by
// one of the teacher's own DNS-over-QUIC-capable packages, never
// exercised directly anywhere in the retrieval pack, and
// original_source/ has no QUIC mapper to port. Per SPEC_FULL.md's domain
// stack this package is still required, so its [Engine] is built against
// quic-go's long-stable top-level surface (DialAddr/ListenAddr, a
// Connection type exposing OpenStreamSync/AcceptStream/CloseWithError,
// and a Stream type satisfying io.Reader/io.Writer) rather than ported
// from an in-pack usage example. The [Engine] indirection (mirroring
// stages/tlsstage's own Engine abstraction for swapping TLS
// implementations) confines that risk to enginequicgo.go: Server and Client's
// own logic, and their tests, depend only on this package's own
// Connection/Stream/Listener interfaces.
package quicstage

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Stream is one bidirectional QUIC stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Connection is one QUIC connection, capable of opening or accepting
// further streams over the same transport.
type Connection interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	CloseWithError(code uint64, reason string) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts inbound QUIC connections.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
	Addr() net.Addr
}

// Engine dials and listens for QUIC connections. The default
// [EngineQuicGo] wraps github.com/quic-go/quic-go.
type Engine interface {
	DialAddr(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *Config) (Connection, error)
	ListenAddr(addr string, tlsConfig *tls.Config, quicConfig *Config) (Listener, error)
	Name() string
}

// Config mirrors the handful of quic-go's quic.Config knobs this package
// cares about, kept independent of quic-go's own type so callers that
// don't need to tune QUIC internals don't need to import it.
type Config struct {
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

// streamConn adapts a [Stream] plus its parent connection's addresses
// into a [net.Conn], since a QUIC stream alone has no address pair of its
// own (all streams on a connection share one).
type streamConn struct {
	Stream
	localAddr  net.Addr
	remoteAddr net.Addr
}

func (c *streamConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *streamConn) RemoteAddr() net.Addr { return c.remoteAddr }

// toNetConn wraps s as a [net.Conn] using conn's address pair.
func toNetConn(s Stream, conn Connection) net.Conn {
	return &streamConn{Stream: s, localAddr: conn.LocalAddr(), remoteAddr: conn.RemoteAddr()}
}
