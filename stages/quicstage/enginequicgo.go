package quicstage

import (
	"context"
	"crypto/tls"
	"net"

	quic "github.com/quic-go/quic-go"
)

// EngineQuicGo implements [Engine] using github.com/quic-go/quic-go.
type EngineQuicGo struct{}

var _ Engine = EngineQuicGo{}

func (EngineQuicGo) Name() string { return "quic-go" }

func (EngineQuicGo) DialAddr(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *Config) (Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, toQUICGoConfig(quicConfig))
	if err != nil {
		return nil, err
	}
	return wrapConnection(conn), nil
}

func (EngineQuicGo) ListenAddr(addr string, tlsConfig *tls.Config, quicConfig *Config) (Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig, toQUICGoConfig(quicConfig))
	if err != nil {
		return nil, err
	}
	return wrapListener(ln), nil
}

func toQUICGoConfig(c *Config) *quic.Config {
	if c == nil {
		return nil
	}
	return &quic.Config{
		MaxIdleTimeout:  c.MaxIdleTimeout,
		KeepAlivePeriod: c.KeepAlivePeriod,
	}
}

func wrapListener(ln *quic.Listener) Listener {
	return &listenerAdapter{ln: ln}
}

// listenerAdapter wraps *quic.Listener. This file is the only place in
// the package naming quic-go's own Listener/Conn/Stream types; everything
// else depends on this package's own Connection/Stream/Listener
// interfaces (see quic.go's package doc comment for why).
type listenerAdapter struct {
	ln *quic.Listener
}

func (l *listenerAdapter) Accept(ctx context.Context) (Connection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return wrapConnection(conn), nil
}

func (l *listenerAdapter) Close() error   { return l.ln.Close() }
func (l *listenerAdapter) Addr() net.Addr { return l.ln.Addr() }

func wrapConnection(conn *quic.Conn) Connection {
	return &connectionAdapter{conn: conn}
}

type connectionAdapter struct {
	conn *quic.Conn
}

func (c *connectionAdapter) OpenStreamSync(ctx context.Context) (Stream, error) {
	return c.conn.OpenStreamSync(ctx)
}

func (c *connectionAdapter) AcceptStream(ctx context.Context) (Stream, error) {
	return c.conn.AcceptStream(ctx)
}

func (c *connectionAdapter) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *connectionAdapter) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *connectionAdapter) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
