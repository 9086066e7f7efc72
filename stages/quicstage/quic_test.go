package quicstage

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream is an in-memory [Stream] backed by a byte buffer pair,
// avoiding any real QUIC handshake in these tests.
type fakeStream struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Read(p)
}
func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}
func (s *fakeStream) Close() error                       { return nil }
func (s *fakeStream) SetDeadline(time.Time) error        { return nil }
func (s *fakeStream) SetReadDeadline(time.Time) error     { return nil }
func (s *fakeStream) SetWriteDeadline(time.Time) error    { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "quic" }
func (a fakeAddr) String() string  { return string(a) }

type fakeConnection struct {
	streams    chan Stream
	closed     bool
	closeErr   string
	local      net.Addr
	remote     net.Addr
}

func (c *fakeConnection) OpenStreamSync(ctx context.Context) (Stream, error) {
	return &fakeStream{}, nil
}
func (c *fakeConnection) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s, ok := <-c.streams:
		if !ok {
			return nil, net.ErrClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *fakeConnection) CloseWithError(code uint64, reason string) error {
	c.closed = true
	c.closeErr = reason
	return nil
}
func (c *fakeConnection) LocalAddr() net.Addr  { return c.local }
func (c *fakeConnection) RemoteAddr() net.Addr { return c.remote }

type fakeListener struct {
	conns chan Connection
	addr  net.Addr
}

func (l *fakeListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case c, ok := <-l.conns:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (l *fakeListener) Close() error   { return nil }
func (l *fakeListener) Addr() net.Addr { return l.addr }

type fakeEngine struct {
	listener  *fakeListener
	dialConn  Connection
	dialErr   error
}

func (e *fakeEngine) DialAddr(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *Config) (Connection, error) {
	return e.dialConn, e.dialErr
}
func (e *fakeEngine) ListenAddr(addr string, tlsConfig *tls.Config, quicConfig *Config) (Listener, error) {
	return e.listener, nil
}
func (e *fakeEngine) Name() string { return "fake" }

func TestServerYieldsOneFlowPerStream(t *testing.T) {
	conn := &fakeConnection{
		streams: make(chan Stream, 2),
		local:   fakeAddr("server:1"),
		remote:  fakeAddr("client:2"),
	}
	conn.streams <- &fakeStream{}
	conn.streams <- &fakeStream{}
	close(conn.streams)

	ln := &fakeListener{conns: make(chan Connection, 1), addr: fakeAddr("0.0.0.0:4433")}
	ln.conns <- conn

	s := NewServer(stage.NewConfig(), ServerConfig{ListenAddr: "0.0.0.0:4433"})
	s.engine = &fakeEngine{listener: ln}

	res := s.Maps(context.Background(), flow.New(1), stage.Decode, stage.Params{})
	require.NoError(t, res.Err)
	gen, ok := res.Stream.GeneratorValue()
	require.True(t, ok)

	var flows []stage.GeneratedFlow
	for f := range gen.Next {
		flows = append(flows, f)
		if len(flows) == 2 {
			break
		}
	}
	require.Len(t, flows, 2)
	for _, f := range flows {
		assert.NoError(t, f.Err)
		_, ok := f.Stream.Conn()
		assert.True(t, ok)
	}
}

func TestClientOpensStreamAndWritesEarlyData(t *testing.T) {
	conn := &fakeConnection{local: fakeAddr("client:1"), remote: fakeAddr("server:443")}

	c := NewClient(stage.NewConfig(), ClientConfig{})
	c.engine = &fakeEngine{dialConn: conn}

	target := addr.NewHostName(addr.TCP, "example.com", 443)
	res := c.Maps(context.Background(), flow.New(1), stage.Encode,
		stage.Params{Target: target, HasTarget: true, PreRead: []byte("hello")})
	require.NoError(t, res.Err)

	netConn, ok := res.Stream.Conn()
	require.True(t, ok)
	buf := make([]byte, 5)
	n, err := netConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestClientRequiresTarget(t *testing.T) {
	c := NewClient(stage.NewConfig(), ClientConfig{})
	c.engine = &fakeEngine{}

	res := c.Maps(context.Background(), flow.New(1), stage.Encode, stage.Params{})
	assert.Error(t, res.Err)
}

func TestServerSurfacesAcceptError(t *testing.T) {
	ln := &fakeListener{conns: make(chan Connection)}
	close(ln.conns)

	s := NewServer(stage.NewConfig(), ServerConfig{ListenAddr: "0.0.0.0:4433"})
	s.engine = &fakeEngine{listener: ln}

	res := s.Maps(context.Background(), flow.New(1), stage.Decode, stage.Params{})
	require.NoError(t, res.Err)
	gen, ok := res.Stream.GeneratorValue()
	require.True(t, ok)

	f, ok := <-gen.Next
	require.True(t, ok)
	assert.Error(t, f.Err)
}
