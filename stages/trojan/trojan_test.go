package trojan

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := NewServer(stage.NewConfig(), ServerConfig{Passwords: map[string]string{"hunter2": "alice"}})
	client := NewClient(stage.NewConfig(), "hunter2")

	target := addr.NewHostName(addr.TCP, "example.com", 443)

	serverDone := make(chan stage.Result, 1)
	go func() {
		serverDone <- server.Maps(context.Background(), flow.New(1), stage.Decode,
			stage.Params{Stream: stage.ConnStream(serverConn)})
	}()

	clientResult := client.Maps(context.Background(), flow.New(2), stage.Encode,
		stage.Params{Stream: stage.ConnStream(clientConn), Target: target, HasTarget: true, PreRead: []byte("hello")})
	require.NoError(t, clientResult.Err)

	sr := <-serverDone
	require.NoError(t, sr.Err)
	assert.True(t, sr.HasTarget)
	assert.Equal(t, "example.com", sr.Target.Host)
	assert.Equal(t, uint16(443), sr.Target.Port)
	assert.Equal(t, []byte("hello"), sr.PreRead)
	require.NotNil(t, sr.Out)
	ud, ok := sr.Out.(interface{ DataKind() string })
	require.True(t, ok)
	assert.Equal(t, "auth.user", ud.DataKind())
}

func TestServerRejectsWrongPassword(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := NewServer(stage.NewConfig(), ServerConfig{Passwords: map[string]string{"hunter2": "alice"}})
	client := NewClient(stage.NewConfig(), "wrongpass")

	target := addr.NewHostName(addr.TCP, "example.com", 443)

	serverDone := make(chan stage.Result, 1)
	go func() {
		serverDone <- server.Maps(context.Background(), flow.New(1), stage.Decode,
			stage.Params{Stream: stage.ConnStream(serverConn)})
	}()

	clientResult := client.Maps(context.Background(), flow.New(2), stage.Encode,
		stage.Params{Stream: stage.ConnStream(clientConn), Target: target, HasTarget: true})
	assert.NoError(t, clientResult.Err) // client writes blind; rejection surfaces server-side

	sr := <-serverDone
	assert.Error(t, sr.Err)
}

func TestEncodeDecodeAddrRoundTrip(t *testing.T) {
	cases := []addr.Address{
		addr.NewSocket(addr.TCP, netip.MustParseAddr("1.2.3.4"), 8080),
		addr.NewSocket(addr.TCP, netip.MustParseAddr("::1"), 443),
		addr.NewHostName(addr.TCP, "example.com", 80),
	}
	for _, want := range cases {
		buf := encodeAddr(nil, want)
		got, err := readAddr(byteReaderOf(buf), addr.TCP)
		require.NoError(t, err)
		if want.HasIP() {
			assert.Equal(t, want.IP, got.IP)
		} else {
			assert.Equal(t, want.Host, got.Host)
		}
		assert.Equal(t, want.Port, got.Port)
	}
}

func byteReaderOf(b []byte) *byteReader { return &byteReader{b: b} }

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.i:])
	r.i += n
	if n == 0 {
		return 0, net.ErrClosed
	}
	return n, nil
}

func TestUDPDatagramRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientPC := &packetConn{conn: clientConn}
	serverPC := &packetConn{conn: serverConn}

	target := &net.UDPAddr{IP: net.ParseIP("8.8.8.8"), Port: 53}

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := clientPC.WriteTo([]byte("hello"), target)
		assert.NoError(t, err)
		assert.Equal(t, 5, n)
	}()

	buf := make([]byte, 64)
	n, from, err := serverPC.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, "8.8.8.8:53", from.String())
	<-done
}
