package counter

import (
	"context"
	"net"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		CloseFunc: func() error { return nil },
		LocalAddrFunc: func() net.Addr {
			return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
		},
		RemoteAddrFunc: func() net.Addr {
			return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}
		},
	}
}

func TestCounterTalliesBytes(t *testing.T) {
	conn := newMinimalConn()
	conn.ReadFunc = func(p []byte) (int, error) { return copy(p, "hello"), nil }
	conn.WriteFunc = func(p []byte) (int, error) { return len(p), nil }

	cfg := stage.NewConfig()
	c := NewCounter(cfg)

	res := c.Maps(context.Background(), flow.New(1), stage.Unspecified, stage.Params{Stream: stage.ConnStream(conn)})
	require.NoError(t, res.Err)

	data, ok := res.Out.(Data)
	require.True(t, ok)

	out, ok := res.Stream.Conn()
	require.True(t, ok)

	buf := make([]byte, 5)
	n, err := out.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = out.Write([]byte("world!"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.EqualValues(t, 5, data.Download.Load())
	assert.EqualValues(t, 6, data.Upload.Load())
}

func TestCounterNeedsConn(t *testing.T) {
	cfg := stage.NewConfig()
	c := NewCounter(cfg)
	res := c.Maps(context.Background(), flow.New(1), stage.Unspecified, stage.Params{})
	require.Error(t, res.Err)
}
