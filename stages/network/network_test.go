package network

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		ReadFunc:  func(b []byte) (int, error) { return 0, nil },
		WriteFunc: func(b []byte) (int, error) { return len(b), nil },
		CloseFunc: func() error { return nil },
		LocalAddrFunc: func() net.Addr {
			return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
		},
		RemoteAddrFunc: func() net.Addr {
			return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}
		},
	}
}

func TestDirectNeedsTarget(t *testing.T) {
	cfg := stage.NewConfig()
	d := NewDirect(cfg)
	res := d.Maps(context.Background(), flow.New(1), stage.Encode, stage.Params{})
	require.Error(t, res.Err)
}

func TestDirectDialsTarget(t *testing.T) {
	cfg := stage.NewConfig()
	var dialed string
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed = network + "://" + address
			return newMinimalConn(), nil
		},
	}
	d := NewDirect(cfg)
	target := addr.NewSocket(addr.TCP, netip.MustParseAddr("1.2.3.4"), 80)
	res := d.Maps(context.Background(), flow.New(1), stage.Encode, stage.Params{Target: target, HasTarget: true})
	require.NoError(t, res.Err)
	assert.Equal(t, "tcp://1.2.3.4:80", dialed)
	_, ok := res.Stream.Conn()
	assert.True(t, ok)
}

func TestBlackholeClosesStream(t *testing.T) {
	closed := false
	conn := newMinimalConn()
	conn.CloseFunc = func() error { closed = true; return nil }
	res := Blackhole{}.Maps(context.Background(), flow.New(1), stage.Unspecified, stage.Params{Stream: stage.ConnStream(conn)})
	require.NoError(t, res.Err)
	assert.True(t, closed)
}

func TestAdderShiftsBytes(t *testing.T) {
	var written []byte
	conn := newMinimalConn()
	conn.WriteFunc = func(b []byte) (int, error) {
		written = append(written, b...)
		return len(b), nil
	}
	a := NewAdder(1)
	res := a.Maps(context.Background(), flow.New(1), stage.Unspecified, stage.Params{Stream: stage.ConnStream(conn)})
	require.NoError(t, res.Err)
	out, ok := res.Stream.Conn()
	require.True(t, ok)
	_, err := out.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4}, written)
}

func TestDialerRejectsExistingStream(t *testing.T) {
	cfg := stage.NewConfig()
	target := addr.NewSocket(addr.TCP, netip.MustParseAddr("1.2.3.4"), 80)
	d := NewDialer(cfg, target)
	res := d.Maps(context.Background(), flow.New(1), stage.Encode, stage.Params{Stream: stage.ConnStream(newMinimalConn())})
	require.Error(t, res.Err)
}
