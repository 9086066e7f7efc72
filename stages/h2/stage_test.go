package h2

import (
	"context"
	"net"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
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

func TestStageRejectsDecodeDirection(t *testing.T) {
	cfg := stage.NewConfig()
	s := NewStage(cfg, "/tunnel", "")
	res := s.Maps(context.Background(), flow.New(1), stage.Decode, stage.Params{Stream: stage.ConnStream(newMinimalConn())})
	require.Error(t, res.Err)
}

func TestStageRequiresConnStream(t *testing.T) {
	cfg := stage.NewConfig()
	s := NewStage(cfg, "/tunnel", "")
	res := s.Maps(context.Background(), flow.New(1), stage.Encode, stage.Params{})
	require.Error(t, res.Err)
}
