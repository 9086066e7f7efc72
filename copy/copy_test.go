package copy

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/trafficrec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnsRelaysUpstreamBytesAndCountsDownload(t *testing.T) {
	inA, inB := net.Pipe()
	outA, outB := net.Pipe()

	rec := &trafficrec.Recorder{}
	Conns(context.Background(), flow.New(1), inB, outA, Options{Recorder: rec})

	go func() { outB.Write([]byte("from-upstream")); outB.Close() }()

	buf := make([]byte, 64)
	n, err := inA.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "from-upstream", string(buf[:n]))

	inA.Close()

	require.Eventually(t, func() bool {
		return rec.DownloadBytes() == uint64(len("from-upstream"))
	}, time.Second, 10*time.Millisecond)
}

func TestConnsWritesPreReadFirst(t *testing.T) {
	inA, inB := net.Pipe()
	outA, outB := net.Pipe()
	defer inA.Close()
	defer outB.Close()

	Conns(context.Background(), flow.New(1), inB, outA, Options{PreRead: []byte("hello")})

	buf := make([]byte, 64)
	n, err := outB.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestConnsClosesOnShutdownRxWithoutCancellingCtx(t *testing.T) {
	inA, inB := net.Pipe()
	outA, outB := net.Pipe()
	defer outB.Close()

	shutdown := make(chan struct{})
	Conns(context.Background(), flow.New(1), inB, outA, Options{ShutdownRx: shutdown})
	close(shutdown)

	buf := make([]byte, 1)
	_, err := inA.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWatchShutdownFallsBackToContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	closed := make(chan struct{})
	stop := WatchShutdown(ctx, Options{}, func() { close(closed) })
	defer stop()

	cancel()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("closeFn was not called after ctx cancellation")
	}
}

type fakePacketConn struct {
	in        chan []byte
	out       *bytes.Buffer
	closeOnce chan struct{}
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{in: make(chan []byte, 8), out: &bytes.Buffer{}, closeOnce: make(chan struct{})}
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		return copy(p, b), &net.UDPAddr{}, nil
	case <-f.closeOnce:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakePacketConn) WriteTo(p []byte, to net.Addr) (int, error) {
	f.out.Write(p)
	return len(p), nil
}

func (f *fakePacketConn) Close() error {
	select {
	case <-f.closeOnce:
	default:
		close(f.closeOnce)
	}
	return nil
}

func TestPacketsRelaysDatagrams(t *testing.T) {
	a := newFakePacketConn()
	b := newFakePacketConn()

	Packets(context.Background(), flow.New(1), a, b, Options{})
	a.in <- []byte("ping")

	require.Eventually(t, func() bool {
		return b.out.String() == "ping"
	}, time.Second, 10*time.Millisecond)

	a.Close()
	b.Close()
}
