package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/fold"
	"github.com/e1732a364fed/ruci-go/outbound"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenerMapper produces one generated sub-flow per accepted net.Conn
// pushed onto accepted, then closes its generator when accepted is closed.
type listenerMapper struct {
	accepted chan stage.GeneratedFlow
}

func (listenerMapper) Name() string { return "test.listener" }

func (l listenerMapper) Maps(context.Context, flow.CID, stage.ProxyBehavior, stage.Params) stage.Result {
	return stage.Result{Stream: stage.GeneratorStream(stage.Generator{Next: l.accepted})}
}

// decodeMapper turns an accepted conn's stream into a resolved target,
// simulating an inbound protocol codec.
type decodeMapper struct {
	target addr.Address
}

func (decodeMapper) Name() string { return "test.decode" }

func (d decodeMapper) Maps(_ context.Context, _ flow.CID, _ stage.ProxyBehavior, params stage.Params) stage.Result {
	return stage.Result{Stream: params.Stream, Target: d.target, HasTarget: true}
}

// dialMapper simulates an outbound dialer: it ignores the (empty) input
// stream and returns a pre-wired net.Conn.
type dialMapper struct {
	conn    net.Conn
	preRead []byte
}

func (dialMapper) Name() string { return "test.dial" }

func (d dialMapper) Maps(_ context.Context, _ flow.CID, _ stage.ProxyBehavior, params stage.Params) stage.Result {
	return stage.Result{Stream: stage.ConnStream(d.conn), Target: params.Target, HasTarget: false, PreRead: d.preRead}
}

func TestEngineRelaysOneConnectionEndToEnd(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	accepted := make(chan stage.GeneratedFlow, 1)
	accepted <- stage.GeneratedFlow{Stream: stage.ConnStream(clientRemote)}

	inChain := stage.Chain{
		listenerMapper{accepted: accepted},
		decodeMapper{target: addr.NewHostName(addr.TCP, "example.com", 80)},
	}
	outChain := stage.Chain{dialMapper{conn: upstreamLocal}}

	cfg := Config{
		Inbounds: []Inbound{{Tag: "in1", Mappers: pipeline.Static(inChain)}},
		Selector: outbound.Fixed{Default: pipeline.Static(outChain)},
	}
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Run(ctx))

	go func() { clientLocal.Write([]byte("ping")); }()

	buf := make([]byte, 16)
	upstreamRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstreamRemote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	go func() { upstreamRemote.Write([]byte("pong")) }()

	clientLocal.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = clientLocal.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	e.Stop()
}

func TestRunFailsWithNoInbounds(t *testing.T) {
	e := New(Config{Selector: outbound.Fixed{Default: pipeline.Static(stage.Chain{})}})
	err := e.Run(context.Background())
	assert.Error(t, err)
}

func TestRunFailsWithNoSelector(t *testing.T) {
	e := New(Config{Inbounds: []Inbound{{Tag: "in1", Mappers: pipeline.Static(stage.Chain{})}}})
	err := e.Run(context.Background())
	assert.Error(t, err)
}

func TestRunFailsWhenAlreadyRunning(t *testing.T) {
	accepted := make(chan stage.GeneratedFlow)
	cfg := Config{
		Inbounds: []Inbound{{Tag: "in1", Mappers: pipeline.Static(stage.Chain{listenerMapper{accepted: accepted}})}},
		Selector: outbound.Fixed{Default: pipeline.Static(stage.Chain{})},
	}
	e := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Run(ctx))
	err := e.Run(ctx)
	assert.Error(t, err)

	e.Stop()
}

func TestHandleResultWarnsAndDropsOnNoTarget(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	defer clientLocal.Close()

	cfg := Config{Selector: outbound.Fixed{Default: pipeline.Static(stage.Chain{})}}
	e := New(cfg)

	done := make(chan struct{})
	go func() {
		e.handleResult(context.Background(), "in1", fold.Result{
			Stream:    stage.ConnStream(clientRemote),
			HasTarget: false,
			CID:       flow.New(1),
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleResult did not return")
	}
}

func TestConfigIdleTimeoutDefaultsWhenUnset(t *testing.T) {
	c := &Config{}
	assert.Equal(t, defaultIdleTimeout, c.idleTimeout())

	c2 := &Config{IdleTimeout: 5 * time.Second}
	assert.Equal(t, 5*time.Second, c2.idleTimeout())
}

func TestHandleResultForwardsOutboundPreReadIntoRelay(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	defer clientLocal.Close()

	upstreamLocal, upstreamRemote := net.Pipe()
	defer upstreamRemote.Close()

	cfg := Config{Selector: outbound.Fixed{
		Default: pipeline.Static(stage.Chain{dialMapper{conn: upstreamLocal, preRead: []byte("early-data")}}),
	}}
	e := New(cfg)

	done := make(chan struct{})
	go func() {
		e.handleResult(context.Background(), "in1", fold.Result{
			Stream:    stage.ConnStream(clientRemote),
			Target:    addr.NewHostName(addr.TCP, "example.com", 80),
			HasTarget: true,
			CID:       flow.New(1),
		})
		close(done)
	}()

	buf := make([]byte, 32)
	upstreamRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstreamRemote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "early-data", string(buf[:n]))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleResult did not return")
	}
}

// failMapper always fails Maps, simulating a primary outbound whose dial
// does not work (e.g. the upstream is down).
type failMapper struct{}

func (failMapper) Name() string { return "test.fail" }

func (failMapper) Maps(context.Context, flow.CID, stage.ProxyBehavior, stage.Params) stage.Result {
	return stage.ErrResult(errors.New("dial failed"))
}

func TestHandleResultRetriesFallbackRouteOnPrimaryFailure(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	defer clientLocal.Close()

	upstreamLocal, upstreamRemote := net.Pipe()
	defer upstreamRemote.Close()

	cfg := Config{
		Selector: outbound.Tag{
			RouteMap:  map[string]string{"in1": "primary"},
			Outbounds: map[string]pipeline.Iterator{"primary": pipeline.Static(stage.Chain{failMapper{}})},
			Default:   pipeline.Static(stage.Chain{}),
		},
		Outbounds: map[string]pipeline.Iterator{
			"primary":  pipeline.Static(stage.Chain{failMapper{}}),
			"fallback": pipeline.Static(stage.Chain{dialMapper{conn: upstreamLocal}}),
		},
		FallbackRoute: map[string]string{"primary": "fallback"},
	}
	e := New(cfg)

	done := make(chan struct{})
	go func() {
		e.handleResult(context.Background(), "in1", fold.Result{
			Stream:    stage.ConnStream(clientRemote),
			Target:    addr.NewHostName(addr.TCP, "example.com", 80),
			HasTarget: true,
			CID:       flow.New(1),
		})
		close(done)
	}()

	go func() { clientLocal.Write([]byte("ping")) }()

	buf := make([]byte, 16)
	upstreamRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstreamRemote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleResult did not return")
	}
}
