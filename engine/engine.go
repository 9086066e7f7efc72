// Package engine wires inbounds, an outbound selector, and the copy relay
// loops into a running proxy: for each configured inbound it runs an
// accept-and-fold producer and a consumer that resolves an outbound per
// flow and hands the two terminal streams to package copy.
//
// Adapted from: original_source/rucimp/src/modes/chain/engine.rs (struct
// Engine: run/block_run/stop, loop_a, get_out_selector) and
// src/relay/tcp.rs's handle_conn (the per-flow consumer logic: take
// target address, select/dial outbound, detect stream-kind mismatch,
// relay).
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/e1732a364fed/ruci-go/copy"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/fold"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/outbound"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/e1732a364fed/ruci-go/trafficrec"
)

// Inbound is one configured accept pipeline: its chain tag (used by
// tag/rule-routed selectors) and the mappers it folds through, typically
// starting with a listener that yields a [stage.Generator].
type Inbound struct {
	Tag     string
	Mappers pipeline.Iterator
}

// Config describes one Engine's complete routing table.
//
// Adapted from: original_source/rucimp/src/modes/chain/config.go's
// StaticConfig (in spirit; that file is not present in this retrieval
// pack, but Engine.init_static in engine.rs shows the shape it builds:
// inbounds, an outbounds map, a default outbound, and an optional
// tag-route table).
type Config struct {
	Inbounds []Inbound
	Selector outbound.Selector

	// Outbounds maps every configured outbound's tag to its pipeline, so
	// FallbackRoute entries can be resolved regardless of which Selector
	// chose the primary outbound.
	Outbounds map[string]pipeline.Iterator
	// FallbackRoute maps a primary outbound tag to the outbound tag to
	// retry against when folding the primary fails, per the config's
	// fallback_route field.
	//
	// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
	// (StaticConfig::get_fallback_route).
	FallbackRoute map[string]string

	Dialer        stage.Dialer
	ErrClassifier errtax.Classifier
	TimeNow       func() time.Time
	Logger        logging.SLogger
	Recorder      *trafficrec.Recorder
	CIDAllocator  flow.Allocator

	// IdleTimeout bounds how long the relay loop of a pure-packet pairing
	// waits for the next datagram; a mismatched (Conn/Packet) pairing does
	// not use it. Zero selects defaultIdleTimeout (60s); a flow whose fold
	// result set NoTimeout is relayed with no idle timeout.
	IdleTimeout time.Duration
}

func (c *Config) logger() logging.SLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.DefaultSLogger()
}

func (c *Config) classifier() errtax.Classifier {
	if c.ErrClassifier != nil {
		return c.ErrClassifier
	}
	return errtax.Default
}

func (c *Config) timeNow() func() time.Time {
	if c.TimeNow != nil {
		return c.TimeNow
	}
	return time.Now
}

func (c *Config) allocator() flow.Allocator {
	if c.CIDAllocator != nil {
		return c.CIDAllocator
	}
	return flow.RandomAllocator{}
}

// defaultIdleTimeout is used when Config.IdleTimeout is left zero, so a
// misconfigured Engine fails idle packet flows eventually rather than
// leaking them forever.
const defaultIdleTimeout = 60 * time.Second

func (c *Config) idleTimeout() time.Duration {
	if c.IdleTimeout != 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

// Engine runs a [Config]'s inbounds, routing each accepted flow to an
// outbound the Config's Selector resolves and relaying bytes between the
// two terminal streams.
//
// Engine is restartable: Stop tears down every running inbound and its
// consumer but leaves Config untouched, so a later Run starts fresh
// against the same routing table, mirroring chain/engine.rs's
// reset-vs-stop distinction (stop keeps config, reset clears it — this
// package has no analogue of reset since Config is supplied by the
// caller, not mutated in place).
type Engine struct {
	cfg Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Engine from cfg. cfg is read at Run time, so later
// mutation of its slices/maps before calling Run is safe but not
// concurrency-safe with a running Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Run starts every configured inbound and returns once they have all been
// launched; it does not wait for them to finish. Relaying happens in
// background goroutines for the lifetime of ctx or until Stop is called.
//
// Adapted from: chain/engine.rs (Engine::run, non-blocking).
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.start(ctx)
	return err
}

// BlockRun starts every configured inbound like Run, then blocks until ctx
// is cancelled or Stop is called and every consumer has drained.
//
// Adapted from: chain/engine.rs (Engine::block_run).
func (e *Engine) BlockRun(ctx context.Context) error {
	runCtx, err := e.start(ctx)
	if err != nil {
		return err
	}
	<-runCtx.Done()
	e.wg.Wait()
	return nil
}

func (e *Engine) start(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil, fmt.Errorf("engine: already running")
	}
	if len(e.cfg.Inbounds) == 0 {
		return nil, fmt.Errorf("engine: no inbounds configured")
	}
	if e.cfg.Selector == nil {
		return nil, fmt.Errorf("engine: no outbound selector configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := e.cfg.logger()
	alloc := e.cfg.allocator()

	for _, in := range e.cfg.Inbounds {
		results := make(chan fold.Result, 64)
		rootCID := flow.New(alloc.Next())
		if err := fold.FromStart(runCtx, rootCID, alloc, logger, results, in.Mappers, in.Tag); err != nil {
			logger.Warn("engine.inboundStartFailed", "tag", in.Tag, "err", err.Error())
			continue
		}

		e.wg.Add(1)
		go func(inTag string, results chan fold.Result) {
			defer e.wg.Done()
			e.consume(runCtx, inTag, results)
		}(in.Tag, results)
	}

	e.running = true
	e.cancel = cancel
	return runCtx, nil
}

// Stop cancels every running inbound/consumer and waits for them to
// return, but leaves Config intact so a later Run restarts cleanly.
//
// Adapted from: chain/engine.rs (Engine::stop, sending a shutdown signal
// to every registered oneshot sender).
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	wasRunning := e.running
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if !wasRunning {
		return
	}
	cancel()
	e.wg.Wait()
}

func (e *Engine) consume(ctx context.Context, inTag string, results <-chan fold.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			e.handleResult(ctx, inTag, r)
		}
	}
}

// foldOutbound folds r's target/early-data through outIter, the shape
// every outbound attempt (primary or fallback) shares.
func (e *Engine) foldOutbound(ctx context.Context, r fold.Result, outIter pipeline.Iterator) fold.Result {
	return fold.Fold(ctx, fold.Params{
		CID:      r.CID,
		Behavior: stage.Encode,
		Initial: stage.Result{
			Stream:    stage.NoStream(),
			Target:    r.Target,
			HasTarget: true,
			PreRead:   r.PreRead,
		},
		Mappers: outIter,
	})
}

// handleResult implements the per-flow consumer logic: validate the
// inbound resolved a target, select and dial an outbound, then relay.
//
// Adapted from: src/relay/tcp.rs (handle_conn's post-handshake branch).
func (e *Engine) handleResult(ctx context.Context, inTag string, r fold.Result) {
	logger := e.cfg.logger()

	if r.Err != nil {
		logger.Warn("engine.inboundFoldFailed", "cid", r.CID.String(), "err", r.Err.Error())
		r.Stream.Close()
		return
	}
	if !r.HasTarget {
		logger.Warn("engine.noTargetAddress", "cid", r.CID.String())
		r.Stream.Close()
		return
	}

	outIter, outTag := e.cfg.Selector.Select(inTag, r.Target, r.Out)

	dialResult := e.foldOutbound(ctx, r, outIter)

	if dialResult.Err != nil {
		if fbTag, ok := e.cfg.FallbackRoute[outTag]; ok {
			if fbIter, ok := e.cfg.Outbounds[fbTag]; ok {
				logger.Info("engine.outboundFallback", "cid", r.CID.String(), "outTag", outTag, "fallbackTag", fbTag, "err", dialResult.Err.Error())
				dialResult = e.foldOutbound(ctx, r, fbIter.Clone())
			}
		}
	}

	if dialResult.Err != nil {
		logger.Warn("engine.outboundDialFailed", "cid", r.CID.String(), "outTag", outTag, "err", dialResult.Err.Error())
		r.Stream.Close()
		return
	}
	if dialResult.Stream.Kind() == stage.KindNone {
		logger.Warn("engine.outboundStreamConsumed", "cid", r.CID.String())
		r.Stream.Close()
		return
	}
	if dialResult.HasTarget {
		logger.Warn("engine.targetAddressNotConsumed", "cid", r.CID.String(), "target", dialResult.Target.String())
	}

	e.relay(ctx, r.CID, r.Stream, dialResult.Stream, dialResult.PreRead,
		r.NoTimeout || dialResult.NoTimeout, firstShutdownRx(dialResult.ShutdownRx, r.ShutdownRx))
}

// firstShutdownRx returns the first non-nil channel, since a fold may
// carry a shutdown signal from either the inbound or the outbound side of
// a flow.
func firstShutdownRx(rx ...<-chan struct{}) <-chan struct{} {
	for _, r := range rx {
		if r != nil {
			return r
		}
	}
	return nil
}

// relay dispatches to the copy primitive matching the two terminal
// streams' kinds, spawning a mixed Conn/Packet bridge when they differ.
//
// Adapted from: original_source/src/relay/cp_ac_conn.rs (cp_ac_and_c,
// picking between cp_stream, cp_ac and the mixed cp_c_to_ac/cp_ac_to_c
// pair by the two sides' concrete stream kind).
func (e *Engine) relay(ctx context.Context, cid flow.CID, in, out stage.Stream, preRead []byte, noTimeout bool, shutdownRx <-chan struct{}) {
	logger := e.cfg.logger()

	idle := e.cfg.idleTimeout()
	if noTimeout {
		idle = 0
	}

	opts := copy.Options{
		Logger:      logger,
		Classifier:  e.cfg.classifier(),
		Recorder:    e.cfg.Recorder,
		TimeNow:     e.cfg.timeNow(),
		PreRead:     preRead,
		IdleTimeout: idle,
		ShutdownRx:  shutdownRx,
	}

	switch {
	case in.Kind() == stage.KindConn && out.Kind() == stage.KindConn:
		inConn, _ := in.Conn()
		outConn, _ := out.Conn()
		copy.Conns(ctx, cid, inConn, outConn, opts)

	case in.Kind() == stage.KindPacket && out.Kind() == stage.KindPacket:
		inPacket, _ := in.Packet()
		outPacket, _ := out.Packet()
		copy.Packets(ctx, cid, inPacket, outPacket, opts)

	case in.Kind() == stage.KindConn && out.Kind() == stage.KindPacket:
		inConn, _ := in.Conn()
		outPacket, _ := out.Packet()
		bridgeMixed(ctx, cid, inConn, outPacket, opts)

	case in.Kind() == stage.KindPacket && out.Kind() == stage.KindConn:
		inPacket, _ := in.Packet()
		outConn, _ := out.Conn()
		bridgeMixed(ctx, cid, outConn, inPacket, opts)

	default:
		logger.Warn("engine.unsupportedStreamPairing", "cid", cid.String(), "in", int(in.Kind()), "out", int(out.Kind()))
		in.Close()
		out.Close()
	}
}

// bridgeMixed relays between a byte stream and a datagram flow, e.g. a
// SOCKS5 UDP-associate control connection whose actual traffic rides a
// [stage.PacketConn] on one side while the other side is an ordinary
// [net.Conn]. It spawns its own goroutines and returns immediately.
//
// Adapted from: original_source/src/relay/cp_ac.rs (cp_ac_and_c,
// tokio::select! over cp_c_to_ac and cp_ac_to_c).
func bridgeMixed(ctx context.Context, cid flow.CID, connSide net.Conn, packetSide stage.PacketConn, opts copy.Options) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultSLogger()
	}

	go func() {
		logger.Debug("copy.mixedStart", "cid", cid.String())
		defer logger.Debug("copy.mixedEnd", "cid", cid.String())

		stop := copy.WatchShutdown(ctx, opts, func() {
			connSide.Close()
			packetSide.Close()
		})
		defer stop()

		done := make(chan struct{})
		go func() {
			_, _ = copy.PacketToConn(ctx, packetSide, connSide)
			connSide.Close()
			packetSide.Close()
			close(done)
		}()

		target := mixedTarget(connSide)
		_, _ = copy.ConnToPacket(connSide, packetSide, target)
		connSide.Close()
		packetSide.Close()
		<-done
	}()
}

// mixedTarget derives the net.Addr ConnToPacket addresses outgoing
// datagrams to, from the peer address of the already-connected conn side
// (the same convention cp_c_to_ac uses: the conn side is an established
// stream, so its remote address is the one meaningful destination for
// each datagram carved out of it).
func mixedTarget(conn net.Conn) net.Addr {
	if ra := conn.RemoteAddr(); ra != nil {
		return ra
	}
	return &net.UDPAddr{IP: net.IPv4zero, Port: 0}
}

