package quicstage

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// generatorBacklog matches stages/network's Listener sizing: see
// SPEC_FULL.md §6 (Open Question: Generator channel bound, default 100).
const generatorBacklog = 100

// ServerConfig configures a [Server]'s listening address and QUIC/TLS
// parameters. TLSConfig is required: QUIC always runs over TLS 1.3.
type ServerConfig struct {
	ListenAddr string
	TLSConfig  *tls.Config
	QUICConfig *Config
}

// Server listens for QUIC connections and yields one [stage.Generator]
// item per accepted stream on any accepted connection, so each stream
// behaves like one independently-relayed flow — mirroring how
// stages/network's Listener yields one flow per accepted TCP connection.
//
// Adapted from: stages/network/listener.go (the accept-loop/Generator
// shape), generalized to QUIC's two-level accept (connection, then
// stream) since this package has no dedicated original_source grounding
// (see quic.go's package doc comment).
type Server struct {
	stage.TagExt
	scfg     ServerConfig
	engine   Engine
	logger   logging.SLogger
	classify errtax.Classifier
}

// NewServer returns a [*Server] stage wired from cfg, using quic-go as
// its [Engine].
func NewServer(cfg *stage.Config, scfg ServerConfig) *Server {
	return &Server{scfg: scfg, engine: EngineQuicGo{}, logger: cfg.Logger, classify: cfg.ErrClassifier}
}

// Name implements [stage.Mapper].
func (*Server) Name() string { return "quic.server" }

// Maps implements [stage.Mapper]. It starts the listener and returns
// immediately with a Generator stream; it does not block for the
// listener's lifetime.
func (s *Server) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	ln, err := s.engine.ListenAddr(s.scfg.ListenAddr, s.scfg.TLSConfig, s.scfg.QUICConfig)
	if err != nil {
		return stage.ErrResult(fmt.Errorf("quic.server: cid %s: listen %s: %w", cid, s.scfg.ListenAddr, err))
	}

	s.logger.Info("quic.server.listening", "cid", cid.String(), "addr", ln.Addr().String(), "engine", s.engine.Name())

	out := make(chan stage.GeneratedFlow, generatorBacklog)
	go s.acceptConns(ctx, ln, out)

	return stage.Result{Stream: stage.GeneratorStream(stage.Generator{Next: out})}
}

func (s *Server) acceptConns(ctx context.Context, ln Listener, out chan<- stage.GeneratedFlow) {
	defer close(out)
	// Every acceptStreams goroutine sends on out, so out closes only
	// after all of them have returned.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			wrapped := fmt.Errorf("quic.server: accept connection: %w", err)
			s.logger.Warn("quic.server.acceptError", "err", err.Error(), "errClass", s.classify.Classify(err))
			select {
			case out <- stage.GeneratedFlow{Err: wrapped}:
			default:
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptStreams(ctx, conn, out)
		}()
	}
}

func (s *Server) acceptStreams(ctx context.Context, conn Connection, out chan<- stage.GeneratedFlow) {
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			wrapped := fmt.Errorf("quic.server: accept stream: %w", err)
			s.logger.Warn("quic.server.acceptStreamError", "err", err.Error(), "errClass", s.classify.Classify(err))
			select {
			case out <- stage.GeneratedFlow{Err: wrapped}:
			default:
			}
			return
		}
		select {
		case out <- stage.GeneratedFlow{Stream: stage.ConnStream(toNetConn(st, conn))}:
		case <-ctx.Done():
			st.Close()
			return
		}
	}
}
