package wsstage

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// ServerConfig validates the opening request an accepted [Server] flow
// must present.
type ServerConfig struct {
	// Path, if non-empty, must match the handshake request's URL path.
	Path string
	// Origin, if non-empty, must match the handshake's Origin header.
	Origin string
}

// Server accepts the WebSocket server opening handshake over an
// already-accepted conn and hands the resulting framed connection onward.
//
// golang.org/x/net/websocket only exposes a server-side handshake via
// [websocket.Server.ServeHTTP], which is shaped for net/http's
// Handler/ResponseWriter lifecycle rather than this engine's per-conn
// Mapper contract: the package's lower-level server constructor
// (newServerConn) is unexported. Server bridges the two using only
// exported surface: it wraps conn in a minimal [http.ResponseWriter] that
// also implements [http.Hijacker] (returning conn itself), lets
// ServeHTTP drive the RFC6455 accept handshake and hand the resulting
// *[websocket.Conn] to a [websocket.Handler] closure, and has that
// closure publish the conn over a channel and then block until Maps's
// caller closes it — otherwise ServeHTTP would tear the connection down
// the moment the handler returns, as it does for an ordinary HTTP
// request. This is the one place in this package carrying meaningful
// residual risk: it assumes ServeHTTP's internal handshake hijacks
// exactly the way an ordinary net/http server's would.
type Server struct {
	stage.TagExt
	scfg     ServerConfig
	logger   logging.SLogger
	classify errtax.Classifier
	timeNow  func() time.Time
}

// NewServer returns a [*Server] stage wired from cfg.
func NewServer(cfg *stage.Config, scfg ServerConfig) *Server {
	return &Server{scfg: scfg, logger: cfg.Logger, classify: cfg.ErrClassifier, timeNow: cfg.TimeNow}
}

// Name implements [stage.Mapper].
func (*Server) Name() string { return "ws.server" }

// Maps implements [stage.Mapper].
func (s *Server) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("ws.server: cid %s needs a Conn stream, got none", cid))
	}

	t0 := s.timeNow()
	deadline := t0.Add(readHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	s.logger.Info("ws.server.handshakeStart", "cid", cid.String(), "deadline", deadline, "t", t0)

	ws, err := s.handshake(conn)

	s.logger.Info("ws.server.handshakeDone", "cid", cid.String(), "t0", t0, "t", s.timeNow(),
		"err", errString(err), "errClass", s.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("ws.server: cid %s: %w", cid, err))
	}
	ws.SetReadDeadline(time.Time{})

	return stage.Result{Stream: stage.ConnStream(ws)}
}

func (s *Server) classifyErr(err error) string {
	if err == nil {
		return ""
	}
	return s.classify.Classify(err)
}

// handshake reads the upgrade request off conn and drives it through
// [websocket.Server.ServeHTTP] via a Hijacker shim, returning the
// resulting framed conn once the handshake completes.
func (s *Server) handshake(conn net.Conn) (net.Conn, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("parse upgrade request: %w", err)
	}

	rw := &hijackResponseWriter{
		conn:   conn,
		rw:     bufio.NewReadWriter(br, bufio.NewWriter(conn)),
		header: make(http.Header),
	}

	connCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)
	release := make(chan struct{})
	var releaseOnce sync.Once

	srv := websocket.Server{
		Handler: func(c *websocket.Conn) {
			connCh <- c
			<-release
		},
	}

	go func() {
		srv.ServeHTTP(rw, req)
		select {
		case errCh <- fmt.Errorf("websocket server rejected handshake"):
		default:
		}
	}()

	select {
	case ws := <-connCh:
		if s.scfg.Path != "" && ws.Request().URL.Path != s.scfg.Path {
			releaseOnce.Do(func() { close(release) })
			return nil, fmt.Errorf("path %q does not match configured %q", ws.Request().URL.Path, s.scfg.Path)
		}
		if s.scfg.Origin != "" && ws.Request().Header.Get("Origin") != s.scfg.Origin {
			releaseOnce.Do(func() { close(release) })
			return nil, fmt.Errorf("origin %q does not match configured %q", ws.Request().Header.Get("Origin"), s.scfg.Origin)
		}
		return &releasingConn{Conn: ws, release: func() { releaseOnce.Do(func() { close(release) }) }}, nil
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("handshake rejected")
		}
		return nil, err
	}
}

// hijackResponseWriter adapts a raw conn into the minimal
// http.ResponseWriter + http.Hijacker surface [websocket.Server.ServeHTTP]
// needs to take over the connection.
type hijackResponseWriter struct {
	conn   net.Conn
	rw     *bufio.ReadWriter
	header http.Header
	status int
}

func (w *hijackResponseWriter) Header() http.Header { return w.header }

func (w *hijackResponseWriter) Write(p []byte) (int, error) {
	n, err := w.rw.Write(p)
	w.rw.Flush()
	return n, err
}

func (w *hijackResponseWriter) WriteHeader(status int) { w.status = status }

func (w *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, w.rw, nil
}

// releasingConn wraps a *websocket.Conn so Close both closes the
// underlying connection and unblocks the Handler goroutine keeping
// ServeHTTP alive, so the goroutine started in handshake always exits.
type releasingConn struct {
	*websocket.Conn
	release func()
}

func (c *releasingConn) Close() error {
	err := c.Conn.Close()
	c.release()
	return err
}
