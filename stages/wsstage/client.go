// Package wsstage provides a WebSocket client/server [stage.Mapper] pair
// built on golang.org/x/net/websocket, layering an RFC6455 opening
// handshake over an already-established conn the same way
// stages/tlsstage layers a TLS handshake over one.
//
// This package has no dedicated original_source grounding (ruci's Rust
// source has no WebSocket mapper); golang.org/x/net/websocket is named
// directly in SPEC_FULL.md's domain stack as the WebSocket codec to use,
// so this package is built against that library's long-stable exported
// surface (Config, NewClient, Server, Handler, Conn) rather than ported
// from an in-pack usage example. See server.go's doc comment for the one
// place this carries meaningful residual risk (adapting Server's
// http.Handler-shaped API to this engine's per-conn Mapper contract).
package wsstage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/net/websocket"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// readHandshakeTimeout bounds how long either side waits for the
// opening handshake to complete.
const readHandshakeTimeout = 10 * time.Second

// ClientConfig configures a [Client]'s opening handshake request.
type ClientConfig struct {
	// URL is the ws:// or wss:// URL sent as the handshake's request
	// line and Host header, e.g. "ws://example.com/relay".
	URL string
	// Origin is sent as the handshake's Origin header.
	Origin string
	// Protocol, if non-empty, is offered as Sec-WebSocket-Protocol.
	Protocol []string
}

// Client performs the WebSocket client opening handshake over an
// already-dialed conn and hands the resulting framed connection onward.
type Client struct {
	stage.TagExt
	ccfg     ClientConfig
	logger   logging.SLogger
	classify errtax.Classifier
	timeNow  func() time.Time
}

// NewClient returns a [*Client] stage wired from cfg.
func NewClient(cfg *stage.Config, ccfg ClientConfig) *Client {
	return &Client{ccfg: ccfg, logger: cfg.Logger, classify: cfg.ErrClassifier, timeNow: cfg.TimeNow}
}

// Name implements [stage.Mapper].
func (*Client) Name() string { return "ws.client" }

// Maps implements [stage.Mapper].
func (c *Client) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("ws.client: cid %s needs a Conn stream, got none", cid))
	}

	t0 := c.timeNow()
	deadline := t0.Add(readHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	origin := c.ccfg.Origin
	if origin == "" {
		origin = defaultOrigin(c.ccfg.URL)
	}

	c.logger.Info("ws.client.handshakeStart", "cid", cid.String(), "url", c.ccfg.URL, "t", t0)

	wcfg, err := websocket.NewConfig(c.ccfg.URL, origin)
	if err != nil {
		return stage.ErrResult(fmt.Errorf("ws.client: cid %s: build config: %w", cid, err))
	}
	wcfg.Protocol = c.ccfg.Protocol

	ws, err := websocket.NewClient(wcfg, conn)

	c.logger.Info("ws.client.handshakeDone", "cid", cid.String(), "t0", t0, "t", c.timeNow(),
		"err", errString(err), "errClass", c.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("ws.client: cid %s: %w", cid, err))
	}

	if len(params.PreRead) > 0 {
		if _, err := ws.Write(params.PreRead); err != nil {
			ws.Close()
			return stage.ErrResult(fmt.Errorf("ws.client: cid %s: write early data: %w", cid, err))
		}
	}

	return stage.Result{Stream: stage.ConnStream(ws)}
}

func (c *Client) classifyErr(err error) string {
	if err == nil {
		return ""
	}
	return c.classify.Classify(err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// defaultOrigin derives a same-origin Origin header from u when none is
// configured, which most servers accept without a stricter policy.
func defaultOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
