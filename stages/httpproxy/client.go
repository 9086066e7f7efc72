package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// readReplyTimeout bounds how long the client waits for a CONNECT reply.
const readReplyTimeout = 10 * time.Second

// ClientConfig configures a [Client]'s outgoing CONNECT request.
type ClientConfig struct {
	// Username/Password, if Username is non-empty, are sent as a Basic
	// Proxy-Authorization header.
	Username string
	Password string
}

// Client issues an HTTP CONNECT request over an already-dialed conn and
// waits for the 200 reply before handing the raw conn onward.
//
// Adapted from: original_source/src/map/http_proxy.rs (this file's Server
// is ruci's only http_proxy Mapper; the client side mirrors its reply
// contract since ruci's own client.rs for this protocol is a thin dial
// wrapper with no handshake state worth porting separately).
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
func (*Client) Name() string { return "httpproxy.client" }

// Maps implements [stage.Mapper].
func (c *Client) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	if !params.HasTarget {
		return stage.ErrResult(fmt.Errorf("httpproxy.client: cid %s needs params.Target, got none", cid))
	}
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("httpproxy.client: cid %s needs a Conn stream, got none", cid))
	}

	t0 := c.timeNow()
	deadline := t0.Add(readReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	c.logger.Info("httpproxy.client.handshakeStart", "cid", cid.String(), "target", params.Target.String(), "t", t0)

	preRead, err := c.handshake(conn, params)

	c.logger.Info("httpproxy.client.handshakeDone", "cid", cid.String(), "t0", t0, "t", c.timeNow(),
		"err", errString(err), "errClass", c.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("httpproxy.client: cid %s: %w", cid, err))
	}
	return stage.Result{Stream: stage.ConnStream(conn), PreRead: preRead}
}

func (c *Client) classifyErr(err error) string {
	if err == nil {
		return ""
	}
	return c.classify.Classify(err)
}

// handshake sends a CONNECT request for params.Target and reads the
// server's reply, returning any bytes the server already pushed ahead of
// (or right after) its status line.
func (c *Client) handshake(conn net.Conn, params stage.Params) ([]byte, error) {
	hostport := params.Target.DialTarget()
	req, err := http.NewRequest(http.MethodConnect, "http://"+hostport, nil)
	if err != nil {
		return nil, fmt.Errorf("build connect request: %w", err)
	}
	req.Host = hostport
	if c.ccfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.ccfg.Username + ":" + c.ccfg.Password))
		req.Header.Set(proxyAuthHeader, "Basic "+cred)
	}

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write connect request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("read connect reply: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connect rejected: %s", resp.Status)
	}

	leftover := drainBuffered(br)
	if len(params.PreRead) > 0 {
		if _, err := conn.Write(params.PreRead); err != nil {
			return nil, fmt.Errorf("write early data: %w", err)
		}
	}
	return leftover, nil
}
