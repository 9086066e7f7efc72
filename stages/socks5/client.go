package socks5

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// ClientConfig configures a [Client]'s credentials and early-data behavior.
//
// Adapted from: original_source/src/map/socks5/client.rs (struct Client).
type ClientConfig struct {
	// Username/Password, if Username is non-empty, are offered via RFC
	// 1929 subnegotiation; otherwise the client advertises AUTH_NONE only.
	Username, Password string
	// UseEarlyData writes params.PreRead through immediately after the
	// CONNECT request, ahead of reading the server's reply, the same
	// optimization client.rs calls use_earlydata.
	UseEarlyData bool
}

// Client performs the SOCKS5 client handshake over an already-dialed conn
// to a SOCKS5 proxy: method negotiation, optional username/password auth,
// and a CMD_CONNECT request for params.Target.
//
// Adapted from: original_source/src/map/socks5/client.rs (struct Client).
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
func (*Client) Name() string { return "socks5.client" }

// Maps implements [stage.Mapper].
func (c *Client) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	if !params.HasTarget {
		return stage.ErrResult(fmt.Errorf("socks5.client: cid %s needs params.Target, got none", cid))
	}
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("socks5.client: cid %s needs a Conn stream, got none", cid))
	}

	t0 := c.timeNow()
	deadline, _ := ctx.Deadline()
	c.logger.Info("socks5.client.handshakeStart", "cid", cid.String(), "target", params.Target.String(), "t", t0)

	err := c.handshake(conn, params)

	c.logger.Info("socks5.client.handshakeDone", "cid", cid.String(), "t0", t0, "t", c.timeNow(),
		"err", errString(err), "errClass", c.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("socks5.client: cid %s: %w", cid, err))
	}

	return stage.Result{Stream: stage.ConnStream(conn)}
}

func (c *Client) classifyErr(err error) string {
	if err == nil {
		return ""
	}
	return c.classify.Classify(err)
}

// handshake negotiates a method, optionally authenticates, and issues a
// CMD_CONNECT request for params.Target over conn.
//
// Adapted from: original_source/src/map/socks5/client.rs (Client::handshake).
func (c *Client) handshake(conn net.Conn, params stage.Params) error {
	method := byte(authNone)
	if c.ccfg.Username != "" {
		method = authPassword
	}
	if _, err := conn.Write([]byte{version5, 1, method}); err != nil {
		return fmt.Errorf("write method request: %w", err)
	}

	var sel [2]byte
	if _, err := readFull(conn, sel[:]); err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}
	if sel[0] != version5 {
		return fmt.Errorf("unsupported version %#x", sel[0])
	}
	if sel[1] == authNoAcceptable {
		return fmt.Errorf("server rejected all offered auth methods")
	}
	if sel[1] != method {
		return fmt.Errorf("server selected unrequested method %#x", sel[1])
	}

	if method == authPassword {
		if err := c.authenticate(conn); err != nil {
			return err
		}
	}

	req := make([]byte, 0, 4+16)
	req = append(req, version5, cmdConnect, 0)
	req = encodeAddr(req, params.Target)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write connect request: %w", err)
	}

	if c.ccfg.UseEarlyData && len(params.PreRead) > 0 {
		if _, err := conn.Write(params.PreRead); err != nil {
			return fmt.Errorf("write early data: %w", err)
		}
	}

	// The reply is at least 10 bytes for an IPv4 bound address, more for
	// IPv6/domain; reading the fixed-size prefix and then the address via
	// readAddr keeps this correct for every ATYP the server might reply
	// with (even though most servers echo a fixed IPv4 reply).
	var replyHdr [3]byte
	if _, err := readFull(conn, replyHdr[:]); err != nil {
		return fmt.Errorf("read connect reply header: %w", err)
	}
	if replyHdr[0] != version5 {
		return fmt.Errorf("unsupported reply version %#x", replyHdr[0])
	}
	if replyHdr[1] != replySuccess {
		return fmt.Errorf("server refused connect, status %#x", replyHdr[1])
	}
	if _, err := readAddr(conn, params.Target.Network); err != nil {
		return fmt.Errorf("read connect reply address: %w", err)
	}

	if !c.ccfg.UseEarlyData && len(params.PreRead) > 0 {
		if _, err := conn.Write(params.PreRead); err != nil {
			return fmt.Errorf("write early data: %w", err)
		}
	}

	return nil
}

// authenticate runs the RFC 1929 username/password subnegotiation as the
// client side.
//
// Adapted from: original_source/src/map/socks5/client.rs (the
// AUTH_PASSWORD branch of Client::handshake).
func (c *Client) authenticate(conn net.Conn) error {
	req := make([]byte, 0, 3+len(c.ccfg.Username)+len(c.ccfg.Password))
	req = append(req, userPassSubVersion, byte(len(c.ccfg.Username)))
	req = append(req, c.ccfg.Username...)
	req = append(req, byte(len(c.ccfg.Password)))
	req = append(req, c.ccfg.Password...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write userpass request: %w", err)
	}

	var reply [2]byte
	if _, err := readFull(conn, reply[:]); err != nil {
		return fmt.Errorf("read userpass reply: %w", err)
	}
	if reply[1] != replySuccess {
		return fmt.Errorf("userpass authentication rejected, status %#x", reply[1])
	}
	return nil
}
