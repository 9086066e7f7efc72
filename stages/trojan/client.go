package trojan

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

// Client performs the Trojan client handshake over an already-dialed conn:
// a 56-byte sha224-hex password line, CRLF, a CMD_CONNECT or
// CMD_UDPASSOCIATE byte, the target address, CRLF, and any early data.
//
// Adapted from: original_source/src/map/trojan/client.rs (struct Client).
type Client struct {
	stage.TagExt
	passwordHash string
	logger       logging.SLogger
	classify     errtax.Classifier
	timeNow      func() time.Time
}

// NewClient returns a [*Client] stage authenticating with password.
func NewClient(cfg *stage.Config, password string) *Client {
	return &Client{passwordHash: sha224Hex(password), logger: cfg.Logger, classify: cfg.ErrClassifier, timeNow: cfg.TimeNow}
}

// Name implements [stage.Mapper].
func (*Client) Name() string { return "trojan.client" }

// Maps implements [stage.Mapper].
func (c *Client) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	if !params.HasTarget {
		return stage.ErrResult(fmt.Errorf("trojan.client: cid %s needs params.Target, got none", cid))
	}
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("trojan.client: cid %s needs a Conn stream, got none", cid))
	}

	t0 := c.timeNow()
	c.logger.Info("trojan.client.handshakeStart", "cid", cid.String(), "target", params.Target.String(), "t", t0)

	err := c.handshake(conn, params)

	c.logger.Info("trojan.client.handshakeDone", "cid", cid.String(), "t0", t0, "t", c.timeNow(),
		"err", errString(err), "errClass", c.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("trojan.client: cid %s: %w", cid, err))
	}

	if !params.Target.Network.IsStream() {
		return stage.Result{Stream: stage.PacketStream(&packetConn{conn: conn})}
	}
	return stage.Result{Stream: stage.ConnStream(conn)}
}

func (c *Client) classifyErr(err error) string {
	if err == nil {
		return ""
	}
	return c.classify.Classify(err)
}

// handshake writes the password line, command byte, target address, CRLF,
// and any early data, all in a single write.
//
// Adapted from: original_source/src/map/trojan/client.rs (Client::handshake).
func (c *Client) handshake(conn net.Conn, params stage.Params) error {
	buf := make([]byte, 0, 1024)
	buf = append(buf, c.passwordHash...)
	buf = append(buf, cr, lf)

	cmd := byte(cmdConnect)
	if !params.Target.Network.IsStream() {
		cmd = cmdUDPAssociate
	}
	buf = append(buf, cmd)

	buf = encodeAddr(buf, params.Target)
	buf = append(buf, cr, lf)
	buf = append(buf, params.PreRead...)

	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}
