package h2

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Stage tunnels params.Stream's conn as the body of one streamed HTTP
// request/response pair. On Encode it dials out by issuing a POST whose
// request body is piped from writes to the returned conn and whose
// response body is piped to reads from it — the standard "gRPC-over-H2" /
// "HTTP/2 tunnel" framing several proxy protocols use. There is no server
// role: Maps returns an error for any behavior other than Encode.
type Stage struct {
	stage.TagExt
	cfg    *stage.Config
	path   string
	method string
}

// NewStage returns an [*h2.Stage] that tunnels over requests to path using
// method (default "POST" if empty).
func NewStage(cfg *stage.Config, path, method string) *Stage {
	if method == "" {
		method = http.MethodPost
	}
	return &Stage{cfg: cfg, path: path, method: method}
}

// Name implements [stage.Mapper].
func (*Stage) Name() string { return "h2" }

// Maps implements [stage.Mapper]. Only Encode (client tunnel open) is
// implemented here; Decode (server-side tunnel accept) belongs to an HTTP
// server mux outside the fold pipeline and is out of scope for this Mapper.
func (s *Stage) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("h2: cid %s needs a Conn stream, got none", cid))
	}
	if behavior != stage.Encode {
		return stage.ErrResult(fmt.Errorf("h2: cid %s decode-side tunneling is not implemented as a Mapper", cid))
	}

	hc := newHTTPConn(conn, s.cfg.ErrClassifier, s.cfg.Logger, s.cfg.TimeNow)

	reqBodyR, reqBodyW := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, s.method, s.path, reqBodyR)
	if err != nil {
		hc.Close()
		return stage.ErrResult(err)
	}

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := hc.RoundTrip(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	if len(params.PreRead) > 0 {
		if _, err := reqBodyW.Write(params.PreRead); err != nil {
			hc.Close()
			return stage.ErrResult(err)
		}
	}

	select {
	case err := <-errCh:
		hc.Close()
		return stage.ErrResult(err)
	case resp := <-respCh:
		tunnel := &tunnelConn{
			local:  conn,
			reqW:   reqBodyW,
			respR:  resp.Body,
			closer: hc,
		}
		return stage.Result{Stream: stage.ConnStream(tunnel), Target: params.Target, HasTarget: params.HasTarget}
	case <-ctx.Done():
		hc.Close()
		return stage.ErrResult(ctx.Err())
	}
}

// tunnelConn presents an HTTP request/response body pair as a [net.Conn]:
// Write feeds the request body, Read drains the response body.
type tunnelConn struct {
	local  net.Conn
	reqW   *io.PipeWriter
	respR io.ReadCloser
	closer io.Closer
}

func (t *tunnelConn) Read(p []byte) (int, error)  { return t.respR.Read(p) }
func (t *tunnelConn) Write(p []byte) (int, error) { return t.reqW.Write(p) }
func (t *tunnelConn) Close() error {
	t.reqW.Close()
	t.respR.Close()
	return t.closer.Close()
}
func (t *tunnelConn) LocalAddr() net.Addr                { return t.local.LocalAddr() }
func (t *tunnelConn) RemoteAddr() net.Addr               { return t.local.RemoteAddr() }
func (t *tunnelConn) SetDeadline(tm time.Time) error      { return t.local.SetDeadline(tm) }
func (t *tunnelConn) SetReadDeadline(tm time.Time) error  { return t.local.SetReadDeadline(tm) }
func (t *tunnelConn) SetWriteDeadline(tm time.Time) error { return t.local.SetWriteDeadline(tm) }
