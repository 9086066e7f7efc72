package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// HeaderFilterConfig configures a [HeaderFilter]: the Host/Path/Headers an
// encoding peer wraps a handshake in, and whether early data rides inside
// that first disguised request/response or waits for it to complete.
//
// Adapted from: original_source/src/net/http.rs (struct CommonConfig),
// which ruci documents as shared config "used by various Mappers... that
// has a http layer" but never itself wires into a Mapper in the
// distillation source; this type completes that gap as its own stage.
type HeaderFilterConfig struct {
	Host    string
	Path    string
	Headers map[string]string

	// UseEarlyData sends PreRead inside the disguised request body /
	// response instead of immediately after it.
	UseEarlyData bool
}

// readFilterTimeout bounds how long a side waits for its peer's disguised
// message.
const readFilterTimeout = 10 * time.Second

// HeaderFilter wraps a handshake's first bytes in an ordinary-looking
// HTTP request (Encode direction, acting as the disguising client) or
// unwraps and validates one (Decode direction, acting as the server
// behind it), so a passive observer of the raw stream sees plain HTTP
// rather than another protocol's handshake bytes.
//
// Adapted from: original_source/src/net/http.rs (struct CommonConfig).
type HeaderFilter struct {
	stage.TagExt
	cfg      HeaderFilterConfig
	logger   logging.SLogger
	classify errtax.Classifier
	timeNow  func() time.Time
}

// NewHeaderFilter returns a [*HeaderFilter] stage wired from cfg.
func NewHeaderFilter(sc *stage.Config, cfg HeaderFilterConfig) *HeaderFilter {
	return &HeaderFilter{cfg: cfg, logger: sc.Logger, classify: sc.ErrClassifier, timeNow: sc.TimeNow}
}

// Name implements [stage.Mapper].
func (*HeaderFilter) Name() string { return "httpproxy.headerFilter" }

// Maps implements [stage.Mapper]. behavior selects direction:
// [stage.Encode] wraps (client side, before the real handshake bytes
// travel further), [stage.Decode] unwraps (server side).
func (h *HeaderFilter) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("httpproxy.headerFilter: cid %s needs a Conn stream, got none", cid))
	}

	t0 := h.timeNow()
	deadline := t0.Add(readFilterTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	var preRead []byte
	var err error
	switch behavior {
	case stage.Encode:
		preRead, err = h.wrap(conn, params)
	default:
		preRead, err = h.unwrap(conn, params)
	}

	h.logger.Info("httpproxy.headerFilter.done", "cid", cid.String(), "behavior", behavior.String(),
		"t0", t0, "t", h.timeNow(), "err", errString(err), "errClass", h.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("httpproxy.headerFilter: cid %s: %w", cid, err))
	}
	return stage.Result{Stream: stage.ConnStream(conn), Target: params.Target, HasTarget: params.HasTarget, PreRead: preRead}
}

func (h *HeaderFilter) classifyErr(err error) string {
	if err == nil {
		return ""
	}
	return h.classify.Classify(err)
}

// wrap writes a disguised POST request carrying params.PreRead, either in
// its body (UseEarlyData) or as a separate write right after the request
// head.
func (h *HeaderFilter) wrap(conn interface {
	Write([]byte) (int, error)
}, params stage.Params) ([]byte, error) {
	path := h.cfg.Path
	if path == "" {
		path = "/"
	}
	host := h.cfg.Host
	if host == "" {
		host = "www.example.com"
	}

	req, err := http.NewRequest(http.MethodPost, "http://"+host+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build disguise request: %w", err)
	}
	req.Host = host
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	if h.cfg.UseEarlyData {
		req.Body = io.NopCloser(bytes.NewReader(params.PreRead))
		req.ContentLength = int64(len(params.PreRead))
	}

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return nil, fmt.Errorf("serialize disguise request: %w", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write disguise request: %w", err)
	}

	if h.cfg.UseEarlyData {
		return nil, nil
	}
	if len(params.PreRead) > 0 {
		if _, err := conn.Write(params.PreRead); err != nil {
			return nil, fmt.Errorf("write early data: %w", err)
		}
	}
	return nil, nil
}

// unwrap reads and discards a disguised request's head, returning any
// body/trailing bytes as PreRead for the real handshake to resume from.
func (h *HeaderFilter) unwrap(conn interface {
	Read([]byte) (int, error)
}, params stage.Params) ([]byte, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("parse disguise request: %w", err)
	}

	for k, want := range h.cfg.Headers {
		if got := req.Header.Get(k); want != "" && got != want {
			return nil, fmt.Errorf("disguise header %q mismatch: want %q got %q", k, want, got)
		}
	}

	if h.cfg.UseEarlyData && req.Body != nil {
		body := make([]byte, req.ContentLength)
		if req.ContentLength > 0 {
			if _, err := io.ReadFull(req.Body, body); err != nil {
				return nil, fmt.Errorf("read disguise body: %w", err)
			}
		}
		return append(body, drainBuffered(br)...), nil
	}
	return drainBuffered(br), nil
}
