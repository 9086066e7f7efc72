// Package httpproxy provides two [stage.Mapper] pairs: an HTTP-CONNECT
// (and plain-HTTP) proxy server/client, and a lightweight HTTP header
// disguise layer used to make a handshake look like an ordinary HTTP
// request/response to a passive observer.
//
// Request/response parsing is done with the standard library's
// [net/http] and [bufio] rather than a hand-rolled parser: no third-party
// HTTP/1.1 parsing library appears anywhere in the retrieval pack (ruci's
// own http.rs hand-rolls one because Rust's ecosystem HTTP crates assume
// an owned connection, not raw proxy-layer byte access), and Go's stdlib
// parser already operates directly on a [net.Conn] via bufio, which is
// exactly the access level this layer needs.
//
// Adapted from: original_source/src/map/http_proxy.rs (struct Server).
package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/outbound"
	"github.com/e1732a364fed/ruci-go/stage"
)

// connectReply is the fixed CONNECT success line this package sends,
// mirroring http_proxy.rs's CONNECT_REPLY_STR.
const connectReply = "HTTP/1.1 200 Connection established\r\n\r\n"

const proxyAuthHeader = "Proxy-Authorization"

// readHandshakeTimeout bounds how long the server waits for a client's
// full request line and headers.
const readHandshakeTimeout = 10 * time.Second

// ServerConfig configures a [Server]'s authentication policy and method
// support.
//
// Adapted from: original_source/src/map/http_proxy.rs (struct Config).
type ServerConfig struct {
	// Credentials, if non-empty, requires a valid Basic
	// Proxy-Authorization header matching one of username -> password.
	Credentials map[string]string
	// OnlyConnect rejects any method other than CONNECT.
	OnlyConnect bool
}

// Server parses an inbound HTTP proxy request (CONNECT or a plain
// absolute-form request) and resolves its target address. For CONNECT it
// replies with a 200 tunnel-established line and passes the raw conn
// through unmodified; for a plain request it re-serializes the request
// (with hop-by-hop proxy headers stripped) as early data for the dialed
// outbound connection.
//
// Adapted from: original_source/src/map/http_proxy.rs (struct Server,
// Server::handshake).
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
func (*Server) Name() string { return "httpproxy.server" }

// Maps implements [stage.Mapper].
func (s *Server) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("httpproxy.server: cid %s needs a Conn stream, got none", cid))
	}

	t0 := s.timeNow()
	deadline := t0.Add(readHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	s.logger.Info("httpproxy.server.handshakeStart", "cid", cid.String(), "deadline", deadline, "t", t0)

	username, target, preRead, err := s.handshake(conn)

	s.logger.Info("httpproxy.server.handshakeDone", "cid", cid.String(), "t0", t0, "t", s.timeNow(),
		"err", errString(err), "errClass", s.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("httpproxy.server: cid %s: %w", cid, err))
	}

	var out stage.Data
	if username != "" {
		out = outbound.UserData{Username: username}
	}
	return stage.Result{Stream: stage.ConnStream(conn), Target: target, HasTarget: true, PreRead: preRead, Out: out}
}

func (s *Server) classifyErr(err error) string {
	if err == nil {
		return ""
	}
	return s.classify.Classify(err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// handshake reads one HTTP proxy request off conn, validates auth, and
// returns its resolved target. For CONNECT the 200 reply is written
// immediately and preRead carries only whatever the client already sent
// ahead of the server's reply (usually none); for a plain request preRead
// carries the re-serialized request to forward to the target.
//
// Adapted from: original_source/src/map/http_proxy.rs (Server::handshake).
func (s *Server) handshake(conn net.Conn) (username string, target addr.Address, preRead []byte, err error) {
	br := bufio.NewReader(conn)
	req, rerr := http.ReadRequest(br)
	if rerr != nil {
		return "", addr.Address{}, nil, fmt.Errorf("parse request: %w", rerr)
	}

	if len(s.scfg.Credentials) > 0 {
		username, err = authenticate(req, s.scfg.Credentials)
		if err != nil {
			return "", addr.Address{}, nil, err
		}
	}

	isConnect := req.Method == http.MethodConnect
	if !isConnect && s.scfg.OnlyConnect {
		return "", addr.Address{}, nil, fmt.Errorf("method %s not supported, only CONNECT", req.Method)
	}

	hostport := req.Host
	if isConnect {
		hostport = req.URL.Host
		if hostport == "" {
			hostport = req.RequestURI
		}
	}
	target, err = parseHostPort(hostport)
	if err != nil {
		return "", addr.Address{}, nil, fmt.Errorf("parse target %q: %w", hostport, err)
	}

	if isConnect {
		if _, err = conn.Write([]byte(connectReply)); err != nil {
			return "", addr.Address{}, nil, fmt.Errorf("write connect reply: %w", err)
		}
		leftover := drainBuffered(br)
		return username, target, leftover, nil
	}

	req.Header.Del(proxyAuthHeader)
	req.Header.Del("Proxy-Connection")

	var buf strings.Builder
	if err = req.Write(&buf); err != nil {
		return "", addr.Address{}, nil, fmt.Errorf("re-serialize request: %w", err)
	}
	return username, target, []byte(buf.String()), nil
}

// authenticate validates req's Basic Proxy-Authorization header against
// credentials, returning the authenticated username.
//
// Adapted from: original_source/src/map/http_proxy.rs (the um.is_some()
// branch of Server::handshake).
func authenticate(req *http.Request, credentials map[string]string) (string, error) {
	value := req.Header.Get(proxyAuthHeader)
	if value == "" {
		return "", fmt.Errorf("missing %s header", proxyAuthHeader)
	}
	const prefix = "Basic "
	if !strings.HasPrefix(value, prefix) {
		return "", fmt.Errorf("unsupported auth scheme in %s", proxyAuthHeader)
	}
	decoded, err := base64.StdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("base64 decode %s: %w", proxyAuthHeader, err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", fmt.Errorf("%s value has no colon", proxyAuthHeader)
	}
	if want, ok := credentials[user]; !ok || want != pass {
		return "", fmt.Errorf("authentication failed for user %q", user)
	}
	return user, nil
}

// parseHostPort builds an [addr.Address] from a "host[:port]" string,
// defaulting to port 80 when absent (http_proxy.rs's addr_str += ":80").
func parseHostPort(hostport string) (addr.Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host, portStr = hostport, "80"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return addr.Address{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return addr.NewSocket(addr.TCP, ip, uint16(port)), nil
	}
	return addr.NewHostName(addr.TCP, host, uint16(port)), nil
}

// drainBuffered returns the bytes already buffered (read off the
// underlying conn but not yet consumed) in br, without issuing any
// further reads.
func drainBuffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := br.Peek(n)
	out := make([]byte, n)
	copy(out, b)
	return out
}
