package socks5

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/outbound"
	"github.com/e1732a364fed/ruci-go/stage"
)

// readHandshakeTimeout bounds how long the server waits for a client to
// complete method negotiation and send its request, mirroring
// original_source/src/relay/tcp.rs's READ_HANDSHAKE_TIMEOUT.
const readHandshakeTimeout = 10 * time.Second

// ServerConfig configures a [Server]'s authentication policy.
//
// Adapted from: original_source/src/map/socks5/server.rs (struct Config).
type ServerConfig struct {
	// Credentials, if non-empty, requires RFC 1929 username/password
	// subnegotiation; a client offering only AUTH_NONE is rejected. If
	// empty, the server advertises and accepts AUTH_NONE only.
	Credentials map[string]string
	// SupportUDP enables CMD_UDPASSOCIATE handling.
	SupportUDP bool
}

// Server performs the SOCKS5 server handshake: method negotiation, optional
// username/password auth, and CMD_CONNECT/CMD_UDPASSOCIATE request
// handling.
//
// Adapted from: original_source/src/map/socks5/server.rs (struct Server).
type Server struct {
	stage.TagExt
	cfg      *stage.Config
	scfg     ServerConfig
	logger   logging.SLogger
	classify errtax.Classifier
	timeNow  func() time.Time
}

// NewServer returns a [*Server] stage wired from cfg.
func NewServer(cfg *stage.Config, scfg ServerConfig) *Server {
	return &Server{cfg: cfg, scfg: scfg, logger: cfg.Logger, classify: cfg.ErrClassifier, timeNow: cfg.TimeNow}
}

// Name implements [stage.Mapper].
func (*Server) Name() string { return "socks5.server" }

// Maps implements [stage.Mapper].
func (s *Server) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("socks5.server: cid %s needs a Conn stream, got none", cid))
	}

	t0 := s.timeNow()
	deadline := t0.Add(readHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	s.logger.Info("socks5.server.handshakeStart", "cid", cid.String(), "deadline", deadline, "t", t0)

	username, target, cmd, err := s.handshake(conn)

	s.logger.Info("socks5.server.handshakeDone", "cid", cid.String(), "t0", t0, "t", s.timeNow(),
		"err", errString(err), "errClass", s.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("socks5.server: cid %s: %w", cid, err))
	}

	var out stage.Data
	if username != "" {
		out = outbound.UserData{Username: username}
	}

	if cmd == cmdUDPAssociate {
		udpConn, bound, err := s.startUDPAssociate(ctx, conn)
		if err != nil {
			conn.Close()
			return stage.ErrResult(fmt.Errorf("socks5.server: cid %s: udp associate: %w", cid, err))
		}
		s.logger.Info("socks5.server.udpAssociateStart", "cid", cid.String(), "bound", bound.String())
		return stage.Result{Stream: stage.PacketStream(udpConn), Out: out}
	}

	return stage.Result{Stream: stage.ConnStream(conn), Target: target, HasTarget: true, Out: out}
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

// handshake runs RFC 1928 method negotiation, optional RFC 1929
// username/password subnegotiation, and parses the CONNECT/UDP-ASSOCIATE
// request, replying on conn as it goes. It returns the authenticated
// username (empty if none), the resolved target (for CMD_CONNECT), and the
// requested command.
//
// Adapted from: original_source/src/map/socks5/server.rs (Server::handshake).
func (s *Server) handshake(conn net.Conn) (username string, target addr.Address, cmd byte, err error) {
	var hdr [2]byte
	if _, err = readFull(conn, hdr[:]); err != nil {
		return "", addr.Address{}, 0, fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != version5 {
		return "", addr.Address{}, 0, fmt.Errorf("unsupported version %#x", hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err = readFull(conn, methods); err != nil {
		return "", addr.Address{}, 0, fmt.Errorf("read methods: %w", err)
	}

	wantAuth := len(s.scfg.Credentials) > 0
	chosen := byte(authNoAcceptable)
	for _, m := range methods {
		if wantAuth && m == authPassword {
			chosen = authPassword
			break
		}
		if !wantAuth && m == authNone {
			chosen = authNone
			break
		}
	}

	if _, err = conn.Write([]byte{version5, chosen}); err != nil {
		return "", addr.Address{}, 0, fmt.Errorf("write method selection: %w", err)
	}
	if chosen == authNoAcceptable {
		return "", addr.Address{}, 0, fmt.Errorf("no acceptable auth method")
	}

	if chosen == authPassword {
		username, err = s.authenticate(conn)
		if err != nil {
			return "", addr.Address{}, 0, err
		}
	}

	var reqHdr [3]byte
	if _, err = readFull(conn, reqHdr[:]); err != nil {
		return "", addr.Address{}, 0, fmt.Errorf("read request header: %w", err)
	}
	if reqHdr[0] != version5 {
		return "", addr.Address{}, 0, fmt.Errorf("unsupported request version %#x", reqHdr[0])
	}
	cmd = reqHdr[1]

	switch cmd {
	case cmdConnect:
		target, err = readAddr(conn, addr.TCP)
		if err != nil {
			return "", addr.Address{}, 0, fmt.Errorf("read connect target: %w", err)
		}
		if _, err = conn.Write(commonTCPHandshakeReply[:]); err != nil {
			return "", addr.Address{}, 0, fmt.Errorf("write connect reply: %w", err)
		}
		return username, target, cmd, nil

	case cmdUDPAssociate:
		if !s.scfg.SupportUDP {
			return "", addr.Address{}, 0, fmt.Errorf("udp associate not supported")
		}
		// The client's own expected UDP source address; unused here since
		// the server learns the real peer from the first received
		// datagram (see startUDPAssociate), matching server.rs's handling.
		if _, err = readAddr(conn, addr.UDP); err != nil {
			return "", addr.Address{}, 0, fmt.Errorf("read udp associate addr: %w", err)
		}
		return username, addr.Address{}, cmd, nil

	case cmdBind:
		return "", addr.Address{}, 0, fmt.Errorf("cmd BIND not supported")

	default:
		return "", addr.Address{}, 0, fmt.Errorf("unsupported command %#x", cmd)
	}
}

// authenticate runs the RFC 1929 username/password subnegotiation and
// validates the credentials against s.scfg.Credentials.
//
// Adapted from: original_source/src/map/socks5/server.rs (the
// AUTH_PASSWORD branch of Server::handshake).
func (s *Server) authenticate(conn net.Conn) (string, error) {
	var hdr [2]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("read userpass header: %w", err)
	}
	if hdr[0] != userPassSubVersion {
		return "", fmt.Errorf("unsupported userpass subnegotiation version %#x", hdr[0])
	}
	uname := make([]byte, hdr[1])
	if _, err := readFull(conn, uname); err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}

	var plenBuf [1]byte
	if _, err := readFull(conn, plenBuf[:]); err != nil {
		return "", fmt.Errorf("read password len: %w", err)
	}
	passwd := make([]byte, plenBuf[0])
	if _, err := readFull(conn, passwd); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	username := string(uname)
	ok := s.scfg.Credentials[username] == string(passwd)

	status := byte(replySuccess)
	if !ok {
		status = replyFailure
	}
	if _, err := conn.Write([]byte{userPassSubVersion, status}); err != nil {
		return "", fmt.Errorf("write userpass reply: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("authentication failed for user %q", username)
	}
	return username, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
