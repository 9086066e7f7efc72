package trojan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/outbound"
	"github.com/e1732a364fed/ruci-go/stage"
)

// readHandshakeTimeout bounds how long the server waits for a client's
// full greeting line, mirroring original_source/src/relay/tcp.rs's
// READ_HANDSHAKE_TIMEOUT (also used by stages/socks5).
const readHandshakeTimeout = 10 * time.Second

// ServerConfig configures a [Server]'s accepted passwords.
//
// Adapted from: original_source/src/map/trojan/server.rs (struct Config).
type ServerConfig struct {
	// Passwords maps a plaintext password to a username used for logging
	// and for outbound.UserData (Trojan's wire identity is the password's
	// sha224 hex digest, but that digest makes an unhelpful username, so
	// callers supply a human name per password).
	Passwords map[string]string
}

// Server performs the Trojan server handshake: a 56-byte sha224-hex
// password line, CRLF, a command byte, a SOCKS5-style address request,
// CRLF, then (for CMD_CONNECT) any immediately-following early data.
//
// Adapted from: original_source/src/map/trojan/server.rs (struct Server).
type Server struct {
	stage.TagExt
	hashToUser map[string]string
	logger     logging.SLogger
	classify   errtax.Classifier
	timeNow    func() time.Time
}

// NewServer returns a [*Server] stage accepting scfg.Passwords.
func NewServer(cfg *stage.Config, scfg ServerConfig) *Server {
	hashToUser := make(map[string]string, len(scfg.Passwords))
	for pass, user := range scfg.Passwords {
		hashToUser[sha224Hex(pass)] = user
	}
	return &Server{hashToUser: hashToUser, logger: cfg.Logger, classify: cfg.ErrClassifier, timeNow: cfg.TimeNow}
}

// Name implements [stage.Mapper].
func (*Server) Name() string { return "trojan.server" }

// Maps implements [stage.Mapper].
func (s *Server) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("trojan.server: cid %s needs a Conn stream, got none", cid))
	}

	t0 := s.timeNow()
	deadline := t0.Add(readHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	s.logger.Info("trojan.server.handshakeStart", "cid", cid.String(), "deadline", deadline, "t", t0)

	username, target, cmd, preRead, err := s.handshake(conn)

	s.logger.Info("trojan.server.handshakeDone", "cid", cid.String(), "t0", t0, "t", s.timeNow(),
		"err", errString(err), "errClass", s.classifyErr(err))

	if err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("trojan.server: cid %s: %w", cid, err))
	}

	out := stage.Data(outbound.UserData{Username: username})

	if cmd == cmdUDPAssociate {
		return stage.Result{Stream: stage.PacketStream(&packetConn{conn: conn}), Out: out}
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

// handshake reads and validates the password line, command byte, and
// target address, returning any bytes still unread as early data.
//
// Adapted from: original_source/src/map/trojan/server.rs (Server::handshake).
func (s *Server) handshake(conn net.Conn) (username string, target addr.Address, cmd byte, preRead []byte, err error) {
	buf := make([]byte, 0, maxGreetingLen)
	tmp := make([]byte, 4096)
	for {
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if bytes.Contains(buf, []byte{cr, lf}) {
			break
		}
		if rerr != nil {
			return "", addr.Address{}, 0, nil, fmt.Errorf("read greeting: %w", rerr)
		}
		if len(buf) >= maxGreetingLen {
			break
		}
	}

	if len(buf) < 17 {
		return "", addr.Address{}, 0, nil, fmt.Errorf("fallback: greeting too short (%d bytes)", len(buf))
	}
	if len(buf) < passLen+8+1 {
		return "", addr.Address{}, 0, nil, fmt.Errorf("handshake greeting too short (%d bytes)", len(buf))
	}

	hash := string(buf[:passLen])
	username, ok := s.hashToUser[hash]
	if !ok {
		return "", addr.Address{}, 0, nil, fmt.Errorf("password hash not recognized")
	}

	rest := buf[passLen:]
	if rest[0] != cr || rest[1] != lf {
		return "", addr.Address{}, 0, nil, fmt.Errorf("malformed crlf after password")
	}
	cmd = rest[2]
	rest = rest[3:]

	isUDP := false
	switch cmd {
	case cmdConnect:
	case cmdUDPAssociate:
		isUDP = true
	case cmdMux:
		return "", addr.Address{}, 0, nil, fmt.Errorf("cmd MUX not implemented")
	default:
		return "", addr.Address{}, 0, nil, fmt.Errorf("unsupported command %#x", cmd)
	}

	r := bytes.NewReader(rest)
	network := addr.TCP
	if isUDP {
		network = addr.UDP
	}
	target, err = readAddr(r, network)
	if err != nil {
		return "", addr.Address{}, 0, nil, fmt.Errorf("read target address: %w", err)
	}

	var crlf [2]byte
	if _, err = io.ReadFull(r, crlf[:]); err != nil {
		return "", addr.Address{}, 0, nil, fmt.Errorf("read trailing crlf: %w", err)
	}
	if crlf[0] != cr || crlf[1] != lf {
		return "", addr.Address{}, 0, nil, fmt.Errorf("malformed trailing crlf")
	}

	remaining := rest[len(rest)-r.Len():]
	preRead = append([]byte(nil), remaining...)

	return username, target, cmd, preRead, nil
}
