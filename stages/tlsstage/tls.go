// Package tlsstage provides the TLS [stage.Mapper]: a layer that performs a
// TLS handshake (client side when encoding an outbound, server side when
// decoding an inbound) over the incoming conn and hands the resulting TLS
// conn to the next layer.
//
// Adapted from: _examples/bassosimone-nop/tls.go (TLSEngine, TLSConn,
// TLSHandshakeFunc) for the handshake/engine/logging shape, generalized
// from client-only to both directions per original_source/src/map/tls.rs.
package tlsstage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Engine builds a new [Conn] for either handshake direction. The default
// [EngineStdlib] wraps crypto/tls; an alternative engine (e.g. a TLS
// fingerprint "parrot") can be substituted by implementing this interface.
//
// Adapted from: _examples/bassosimone-nop/tls.go (interface TLSEngine).
type Engine interface {
	Client(conn net.Conn, config *tls.Config) Conn
	Server(conn net.Conn, config *tls.Config) Conn
	Name() string
	Parrot() string
}

// EngineStdlib implements [Engine] using crypto/tls directly.
type EngineStdlib struct{}

var _ Engine = EngineStdlib{}

func (EngineStdlib) Client(conn net.Conn, config *tls.Config) Conn { return tls.Client(conn, config) }
func (EngineStdlib) Server(conn net.Conn, config *tls.Config) Conn { return tls.Server(conn, config) }
func (EngineStdlib) Name() string                                 { return "stdlib" }
func (EngineStdlib) Parrot() string                                { return "" }

// Conn abstracts over [*tls.Conn] so an alternative TLS implementation can
// stand in for it.
//
// Adapted from: _examples/bassosimone-nop/tls.go (interface TLSConn).
type Conn interface {
	ConnectionState() tls.ConnectionState
	HandshakeContext(ctx context.Context) error
	net.Conn
}

// Stage performs a TLS handshake over params.Stream's conn: client-side
// when behavior is Encode, server-side when Decode.
//
// Adapted from: original_source/src/map/tls.rs (client/server TLS
// mappers) for the direction split, _examples/bassosimone-nop/tls.go for
// the Go handshake/logging implementation.
type Stage struct {
	stage.TagExt
	clientConfig *tls.Config
	serverConfig *tls.Config
	engine       Engine
	classifier   errtax.Classifier
	logger       logging.SLogger
	timeNow      func() time.Time
}

// NewClient returns a [*Stage] that performs a client TLS handshake using
// clientConfig, wired from cfg.
func NewClient(cfg *stage.Config, clientConfig *tls.Config) *Stage {
	runtimex.Assert(clientConfig != nil)
	return newStage(cfg, clientConfig, nil)
}

// NewServer returns a [*Stage] that performs a server TLS handshake using
// serverConfig, wired from cfg.
func NewServer(cfg *stage.Config, serverConfig *tls.Config) *Stage {
	runtimex.Assert(serverConfig != nil)
	return newStage(cfg, nil, serverConfig)
}

func newStage(cfg *stage.Config, clientConfig, serverConfig *tls.Config) *Stage {
	return &Stage{
		clientConfig: clientConfig,
		serverConfig: serverConfig,
		engine:       EngineStdlib{},
		classifier:   cfg.ErrClassifier,
		logger:       cfg.Logger,
		timeNow:      cfg.TimeNow,
	}
}

// Name implements [stage.Mapper].
func (*Stage) Name() string { return "tls" }

// Maps implements [stage.Mapper].
func (s *Stage) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(fmt.Errorf("tls: cid %s needs a Conn stream, got none", cid))
	}

	var tconn Conn
	var config *tls.Config
	if behavior == stage.Decode {
		if s.serverConfig == nil {
			return stage.ErrResult(fmt.Errorf("tls: cid %s has no server config configured", cid))
		}
		config = s.serverConfig.Clone()
		config.Time = s.timeNow
		tconn = s.engine.Server(conn, config)
	} else {
		if s.clientConfig == nil {
			return stage.ErrResult(fmt.Errorf("tls: cid %s has no client config configured", cid))
		}
		config = s.clientConfig.Clone()
		config.Time = s.timeNow
		tconn = s.engine.Client(conn, config)
	}

	t0 := s.timeNow()
	deadline, _ := ctx.Deadline()
	s.logStart(cid, conn, t0, deadline, config)
	err := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	s.logDone(cid, conn, t0, deadline, config, err, state)

	if err != nil {
		tconn.Close()
		return stage.ErrResult(err)
	}

	return stage.Result{
		Stream:    stage.ConnStream(tconn),
		Target:    params.Target,
		HasTarget: params.HasTarget,
		Out:       peerData{cid: cid, state: state},
	}
}

// peerData is the [stage.Data] a TLS handshake publishes: the negotiated
// protocol and the peer certificate chain, useful for routing (e.g. SNI
// sniffing happens ahead of this stage, but ALPN is only known after it).
type peerData struct {
	cid   flow.CID
	state tls.ConnectionState
}

func (peerData) DataKind() string { return "tls.peer" }

// NegotiatedProtocol returns the ALPN protocol chosen during the handshake.
func (d peerData) NegotiatedProtocol() string { return d.state.NegotiatedProtocol }

// PeerCertificates returns the peer's certificate chain.
func (d peerData) PeerCertificates() []*x509.Certificate { return d.state.PeerCertificates }

func (s *Stage) logStart(cid flow.CID, conn net.Conn, t0, deadline time.Time, config *tls.Config) {
	s.logger.Info("tls.handshakeStart",
		"cid", cid.String(),
		"deadline", deadline,
		"localAddr", safeconn.LocalAddr(conn),
		"protocol", safeconn.Network(conn),
		"remoteAddr", safeconn.RemoteAddr(conn),
		"t", t0,
		"tlsEngineName", s.engine.Name(),
		"tlsParrot", s.engine.Parrot(),
		"tlsOfferedProtocols", config.NextProtos,
		"tlsServerName", config.ServerName,
	)
}

func (s *Stage) logDone(cid flow.CID, conn net.Conn, t0, deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	fields := []any{
		"cid", cid.String(),
		"deadline", deadline,
		"localAddr", safeconn.LocalAddr(conn),
		"protocol", safeconn.Network(conn),
		"remoteAddr", safeconn.RemoteAddr(conn),
		"t0", t0,
		"t", s.timeNow(),
		"tlsEngineName", s.engine.Name(),
		"tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite),
		"tlsNegotiatedProtocol", state.NegotiatedProtocol,
		"tlsVersion", tls.VersionName(state.Version),
	}
	if err != nil {
		fields = append(fields, "err", err.Error(), "errClass", s.classifier.Classify(err), "tlsPeerCerts", peerCertRaw(state, err))
	}
	s.logger.Info("tls.handshakeDone", fields...)
}

// peerCertRaw extracts raw peer certificate DER bytes, preferring the
// certificate embedded in a verification error (which crypto/tls otherwise
// discards from ConnectionState on failure) over ConnectionState's list.
//
// Adapted from: _examples/bassosimone-nop/tls.go (TLSHandshakeFunc.peerCerts).
func peerCertRaw(state tls.ConnectionState, err error) [][]byte {
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return [][]byte{hostnameErr.Certificate.Raw}
	}
	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return [][]byte{authorityErr.Cert.Raw}
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return [][]byte{invalidErr.Cert.Raw}
	}
	out := make([][]byte, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return out
}
