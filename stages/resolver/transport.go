// Package resolver provides [addr.Resolver] implementations backed by
// explicit DNS transports — UDP, TCP, TLS (DoT), HTTPS (DoH) — each
// performing its exchange over a conn the caller already dialed, so the
// resolver stage composes with the same Dialer/TLS stages every other
// outbound uses rather than hard-coding its own dial logic.
//
// Adapted from: _examples/bassosimone-nop/dnsoverudp.go,
// dnsovertcp.go, dnsovertls.go, dnsoverhttps.go, and dnsexchange.go
// (DNSExchangeLogContext), consolidated from four near-identical
// "ConnFunc"-returning-"Conn"-with-Exchange types into one [Transport]
// interface with four constructors, since ruci only needs a Resolver
// implementation and not the teacher's pipeline-composable intermediate
// types.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stages/h2"
)

// unusedDialer panics if dialed; every Transport here exchanges over a
// pre-established conn and must never dial on its own.
type unusedDialer struct{}

func (unusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("resolver: DNS transport must not dial; this is a programming error")
}

// Transport performs one DNS query/response exchange over an owned conn.
type Transport interface {
	Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error)
	Close() error
}

// exchangeLog consolidates the start/done/query/response logging shared by
// every transport kind.
//
// Adapted from: _examples/bassosimone-nop/dnsexchange.go
// (DNSExchangeLogContext).
type exchangeLog struct {
	classifier     errtax.Classifier
	logger         logging.SLogger
	timeNow        func() time.Time
	localAddr      string
	protocol       string
	remoteAddr     string
	serverProtocol string
}

func newExchangeLog(conn net.Conn, serverProtocol string, classifier errtax.Classifier, logger logging.SLogger, timeNow func() time.Time) *exchangeLog {
	return &exchangeLog{
		classifier:     classifier,
		logger:         logger,
		timeNow:        timeNow,
		localAddr:      safeconn.LocalAddr(conn),
		protocol:       safeconn.Network(conn),
		remoteAddr:     safeconn.RemoteAddr(conn),
		serverProtocol: serverProtocol,
	}
}

func (lc *exchangeLog) start(t0, deadline time.Time) {
	lc.logger.Info("resolver.exchangeStart",
		"deadline", deadline,
		"localAddr", lc.localAddr,
		"protocol", lc.protocol,
		"remoteAddr", lc.remoteAddr,
		"serverProtocol", lc.serverProtocol,
		"t", t0,
	)
}

func (lc *exchangeLog) done(t0, deadline time.Time, err error) {
	fields := []any{
		"deadline", deadline,
		"localAddr", lc.localAddr,
		"protocol", lc.protocol,
		"remoteAddr", lc.remoteAddr,
		"serverProtocol", lc.serverProtocol,
		"t0", t0,
		"t", lc.timeNow(),
	}
	if err != nil {
		fields = append(fields, "err", err.Error(), "errClass", lc.classifier.Classify(err))
	}
	lc.logger.Info("resolver.exchangeDone", fields...)
}

func (lc *exchangeLog) queryObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		lc.logger.Debug("resolver.dnsQuery",
			"serverProtocol", lc.serverProtocol,
			"localAddr", lc.localAddr,
			"protocol", lc.protocol,
			"remoteAddr", lc.remoteAddr,
			"t", t0,
		)
		*rqr = rawQuery
	}
}

func (lc *exchangeLog) responseObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawResp []byte) {
		lc.logger.Debug("resolver.dnsResponse",
			"serverProtocol", lc.serverProtocol,
			"localAddr", lc.localAddr,
			"protocol", lc.protocol,
			"remoteAddr", lc.remoteAddr,
			"t0", t0,
			"t", lc.timeNow(),
		)
	}
}

// udpTransport exchanges DNS-over-UDP over an owned conn.
//
// Adapted from: _examples/bassosimone-nop/dnsoverudp.go (DNSOverUDPConn).
type udpTransport struct {
	conn       net.Conn
	classifier errtax.Classifier
	logger     logging.SLogger
	timeNow    func() time.Time
}

// NewUDP wraps conn (already dialed to a DNS-over-UDP server) as a
// [Transport].
func NewUDP(conn net.Conn, classifier errtax.Classifier, logger logging.SLogger, timeNow func() time.Time) Transport {
	return &udpTransport{conn: conn, classifier: classifier, logger: logger, timeNow: timeNow}
}

func (t *udpTransport) Close() error { return t.conn.Close() }

func (t *udpTransport) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	lc := newExchangeLog(t.conn, "udp", t.classifier, t.logger, t.timeNow)
	t0 := t.timeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte

	txp := minest.NewDNSOverUDPTransport(unusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.queryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.responseObserver(t0, &rqr)

	lc.start(t0, deadline)
	resp, err := txp.ExchangeWithConn(ctx, t.conn, query)
	lc.done(t0, deadline, err)
	return resp, err
}

// streamTransport exchanges DNS-over-TCP or DNS-over-TLS over an owned
// conn, differing only in which [dnsoverstream] stream opener wraps conn.
//
// Adapted from: _examples/bassosimone-nop/dnsovertcp.go,
// _examples/bassosimone-nop/dnsovertls.go.
type streamTransport struct {
	conn       net.Conn
	serverProt string
	tls        bool
	classifier errtax.Classifier
	logger     logging.SLogger
	timeNow    func() time.Time
}

// NewTCP wraps conn (already dialed to a DNS-over-TCP server) as a
// [Transport].
func NewTCP(conn net.Conn, classifier errtax.Classifier, logger logging.SLogger, timeNow func() time.Time) Transport {
	return &streamTransport{conn: conn, serverProt: "tcp", classifier: classifier, logger: logger, timeNow: timeNow}
}

// NewTLS wraps conn (already handshaken to a DNS-over-TLS server) as a
// [Transport]. Padding and DNSSEC are requested per dnsoverstream's
// TLS stream opener default.
func NewTLS(conn net.Conn, classifier errtax.Classifier, logger logging.SLogger, timeNow func() time.Time) Transport {
	return &streamTransport{conn: conn, serverProt: "dot", tls: true, classifier: classifier, logger: logger, timeNow: timeNow}
}

func (t *streamTransport) Close() error { return t.conn.Close() }

func (t *streamTransport) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	lc := newExchangeLog(t.conn, t.serverProt, t.classifier, t.logger, t.timeNow)
	t0 := t.timeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte

	streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(unusedDialer{})
	txp := dnsoverstream.NewTransport(streamDialer, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.queryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.responseObserver(t0, &rqr)

	lc.start(t0, deadline)
	var resp *dnscodec.Response
	var err error
	if t.tls {
		resp, err = txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTLSStreamOpener(t.conn), query)
	} else {
		resp, err = txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(t.conn), query)
	}
	lc.done(t0, deadline, err)
	return resp, err
}

// httpsTransport exchanges DNS-over-HTTPS over an owned [*h2.HTTPConn].
//
// Adapted from: _examples/bassosimone-nop/dnsoverhttps.go
// (DNSOverHTTPSConn).
type httpsTransport struct {
	hc         *h2.HTTPConn
	url        string
	classifier errtax.Classifier
	logger     logging.SLogger
	timeNow    func() time.Time
}

// NewHTTPS wraps hc (an HTTP/1.1 or HTTP/2 conn already established to a
// DoH server) as a [Transport], issuing queries to url.
func NewHTTPS(hc *h2.HTTPConn, url string, classifier errtax.Classifier, logger logging.SLogger, timeNow func() time.Time) Transport {
	return &httpsTransport{hc: hc, url: url, classifier: classifier, logger: logger, timeNow: timeNow}
}

func (t *httpsTransport) Close() error { return t.hc.Close() }

func (t *httpsTransport) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	lc := &exchangeLog{classifier: t.classifier, logger: t.logger, timeNow: t.timeNow, serverProtocol: "doh"}
	t0 := t.timeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte

	lc.start(t0, deadline)
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, t.url, lc.queryObserver(t0, &rqr))
	if err != nil {
		lc.done(t0, deadline, err)
		return nil, err
	}

	httpResp, err := t.hc.RoundTrip(httpReq)
	if err != nil {
		lc.done(t0, deadline, err)
		return nil, err
	}

	resp, err := dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.responseObserver(t0, &rqr))
	lc.done(t0, deadline, err)
	return resp, err
}
