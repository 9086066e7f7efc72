// Package h2 provides the HTTP/2 [stage.Mapper]: a layer that tunnels a
// byte stream as the body of one streamed HTTP/2 (or, absent h2 ALPN,
// HTTP/1.1) request/response pair, the technique several proxy protocols
// use to blend in with ordinary HTTPS traffic.
//
// Adapted from: _examples/bassosimone-nop/httpconn.go (HTTPConn,
// HTTPConnFunc) for the ALPN-based transport selection and round-trip
// logging, generalized from a measurement client's "do one RoundTrip and
// inspect the response" use case to a Mapper that turns the request/response
// body pair into a bidirectional [net.Conn] via in-process pipes.
package h2

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/logging"
	"golang.org/x/net/http2"
)

// HTTPConn represents an HTTP "connection": a configured transport bound to
// one already-established [net.Conn]. The caller must call Close when done.
//
// Adapted from: _examples/bassosimone-nop/httpconn.go (struct HTTPConn).
type HTTPConn struct {
	conn          net.Conn
	txp           http.RoundTripper
	closeIdleFunc func()

	classifier errtax.Classifier
	logger     logging.SLogger
	timeNow    func() time.Time
}

// RoundTrip implements [http.RoundTripper], logging a start/done span
// around the underlying transport's round trip.
func (hc *HTTPConn) RoundTrip(req *http.Request) (*http.Response, error) {
	t0 := hc.timeNow()
	deadline, _ := req.Context().Deadline()
	hc.logger.Info("h2.roundTripStart",
		"deadline", deadline,
		"httpMethod", req.Method,
		"httpUrl", req.URL.String(),
		"localAddr", safeconn.LocalAddr(hc.conn),
		"protocol", safeconn.Network(hc.conn),
		"remoteAddr", safeconn.RemoteAddr(hc.conn),
		"t", t0,
	)

	resp, err := hc.txp.RoundTrip(req)

	fields := []any{
		"deadline", deadline,
		"httpMethod", req.Method,
		"httpUrl", req.URL.String(),
		"localAddr", safeconn.LocalAddr(hc.conn),
		"protocol", safeconn.Network(hc.conn),
		"remoteAddr", safeconn.RemoteAddr(hc.conn),
		"t0", t0,
		"t", hc.timeNow(),
	}
	if err != nil {
		fields = append(fields, "err", err.Error(), "errClass", hc.classifier.Classify(err))
	} else {
		fields = append(fields, "httpResponseStatusCode", resp.StatusCode)
	}
	hc.logger.Info("h2.roundTripDone", fields...)
	return resp, err
}

// Close cleans up the transport and closes the underlying connection.
func (hc *HTTPConn) Close() error {
	hc.closeIdleFunc()
	return hc.conn.Close()
}

// newHTTPConn wraps conn into an [*HTTPConn], selecting an HTTP/2 or
// HTTP/1.1 transport based on the ALPN protocol negotiated over conn, if
// any (conn is typically a [tlsstage.Conn]).
//
// Adapted from: _examples/bassosimone-nop/httpconn.go (HTTPConnFunc.Call).
func newHTTPConn(conn net.Conn, classifier errtax.Classifier, logger logging.SLogger, timeNow func() time.Time) *HTTPConn {
	var alpn string
	if csp, ok := conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		alpn = csp.ConnectionState().NegotiatedProtocol
	}

	dialer := sud.NewSingleUseDialer(conn)

	var txp http.RoundTripper
	var closeIdleFunc func()
	if alpn == "h2" {
		h2txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		txp, closeIdleFunc = h2txp, h2txp.CloseIdleConnections
	} else {
		h1txp := &http.Transport{
			DialContext:       dialer.DialContext,
			DialTLSContext:    dialer.DialContext,
			DisableKeepAlives: true,
		}
		txp, closeIdleFunc = h1txp, h1txp.CloseIdleConnections
	}

	return &HTTPConn{
		conn:          conn,
		txp:           txp,
		closeIdleFunc: closeIdleFunc,
		classifier:    classifier,
		logger:        logger,
		timeNow:       timeNow,
	}
}
