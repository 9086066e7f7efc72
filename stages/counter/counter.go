// Package counter provides the Counter [stage.Mapper]: a layer that wraps
// a conn purely to instrument its own traffic, publishing per-layer
// upload/download byte counts as [stage.Data] rather than relaying them
// through a global recorder. It is distinct from [trafficrec.Recorder],
// which tracks process-wide totals: Counter tracks one layer of one flow,
// so a chain with several codec layers can report how many bytes each
// layer actually moved (as opposed to the raw wire bytes the outermost
// listener/dialer conn saw).
//
// Adapted from: original_source/src/map/counter.rs (CounterConn,
// CounterData) for the accounting shape, and
// _examples/bassosimone-nop/observeconn.go (ObserveConnFunc, observedConn)
// for the Go wrapped-net.Conn idiom and structured start/done logging.
package counter

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Data is the [stage.Data] a Counter stage publishes: cumulative
// upload/download byte counts for the one conn it wraps.
//
// Adapted from: original_source/src/map/counter.rs (struct CounterData).
type Data struct {
	Cid      flow.CID
	Upload   *atomic.Uint64
	Download *atomic.Uint64
}

// DataKind implements [stage.Data].
func (Data) DataKind() string { return "counter.bytes" }

// Counter wraps params.Stream's conn with byte counting and publishes the
// running totals as [Data] in the result.
type Counter struct {
	stage.TagExt
	logger     logging.SLogger
	classifier errtax.Classifier
	timeNow    func() time.Time
}

// NewCounter returns a [*Counter] stage wired from cfg.
func NewCounter(cfg *stage.Config) *Counter {
	return &Counter{logger: cfg.Logger, classifier: cfg.ErrClassifier, timeNow: cfg.TimeNow}
}

// Name implements [stage.Mapper].
func (*Counter) Name() string { return "counter" }

// Maps implements [stage.Mapper].
func (c *Counter) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	conn, ok := params.Stream.Conn()
	if !ok {
		return stage.ErrResult(errNeedsConn)
	}

	data := Data{Cid: cid, Upload: new(atomic.Uint64), Download: new(atomic.Uint64)}
	wrapped := &countedConn{
		Conn:       conn,
		cid:        cid,
		data:       data,
		logger:     c.logger,
		classifier: c.classifier,
		timeNow:    c.timeNow,
		laddr:      safeconn.LocalAddr(conn),
		raddr:      safeconn.RemoteAddr(conn),
		protocol:   safeconn.Network(conn),
	}

	return stage.Result{
		Stream:    stage.ConnStream(wrapped),
		Target:    params.Target,
		HasTarget: params.HasTarget,
		PreRead:   params.PreRead,
		Out:       data,
	}
}

var errNeedsConn = needsConnErr("counter")

type needsConnErr string

func (e needsConnErr) Error() string { return string(e) + ": needs a Conn stream, got none" }

// countedConn wraps a [net.Conn], tallying bytes moved in each direction
// into its [Data] and emitting the same structured close event
// [observedConn] does in the teacher package.
type countedConn struct {
	net.Conn
	cid        flow.CID
	data       Data
	logger     logging.SLogger
	classifier errtax.Classifier
	timeNow    func() time.Time
	laddr      string
	raddr      string
	protocol   string
	closeOnce  sync.Once
}

func (c *countedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.data.Download.Add(uint64(n))
	}
	return n, err
}

func (c *countedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.data.Upload.Add(uint64(n))
	}
	return n, err
}

func (c *countedConn) Close() (err error) {
	err = net.ErrClosed
	c.closeOnce.Do(func() {
		t0 := c.timeNow()
		c.logger.Info("counter.closeStart",
			"cid", c.cid.String(),
			"localAddr", c.laddr,
			"remoteAddr", c.raddr,
			"protocol", c.protocol,
			"t", t0,
		)
		err = c.Conn.Close()
		c.logger.Info("counter.closeDone",
			"cid", c.cid.String(),
			"localAddr", c.laddr,
			"remoteAddr", c.raddr,
			"protocol", c.protocol,
			"upload", c.data.Upload.Load(),
			"download", c.data.Download.Load(),
			"err", errString(err),
			"errClass", c.classifier.Classify(err),
			"t0", t0,
			"t", c.timeNow(),
		)
	})
	return
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
