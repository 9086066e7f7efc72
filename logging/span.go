package logging

import (
	"time"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
)

// Span logs the start and completion of one bounded operation — a dial, a
// handshake, a DNS exchange — with a consistent field set, so every stage's
// logs are greppable the same way regardless of which protocol it codes.
//
// Adapted from: _examples/bassosimone-nop/observeconn.go and connect.go's
// xStart/xDone pattern, generalized from connection-specific fields to the
// (cid, span, protocol) triple used across all stage kinds.
type Span struct {
	logger   SLogger
	cid      flow.CID
	spanID   string
	protocol string
	start    time.Time
	now      func() time.Time
}

// StartSpan logs the operation's start event and returns a [Span] that logs
// its completion when [Span.Done] is called.
func StartSpan(logger SLogger, cid flow.CID, protocol string, now func() time.Time, args ...any) Span {
	if logger == nil {
		logger = DefaultSLogger()
	}
	if now == nil {
		now = time.Now
	}
	s := Span{
		logger:   logger,
		cid:      cid,
		spanID:   flow.NewSpanID(),
		protocol: protocol,
		start:    now(),
		now:      now,
	}
	logger.Info(protocol+".start", append([]any{"cid", cid.String(), "span", s.spanID}, args...)...)
	return s
}

// Done logs the operation's completion, including elapsed time and, if err
// is non-nil, the error and its classification via classifier.
func (s Span) Done(err error, classifier errtax.Classifier, args ...any) {
	fields := []any{
		"cid", s.cid.String(),
		"span", s.spanID,
		"t", s.now().Sub(s.start),
	}
	if err != nil {
		if classifier == nil {
			classifier = errtax.Default
		}
		fields = append(fields, "err", err.Error(), "errClass", classifier.Classify(err))
		fields = append(fields, args...)
		s.logger.Info(s.protocol+".done", fields...)
		return
	}
	fields = append(fields, args...)
	s.logger.Info(s.protocol+".done", fields...)
}
