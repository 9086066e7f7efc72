package flow

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 identifying a span: a single sub-operation
// within a flow that can fail in one specific way, e.g. a TLS handshake
// with a specific endpoint or one DNS exchange. Unlike [CID], a SpanID
// never appears in fold/routing semantics — it exists purely to let a log
// aggregator correlate the start/done pair of events a stage emits for one
// such operation without re-parsing message text.
//
// Adapted from: _examples/bassosimone-nop/spanid.go (NewSpanID).
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
