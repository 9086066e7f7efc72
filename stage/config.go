package stage

import (
	"context"
	"net"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/trafficrec"
)

// Dialer abstracts outbound dialing so a Dialer stage (see stages/network)
// can be pointed at a [*net.Dialer], a [sud.SingleUseDialer] wrapping an
// already-established connection, or a test fake such as
// [github.com/bassosimone/netstub.FuncDialer].
//
// Adapted from: _examples/bassosimone-nop/connect.go (interface Dialer).
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the dependencies shared by every [Mapper] in a pipeline.
// Pass it to stage constructors to pre-wire them; all fields have sensible
// defaults set by [NewConfig].
//
// Adapted from: _examples/bassosimone-nop/config.go (struct Config,
// NewConfig), extended with the logger/resolver/recorder/CID-allocator
// fields this engine's wider Mapper set needs beyond the teacher's single
// ConnectFunc use case.
type Config struct {
	// Dialer is used by outbound Dialer stages. Defaults to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging. Defaults
	// to [errtax.Default].
	ErrClassifier errtax.Classifier

	// TimeNow returns the current time. Defaults to [time.Now].
	TimeNow func() time.Time

	// Logger receives structured start/done events from every stage.
	// Defaults to [logging.DefaultSLogger] (discards everything).
	Logger logging.SLogger

	// Resolver resolves host names to IPs ahead of a dial. Defaults to
	// [addr.SystemResolver].
	Resolver addr.Resolver

	// Recorder accumulates process-wide connection/traffic counters.
	// Defaults to a fresh, unshared [*trafficrec.Recorder]; callers that
	// want one recorder shared across an entire engine instance should
	// build a single Config and reuse it across stage constructors.
	Recorder *trafficrec.Recorder

	// CIDAllocator mints ids for CIDs that fork mid-flow (an accepted
	// connection, a multiplexed substream). Defaults to
	// [flow.RandomAllocator]; set to a [*flow.Recorder] for ordered CIDs.
	CIDAllocator flow.Allocator
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: errtax.Default,
		TimeNow:       time.Now,
		Logger:        logging.DefaultSLogger(),
		Resolver:      addr.SystemResolver(),
		Recorder:      &trafficrec.Recorder{},
		CIDAllocator:  flow.RandomAllocator{},
	}
}
