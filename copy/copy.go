// Package copy runs the bidirectional relay loops that move bytes between
// a fold's two terminal streams once the routing/handshake layers are
// done: ordinary byte-stream pairs, datagram pairs, and the mixed
// conn/datagram pairing a UDP-associate-over-TCP-control protocol needs.
//
// Adapted from: original_source/src/relay/cp_conn.rs, cp_ac.rs,
// cp_ac_conn.rs.
package copy

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/e1732a364fed/ruci-go/errtax"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/logging"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/e1732a364fed/ruci-go/trafficrec"
)

// Options configures a relay loop. A zero Options is valid: it logs
// nothing, records nothing, and never times out idle packet flows.
type Options struct {
	Logger     logging.SLogger
	Classifier errtax.Classifier
	Recorder   *trafficrec.Recorder
	TimeNow    func() time.Time
	// PreRead is written to Out before the relay loop starts, e.g. a
	// client's early application data that must reach the upstream ahead
	// of anything still unread on In.
	PreRead []byte
	// IdleTimeout bounds how long a packet relay loop waits for the next
	// datagram before giving up; zero means no timeout. Ignored by Conns.
	IdleTimeout time.Duration
	// ShutdownRx, if non-nil, is watched alongside ctx: closing it tears
	// down the relay without requiring ctx itself to be cancelled, e.g. a
	// stage that handed back a dedicated per-flow shutdown signal.
	ShutdownRx <-chan struct{}
}

func (o Options) logger() logging.SLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.DefaultSLogger()
}

func (o Options) timeNow() func() time.Time {
	if o.TimeNow != nil {
		return o.TimeNow
	}
	return time.Now
}

// WatchShutdown arranges for closeFn to run when ctx is cancelled or, if
// opts.ShutdownRx is set, when that channel fires, whichever happens
// first. The returned stop function cancels the watch once the caller has
// already torn things down, the same contract as [context.AfterFunc].
func WatchShutdown(ctx context.Context, opts Options, closeFn func()) (stop func()) {
	if opts.ShutdownRx == nil {
		return context.AfterFunc(ctx, closeFn)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closeFn()
		case <-opts.ShutdownRx:
			closeFn()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Conns relays bytes between two already-connected byte streams until
// either side closes or ctx is cancelled, then closes both. It spawns its
// own goroutines and returns immediately.
//
// Adapted from: original_source/src/relay/cp_conn.rs (cp_conn and its
// four ed/gtr variants, collapsed into one function taking an [Options]
// struct instead of four near-duplicate functions selected by a
// (Option, Option) match, since Go's zero values make the "no early data,
// no recorder" case just the zero Options).
func Conns(ctx context.Context, cid flow.CID, in, out net.Conn, opts Options) {
	go func() {
		logger := opts.logger()
		logger.Debug("copy.connsStart", "cid", cid.String())

		if opts.Recorder != nil {
			opts.Recorder.ConnectionOpened()
			defer opts.Recorder.ConnectionClosed()
		}
		defer logger.Debug("copy.connsEnd", "cid", cid.String())

		if len(opts.PreRead) > 0 {
			if _, err := out.Write(opts.PreRead); err != nil {
				logger.Debug("copy.preReadFailed", "cid", cid.String(), "err", err.Error())
				in.Close()
				out.Close()
				return
			}
			if opts.Recorder != nil {
				opts.Recorder.AddUpload(uint64(len(opts.PreRead)))
			}
		}

		done := make(chan struct{})
		stop := WatchShutdown(ctx, opts, func() {
			in.Close()
			out.Close()
		})
		defer stop()

		go func() {
			n, err := io.Copy(out, in)
			if opts.Recorder != nil {
				opts.Recorder.AddUpload(uint64(n))
			}
			if err != nil {
				logger.Debug("copy.uploadErr", "cid", cid.String(), "err", err.Error())
			}
			out.Close()
			in.Close()
			close(done)
		}()

		n, err := io.Copy(in, out)
		if opts.Recorder != nil {
			opts.Recorder.AddDownload(uint64(n))
		}
		if err != nil {
			logger.Debug("copy.downloadErr", "cid", cid.String(), "err", err.Error())
		}
		in.Close()
		out.Close()
		<-done
	}()
}

// Packets relays datagrams between two [stage.PacketConn]s until either
// side errors, ctx is cancelled, or (if opts.IdleTimeout is non-zero) no
// datagram arrives on a side within that window. It spawns its own
// goroutines and returns immediately.
//
// Adapted from: original_source/src/relay/cp_ac.rs (cp_ac, delegating to
// net::addr_conn::cp) and the read-with-timeout loop in cp_ac_to_c.
func Packets(ctx context.Context, cid flow.CID, in, out stage.PacketConn, opts Options) {
	go func() {
		logger := opts.logger()
		logger.Debug("copy.packetsStart", "cid", cid.String())
		defer logger.Debug("copy.packetsEnd", "cid", cid.String())

		stop := WatchShutdown(ctx, opts, func() {
			in.Close()
			out.Close()
		})
		defer stop()

		done := make(chan struct{})
		go func() {
			relayDatagrams(in, out, opts)
			out.Close()
			in.Close()
			close(done)
		}()

		relayDatagrams(out, in, opts)
		in.Close()
		out.Close()
		<-done
	}()
}

func relayDatagrams(src, dst stage.PacketConn, opts Options) {
	buf := make([]byte, 64*1024)
	for {
		if opts.IdleTimeout > 0 {
			if d, ok := src.(interface{ SetReadDeadline(time.Time) error }); ok {
				_ = d.SetReadDeadline(opts.timeNow()().Add(opts.IdleTimeout))
			}
		}
		n, from, err := src.ReadFrom(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if _, err := dst.WriteTo(buf[:n], from); err != nil {
			return
		}
		if opts.Recorder != nil {
			opts.Recorder.AddUpload(uint64(n))
		}
	}
}

// ConnToPacket copies a byte stream into a datagram flow, wrapping every
// chunk read from in as one datagram addressed to target. Blocks until in
// is exhausted or errors.
//
// Adapted from: original_source/src/relay/cp_ac.rs (cp_c_to_ac).
func ConnToPacket(in net.Conn, out stage.PacketConn, target net.Addr) (n int64, err error) {
	buf := make([]byte, 64*1024)
	for {
		rn, rerr := in.Read(buf)
		if rn > 0 {
			wn, werr := out.WriteTo(buf[:rn], target)
			n += int64(wn)
			if werr != nil {
				return n, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return n, nil
			}
			return n, rerr
		}
	}
}

// PacketToConn copies a datagram flow into a byte stream, discarding each
// datagram's source address. Blocks until in errors or ctx is cancelled.
//
// Adapted from: original_source/src/relay/cp_ac.rs (cp_ac_to_c).
func PacketToConn(ctx context.Context, in stage.PacketConn, out net.Conn) (n int64, err error) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		rn, _, rerr := in.ReadFrom(buf)
		if rn > 0 {
			wn, werr := out.Write(buf[:rn])
			n += int64(wn)
			if werr != nil {
				return n, werr
			}
		}
		if rerr != nil {
			return n, rerr
		}
	}
}
