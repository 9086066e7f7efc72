// Package stdio provides two single-stream-generator [stage.Mapper]s:
// [Stdio], which wraps the process's own stdin/stdout as a stream, and
// [FileIO], which wraps a pair of files with optional read throttling.
// Both behave like stages/network's Dialer in shape — each Maps call
// manufactures one fresh stream rather than relaying an existing one —
// but the stream comes from local I/O instead of a dialed socket.
//
// Adapted from: original_source/src/map/stdio.rs (struct Stdio, struct
// Conn), whose own doc comment notes it is, behaviorally, "a single
// stream generator" much like network::Dialer.
package stdio

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// pseudoAddr is the fixed address reported by the [net.Conn]s this
// package manufactures, none of which has a real network address.
type pseudoAddr string

func (a pseudoAddr) Network() string { return "local" }
func (a pseudoAddr) String() string  { return string(a) }

// fileLike is the subset of *os.File this package depends on, so tests
// can substitute an in-memory fake for both Stdio and FileIO without
// touching the real filesystem or process stdio.
type fileLike interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// duplexConn joins a separate reader and writer into one [net.Conn],
// closing both on Close. Deadlines are no-ops: stdio and plain files
// don't support them portably.
//
// Adapted from: original_source/src/map/stdio.rs (struct Conn), which
// likewise just forwards poll_read/poll_write to a pinned input and a
// separate pinned output.
type duplexConn struct {
	in, out fileLike
	name    string
}

func (c *duplexConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *duplexConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c *duplexConn) Close() error {
	errIn := c.in.Close()
	errOut := c.out.Close()
	if errIn != nil {
		return errIn
	}
	return errOut
}

func (c *duplexConn) LocalAddr() net.Addr             { return pseudoAddr(c.name) }
func (c *duplexConn) RemoteAddr() net.Addr            { return pseudoAddr(c.name) }
func (c *duplexConn) SetDeadline(time.Time) error      { return nil }
func (c *duplexConn) SetReadDeadline(time.Time) error  { return nil }
func (c *duplexConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = (*duplexConn)(nil)

// Stdio wraps the process's own stdin/stdout as a single conn, handing
// it onward as though it had been dialed or accepted. There is no
// fold-layer "tail of chain" concept in this engine the way there is in
// original_source, so unlike a mid-chain stage, Stdio always flushes
// PreRead immediately — like [network.Dialer], it is inherently the
// terminal stage of whatever chain it appears in.
//
// Adapted from: original_source/src/map/stdio.rs (struct Stdio).
type Stdio struct {
	stage.TagExt
	cfg    *stage.Config
	target addr.Address
	hasTgt bool
}

// NewStdio returns a [*Stdio] stage. target is reported to downstream
// stages when params carries none of its own; the zero [addr.Address]
// means no target is reported.
func NewStdio(cfg *stage.Config, target addr.Address, hasTarget bool) *Stdio {
	return &Stdio{cfg: cfg, target: target, hasTgt: hasTarget}
}

// Name implements [stage.Mapper].
func (*Stdio) Name() string { return "stdio" }

// Maps implements [stage.Mapper].
func (s *Stdio) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	if params.Stream.Kind() != stage.KindNone {
		return stage.ErrResult(fmt.Errorf("stdio: cid %s can't generate a stream when there's already one", cid))
	}

	conn := &duplexConn{in: os.Stdin, out: os.Stdout, name: "stdio"}

	target, hasTarget := params.Target, params.HasTarget
	if !hasTarget {
		target, hasTarget = s.target, s.hasTgt
	}

	if err := writeEarlyData(conn, params.PreRead); err != nil {
		conn.Close()
		return stage.ErrResult(fmt.Errorf("stdio: cid %s: %w", cid, err))
	}

	return stage.Result{Stream: stage.ConnStream(conn), Target: target, HasTarget: hasTarget}
}

// writeEarlyData flushes preRead into conn immediately: a generator
// stage manufactures the terminal end of a pipeline, so there is no
// next hop to forward PreRead to — it must be written here or never.
func writeEarlyData(conn net.Conn, preRead []byte) error {
	if len(preRead) == 0 {
		return nil
	}
	if _, err := conn.Write(preRead); err != nil {
		return fmt.Errorf("write early data: %w", err)
	}
	return nil
}
