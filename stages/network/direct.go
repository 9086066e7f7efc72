// Package network provides the basic, protocol-agnostic [stage.Mapper]
// kinds: outbound dialing (Direct, Dialer), listening, and two terminal
// test/utility mappers (Blackhole, Echo).
//
// Adapted from: original_source/src/map/network/mod.rs (BlackHole, Direct,
// Dialer) and _examples/bassosimone-nop/connect.go (ConnectFunc) for the
// dial/logging shape.
package network

import (
	"context"
	"fmt"
	"net"

	"github.com/bassosimone/safeconn"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Direct dials params.Target directly and passes through any early data.
// Unlike [Dialer], Direct never accepts a preconfigured target of its own —
// it only ever dials whatever target a prior decode layer produced.
//
// Adapted from: original_source/src/map/network/mod.rs (struct Direct).
type Direct struct {
	stage.TagExt
	cfg *stage.Config
}

// NewDirect returns a [*Direct] stage wired from cfg.
func NewDirect(cfg *stage.Config) *Direct { return &Direct{cfg: cfg} }

// Name implements [stage.Mapper].
func (*Direct) Name() string { return "direct" }

// Maps implements [stage.Mapper].
func (d *Direct) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	if !params.HasTarget {
		return stage.ErrResult(fmt.Errorf("direct: cid %s needs params.Target, got none", cid))
	}
	target := params.Target

	sa, err := target.ResolveVia(ctx, d.cfg.Resolver)
	if err != nil {
		return stage.ErrResult(err)
	}

	conn, err := dial(ctx, d.cfg, "direct", cid, target.Network.String(), sa.String())
	if err != nil {
		return stage.ErrResult(err)
	}

	if len(params.PreRead) > 0 {
		if _, err := conn.Write(params.PreRead); err != nil {
			conn.Close()
			return stage.ErrResult(fmt.Errorf("direct: write early data: %w", err))
		}
	}

	return stage.Result{Stream: stage.ConnStream(conn)}
}

// dial performs a logged dial through cfg's Dialer, recording start/done
// span events in the shared convention (see package logging).
//
// Adapted from: _examples/bassosimone-nop/connect.go (ConnectFunc.Call,
// logConnectStart, logConnectDone).
func dial(ctx context.Context, cfg *stage.Config, protocol string, cid flow.CID, network, address string) (net.Conn, error) {
	t0 := cfg.TimeNow()
	deadline, _ := ctx.Deadline()
	cfg.Logger.Info(protocol+".dialStart",
		"cid", cid.String(),
		"protocol", network,
		"remoteAddr", address,
		"deadline", deadline,
		"t", t0,
	)

	conn, err := cfg.Dialer.DialContext(ctx, network, address)

	if err != nil {
		cfg.Logger.Info(protocol+".dialDone",
			"cid", cid.String(),
			"protocol", network,
			"remoteAddr", address,
			"t0", t0,
			"t", cfg.TimeNow(),
			"err", err.Error(),
			"errClass", cfg.ErrClassifier.Classify(err),
		)
		return nil, fmt.Errorf("%s: dial %s %s: %w", protocol, network, address, err)
	}

	cfg.Logger.Info(protocol+".dialDone",
		"cid", cid.String(),
		"protocol", network,
		"remoteAddr", address,
		"localAddr", safeconn.LocalAddr(conn),
		"t0", t0,
		"t", cfg.TimeNow(),
	)
	return conn, nil
}
