package network

import (
	"context"
	"fmt"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Dialer dials a preconfigured address regardless of params.Target, unlike
// [Direct] which always dials params.Target. It is used as an outbound
// whose destination is fixed by configuration rather than by whatever an
// inbound decode chain resolved — e.g. a port-forward outbound.
//
// Adapted from: original_source/src/map/network/mod.rs (struct Dialer).
type Dialer struct {
	stage.TagExt
	cfg    *stage.Config
	target addr.Address
}

// NewDialer returns a [*Dialer] stage that always dials target.
func NewDialer(cfg *stage.Config, target addr.Address) *Dialer {
	return &Dialer{cfg: cfg, target: target}
}

// Name implements [stage.Mapper].
func (*Dialer) Name() string { return "dialer" }

// Maps implements [stage.Mapper].
func (d *Dialer) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	if params.Stream.Kind() != stage.KindNone {
		return stage.ErrResult(fmt.Errorf("dialer: cid %s already has a stream, can't dial again", cid))
	}

	sa, err := d.target.ResolveVia(ctx, d.cfg.Resolver)
	if err != nil {
		return stage.ErrResult(err)
	}

	conn, err := dial(ctx, d.cfg, "dialer", cid, d.target.Network.String(), sa.String())
	if err != nil {
		return stage.ErrResult(err)
	}

	if len(params.PreRead) > 0 {
		if _, err := conn.Write(params.PreRead); err != nil {
			conn.Close()
			return stage.ErrResult(fmt.Errorf("dialer: write early data: %w", err))
		}
	}

	return stage.Result{Stream: stage.ConnStream(conn), Target: params.Target, HasTarget: params.HasTarget}
}
