package fold

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubData string

func (s stubData) DataKind() string { return string(s) }

type stubMapper struct {
	stage.TagExt
	name   string
	result stage.Result
}

func (m stubMapper) Name() string { return m.name }
func (m stubMapper) Maps(context.Context, flow.CID, stage.ProxyBehavior, stage.Params) stage.Result {
	return m.result
}

func TestFoldStopsOnNoneStream(t *testing.T) {
	chain := stage.Chain{
		stubMapper{name: "a", result: stage.Result{Stream: stage.NoStream(), Out: stubData("a-data")}},
		stubMapper{name: "b", result: stage.Result{Stream: stage.NoStream(), Out: stubData("b-data")}},
	}
	r := Fold(context.Background(), Params{
		CID:     flow.New(1),
		Mappers: pipeline.Static(chain),
		Initial: stage.Result{Stream: stage.NoStream()},
	})
	require.NoError(t, r.Err)
	_, found := r.Out.Find("a-data")
	assert.True(t, found)
	_, found = r.Out.Find("b-data")
	assert.False(t, found, "fold must stop at the first mapper returning no stream")
}

func TestFoldStopsOnError(t *testing.T) {
	wantErr := assert.AnError
	chain := stage.Chain{
		stubMapper{name: "a", result: stage.Result{Err: wantErr}},
		stubMapper{name: "b", result: stage.Result{Out: stubData("unreached")}},
	}
	r := Fold(context.Background(), Params{
		CID:     flow.New(1),
		Mappers: pipeline.Static(chain),
	})
	assert.ErrorIs(t, r.Err, wantErr)
	_, found := r.Out.Find("unreached")
	assert.False(t, found)
}

func TestFoldStopsOnGeneratorAndReturnsLeftovers(t *testing.T) {
	ch := make(chan stage.GeneratedFlow)
	close(ch)
	chain := stage.Chain{
		stubMapper{name: "listener", result: stage.Result{Stream: stage.GeneratorStream(stage.Generator{Next: ch})}},
		stubMapper{name: "never", result: stage.Result{Out: stubData("unreached")}},
	}
	r := Fold(context.Background(), Params{
		CID:     flow.New(1),
		Mappers: pipeline.Static(chain),
	})
	require.NoError(t, r.Err)
	assert.Equal(t, stage.KindGenerator, r.Stream.Kind())
	m, ok := r.Left.Next(flow.CID{}, nil)
	require.True(t, ok)
	assert.Equal(t, "never", m.Name())
}

func TestFoldUsesFirstTaggedMapperForChainTag(t *testing.T) {
	chain := stage.Chain{
		stubMapper{name: "a", TagExt: stage.TagExt{TagName: "outboundA"}, result: stage.Result{Stream: stage.NoStream()}},
	}
	r := Fold(context.Background(), Params{
		CID:     flow.New(1),
		Mappers: pipeline.Static(chain),
	})
	assert.Equal(t, "outboundA", r.ChainTag)
}

// cidCapturingMapper records the CID it was called with.
type cidCapturingMapper struct {
	stage.TagExt
	name     string
	result   stage.Result
	gotCID   *flow.CID
	gotCIDOK *bool
}

func (m cidCapturingMapper) Name() string { return m.name }
func (m cidCapturingMapper) Maps(_ context.Context, cid flow.CID, _ stage.ProxyBehavior, _ stage.Params) stage.Result {
	*m.gotCID = cid
	*m.gotCIDOK = true
	return m.result
}

func TestFoldUsesNewCIDForSubsequentStages(t *testing.T) {
	rootCID := flow.New(1)
	rootedCID := flow.New(2)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	var seenByB flow.CID
	var gotB bool
	chain := stage.Chain{
		stubMapper{name: "a", result: stage.Result{
			Stream: stage.ConnStream(c1), NewCID: rootedCID, HasNewCID: true,
		}},
		cidCapturingMapper{name: "b", result: stage.Result{Stream: stage.NoStream()}, gotCID: &seenByB, gotCIDOK: &gotB},
	}
	r := Fold(context.Background(), Params{
		CID:     rootCID,
		Mappers: pipeline.Static(chain),
	})

	require.True(t, gotB)
	assert.Equal(t, rootedCID, seenByB)
	assert.Equal(t, rootCID, r.CID, "b, the last stage, set no new_id, so the final CID falls back to the fold's own CID")
}

func TestFoldFallsBackToStartingCIDWhenLaterStageOmitsNewCID(t *testing.T) {
	rootCID := flow.New(1)
	rootedCID := flow.New(2)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	var seenByC flow.CID
	var gotC bool
	chain := stage.Chain{
		stubMapper{name: "a", result: stage.Result{
			Stream: stage.ConnStream(c1), NewCID: rootedCID, HasNewCID: true,
		}},
		stubMapper{name: "b", result: stage.Result{Stream: stage.ConnStream(c1)}},
		cidCapturingMapper{name: "c", result: stage.Result{Stream: stage.NoStream()}, gotCID: &seenByC, gotCIDOK: &gotC},
	}
	r := Fold(context.Background(), Params{
		CID:     rootCID,
		Mappers: pipeline.Static(chain),
	})

	require.True(t, gotC)
	assert.Equal(t, rootCID, seenByC, "b's result carried no new_id, so c must see the fold's original starting CID")
	assert.Equal(t, rootCID, r.CID)
}

func TestFoldPropagatesNoTimeoutAndShutdownRx(t *testing.T) {
	shutdownRx := make(chan struct{})
	chain := stage.Chain{
		stubMapper{name: "a", result: stage.Result{
			Stream: stage.NoStream(), NoTimeout: true, ShutdownRx: shutdownRx,
		}},
	}
	r := Fold(context.Background(), Params{
		CID:     flow.New(1),
		Mappers: pipeline.Static(chain),
	})
	assert.True(t, r.NoTimeout)
	assert.Equal(t, (<-chan struct{})(shutdownRx), r.ShutdownRx)
}

func TestFoldAbortsWhenHandshakeTimesOut(t *testing.T) {
	// A parent ctx with a deadline well inside DefaultHandshakeTimeout
	// still bounds the fold: context.WithTimeout never extends a
	// shorter deadline it is derived from.
	parentCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	blocks := make(chan struct{})
	defer close(blocks)
	chain := stage.Chain{
		blockingMapper{name: "slow", unblock: blocks},
	}
	r := Fold(parentCtx, Params{
		CID:     flow.New(1),
		Mappers: pipeline.Static(chain),
	})
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
}

// blockingMapper blocks on ctx instead of unblock to simulate a stage that
// never returns before the handshake deadline fires.
type blockingMapper struct {
	stage.TagExt
	name    string
	unblock <-chan struct{}
}

func (m blockingMapper) Name() string { return m.name }
func (m blockingMapper) Maps(ctx context.Context, _ flow.CID, _ stage.ProxyBehavior, _ stage.Params) stage.Result {
	select {
	case <-ctx.Done():
		return stage.ErrResult(ctx.Err())
	case <-m.unblock:
		return stage.Result{Stream: stage.NoStream()}
	}
}
