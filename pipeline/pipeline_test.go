package pipeline

import (
	"context"
	"testing"

	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedMapper string

func (n namedMapper) Name() string { return string(n) }
func (n namedMapper) Maps(context.Context, flow.CID, stage.ProxyBehavior, stage.Params) stage.Result {
	return stage.Result{}
}

func TestStaticIterWalksInOrder(t *testing.T) {
	chain := stage.Chain{namedMapper("a"), namedMapper("b")}
	it := Static(chain)

	m, ok := it.Next(flow.CID{}, nil)
	require.True(t, ok)
	assert.Equal(t, "a", m.Name())

	m, ok = it.Next(flow.CID{}, nil)
	require.True(t, ok)
	assert.Equal(t, "b", m.Name())

	_, ok = it.Next(flow.CID{}, nil)
	assert.False(t, ok)
}

func TestStaticIterCloneIsIndependent(t *testing.T) {
	chain := stage.Chain{namedMapper("a"), namedMapper("b")}
	it := Static(chain)
	_, _ = it.Next(flow.CID{}, nil)

	clone := it.Clone()
	_, _ = it.Next(flow.CID{}, nil)

	m, ok := clone.Next(flow.CID{}, nil)
	require.True(t, ok)
	assert.Equal(t, "b", m.Name())
}

func TestDynamicIterCallsSelector(t *testing.T) {
	calls := 0
	it := Dynamic(func(cid flow.CID, data stage.Bag) (stage.Mapper, bool) {
		calls++
		if calls > 1 {
			return nil, false
		}
		return namedMapper("only"), true
	})

	m, ok := it.Next(flow.CID{}, nil)
	require.True(t, ok)
	assert.Equal(t, "only", m.Name())

	_, ok = it.Next(flow.CID{}, nil)
	assert.False(t, ok)
}
