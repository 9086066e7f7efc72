package outbound

import (
	"context"
	"net/netip"
	"regexp"
	"testing"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedMapper string

func (n namedMapper) Name() string { return string(n) }
func (n namedMapper) Maps(context.Context, flow.CID, stage.ProxyBehavior, stage.Params) stage.Result {
	return stage.Result{Stream: stage.NoStream()}
}

func chainOf(name string) pipeline.Iterator {
	return pipeline.Static(stage.Chain{namedMapper(name)})
}

func nameOfFirst(t *testing.T, it pipeline.Iterator) string {
	t.Helper()
	m, ok := it.Next(flow.New(1), nil)
	require.True(t, ok)
	return m.Name()
}

func TestFixedAlwaysReturnsDefault(t *testing.T) {
	sel := Fixed{Default: chainOf("default")}

	it, outTag := sel.Select("whatever", addr.Address{}, nil)
	assert.Equal(t, "default", nameOfFirst(t, it))
	assert.Empty(t, outTag)

	it, outTag = sel.Select("other", addr.Address{}, nil)
	assert.Equal(t, "default", nameOfFirst(t, it))
	assert.Empty(t, outTag)
}

func TestTagRoutesKnownInbound(t *testing.T) {
	sel := Tag{
		RouteMap: map[string]string{"in1": "direct"},
		Outbounds: map[string]pipeline.Iterator{
			"direct": chainOf("direct"),
			"proxy":  chainOf("proxy"),
		},
		Default: chainOf("default"),
	}

	it, outTag := sel.Select("in1", addr.Address{}, nil)
	assert.Equal(t, "direct", nameOfFirst(t, it))
	assert.Equal(t, "direct", outTag)

	it, outTag = sel.Select("unknown-tag", addr.Address{}, nil)
	assert.Equal(t, "default", nameOfFirst(t, it))
	assert.Empty(t, outTag)
}

func TestTagFallsBackWhenOutboundMissing(t *testing.T) {
	sel := Tag{
		RouteMap:  map[string]string{"in1": "ghost"},
		Outbounds: map[string]pipeline.Iterator{},
		Default:   chainOf("default"),
	}
	it, outTag := sel.Select("in1", addr.Address{}, nil)
	assert.Equal(t, "default", nameOfFirst(t, it))
	assert.Empty(t, outTag)
}

func TestTagSelectReturnsIndependentClones(t *testing.T) {
	direct := chainOf("direct")
	sel := Tag{
		RouteMap:  map[string]string{"in1": "direct"},
		Outbounds: map[string]pipeline.Iterator{"direct": direct},
		Default:   chainOf("default"),
	}

	a, _ := sel.Select("in1", addr.Address{}, nil)
	b, _ := sel.Select("in1", addr.Address{}, nil)

	a.Next(flow.New(1), nil)
	assert.Equal(t, "direct", nameOfFirst(t, b))
}

func TestRuleWhitelistRequiresAllPredicates(t *testing.T) {
	sel := Rule{
		Rules: []RuleSet{
			{
				OutboundTag: "blocked",
				Mode:        Whitelist,
				Predicates: Predicates{
					InboundTags:    []string{"in1"},
					DomainLiterals: []string{"example.com"},
				},
			},
		},
		Outbounds: map[string]pipeline.Iterator{"blocked": chainOf("blocked")},
		Default:   chainOf("default"),
	}

	matching, outTag := sel.Select("in1", addr.NewHostName(addr.TCP, "example.com", 443), nil)
	assert.Equal(t, "blocked", nameOfFirst(t, matching))
	assert.Equal(t, "blocked", outTag)

	wrongDomain, outTag := sel.Select("in1", addr.NewHostName(addr.TCP, "other.com", 443), nil)
	assert.Equal(t, "default", nameOfFirst(t, wrongDomain))
	assert.Empty(t, outTag)

	wrongInbound, _ := sel.Select("in2", addr.NewHostName(addr.TCP, "example.com", 443), nil)
	assert.Equal(t, "default", nameOfFirst(t, wrongInbound))
}

func TestRuleBlacklistMatchesAny(t *testing.T) {
	prefix := netip.MustParsePrefix("10.0.0.0/8")
	sel := Rule{
		Rules: []RuleSet{
			{
				OutboundTag: "flagged",
				Mode:        Blacklist,
				Predicates: Predicates{
					CIDRs:         []netip.Prefix{prefix},
					DomainRegexes: []*regexp.Regexp{regexp.MustCompile(`\.internal$`)},
				},
			},
		},
		Outbounds: map[string]pipeline.Iterator{"flagged": chainOf("flagged")},
		Default:   chainOf("default"),
	}

	byIP, _ := sel.Select("in1", addr.NewSocket(addr.TCP, netip.MustParseAddr("10.1.2.3"), 80), nil)
	assert.Equal(t, "flagged", nameOfFirst(t, byIP))

	byDomain, _ := sel.Select("in1", addr.NewHostName(addr.TCP, "svc.internal", 80), nil)
	assert.Equal(t, "flagged", nameOfFirst(t, byDomain))

	clean, _ := sel.Select("in1", addr.NewHostName(addr.TCP, "example.com", 80), nil)
	assert.Equal(t, "default", nameOfFirst(t, clean))
}

func TestRuleMatchesByAuthenticatedUser(t *testing.T) {
	sel := Rule{
		Rules: []RuleSet{
			{OutboundTag: "vip", Mode: Whitelist, Predicates: Predicates{Users: []string{"alice"}}},
		},
		Outbounds: map[string]pipeline.Iterator{"vip": chainOf("vip")},
		Default:   chainOf("default"),
	}

	data := stage.Bag{UserData{Username: "alice"}}
	it, _ := sel.Select("in1", addr.Address{}, data)
	assert.Equal(t, "vip", nameOfFirst(t, it))

	otherUser := stage.Bag{UserData{Username: "bob"}}
	it, _ = sel.Select("in1", addr.Address{}, otherUser)
	assert.Equal(t, "default", nameOfFirst(t, it))

	it, _ = sel.Select("in1", addr.Address{}, nil)
	assert.Equal(t, "default", nameOfFirst(t, it))
}

func TestRuleFallsBackToDefaultWhenNoneMatch(t *testing.T) {
	sel := Rule{Rules: nil, Outbounds: nil, Default: chainOf("default")}
	it, outTag := sel.Select("in1", addr.Address{}, nil)
	assert.Equal(t, "default", nameOfFirst(t, it))
	assert.Empty(t, outTag)
}

func TestRuleFirstMatchingRuleWins(t *testing.T) {
	sel := Rule{
		Rules: []RuleSet{
			{OutboundTag: "first", Mode: Whitelist, Predicates: Predicates{InboundTags: []string{"in1"}}},
			{OutboundTag: "second", Mode: Whitelist, Predicates: Predicates{InboundTags: []string{"in1"}}},
		},
		Outbounds: map[string]pipeline.Iterator{
			"first":  chainOf("first"),
			"second": chainOf("second"),
		},
		Default: chainOf("default"),
	}
	it, outTag := sel.Select("in1", addr.Address{}, nil)
	assert.Equal(t, "first", nameOfFirst(t, it))
	assert.Equal(t, "first", outTag)
}
