package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesFixedOutboundConfig(t *testing.T) {
	path := writeTempConfig(t, `
inbounds:
  - tag: in1
    chain:
      - kind: listener
        listen_addr: "tcp://127.0.0.1:1080"
      - kind: socks5_server
        support_udp: true
outbounds:
  - tag: direct
    chain:
      - kind: direct
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Inbounds, 1)
	require.Len(t, cfg.Inbounds[0].Chain, 2)

	assert.Equal(t, "in1", cfg.Inbounds[0].Tag)
	assert.Equal(t, "listener", cfg.Inbounds[0].Chain[0].Kind)
	require.NotNil(t, cfg.Inbounds[0].Chain[0].Listener)
	assert.Equal(t, "tcp://127.0.0.1:1080", cfg.Inbounds[0].Chain[0].Listener.ListenAddr)

	require.NotNil(t, cfg.Inbounds[0].Chain[1].SOCKS5Server)
	assert.True(t, cfg.Inbounds[0].Chain[1].SOCKS5Server.SupportUDP)

	require.Len(t, cfg.Outbounds, 1)
	assert.Equal(t, "direct", cfg.Outbounds[0].Tag)
	require.NotNil(t, cfg.Outbounds[0].Chain[0].Direct)
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	path := writeTempConfig(t, `
outbounds:
  - tag: direct
    chain:
      - kind: teleport
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingKind(t *testing.T) {
	path := writeTempConfig(t, `
outbounds:
  - tag: direct
    chain:
      - {}
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestBuildRejectsNoOutbounds(t *testing.T) {
	_, err := Build(&StaticConfig{}, stage.NewConfig())
	assert.Error(t, err)
}

func TestBuildRejectsDuplicateOutboundTag(t *testing.T) {
	cfg := &StaticConfig{
		Outbounds: []ChainSpec{
			{Tag: "direct", Chain: []StageSpec{{Kind: "direct", Direct: &struct{}{}}}},
			{Tag: "direct", Chain: []StageSpec{{Kind: "blackhole", Blackhole: &struct{}{}}}},
		},
	}
	_, err := Build(cfg, stage.NewConfig())
	assert.Error(t, err)
}

func TestBuildAssemblesFixedSelectorFromFirstOutbound(t *testing.T) {
	cfg := &StaticConfig{
		Inbounds: []ChainSpec{
			{Tag: "in1", Chain: []StageSpec{{Kind: "direct", Direct: &struct{}{}}}},
		},
		Outbounds: []ChainSpec{
			{Tag: "direct", Chain: []StageSpec{{Kind: "direct", Direct: &struct{}{}}}},
			{Tag: "blocked", Chain: []StageSpec{{Kind: "blackhole", Blackhole: &struct{}{}}}},
		},
	}
	ec, err := Build(cfg, stage.NewConfig())
	require.NoError(t, err)
	require.Len(t, ec.Inbounds, 1)
	require.Contains(t, ec.Outbounds, "direct")
	require.Contains(t, ec.Outbounds, "blocked")

	it, outTag := ec.Selector.Select("in1", addr.Address{}, nil)
	require.NotNil(t, it)
	assert.Empty(t, outTag)
}

func TestBuildAssemblesTagSelectorFromTagRoute(t *testing.T) {
	cfg := &StaticConfig{
		Outbounds: []ChainSpec{
			{Tag: "direct", Chain: []StageSpec{{Kind: "direct", Direct: &struct{}{}}}},
			{Tag: "blocked", Chain: []StageSpec{{Kind: "blackhole", Blackhole: &struct{}{}}}},
		},
		TagRoute: []RoutePair{{From: "in1", To: "blocked"}},
	}
	ec, err := Build(cfg, stage.NewConfig())
	require.NoError(t, err)

	_, outTag := ec.Selector.Select("in1", addr.Address{}, nil)
	assert.Equal(t, "blocked", outTag)
}

func TestBuildPopulatesFallbackRoute(t *testing.T) {
	cfg := &StaticConfig{
		Outbounds: []ChainSpec{
			{Tag: "primary", Chain: []StageSpec{{Kind: "direct", Direct: &struct{}{}}}},
			{Tag: "fallback", Chain: []StageSpec{{Kind: "blackhole", Blackhole: &struct{}{}}}},
		},
		FallbackRoute: []RoutePair{{From: "primary", To: "fallback"}},
	}
	ec, err := Build(cfg, stage.NewConfig())
	require.NoError(t, err)
	assert.Equal(t, "fallback", ec.FallbackRoute["primary"])
}

func TestBuildAssemblesRuleSelectorFromRuleRoute(t *testing.T) {
	cfg := &StaticConfig{
		Outbounds: []ChainSpec{
			{Tag: "direct", Chain: []StageSpec{{Kind: "direct", Direct: &struct{}{}}}},
			{Tag: "blocked", Chain: []StageSpec{{Kind: "blackhole", Blackhole: &struct{}{}}}},
		},
		RuleRoute: []RuleSetSpec{
			{OutboundTag: "blocked", Mode: "whitelist", DomainLiterals: []string{"evil.example"}},
		},
	}
	ec, err := Build(cfg, stage.NewConfig())
	require.NoError(t, err)

	target, err := addr.ParseURL("tcp://evil.example:80")
	require.NoError(t, err)
	_, outTag := ec.Selector.Select("in1", target, nil)
	assert.Equal(t, "blocked", outTag)
}

func TestBuildRejectsUnknownRuleMode(t *testing.T) {
	cfg := &StaticConfig{
		Outbounds: []ChainSpec{
			{Tag: "direct", Chain: []StageSpec{{Kind: "direct", Direct: &struct{}{}}}},
		},
		RuleRoute: []RuleSetSpec{{OutboundTag: "direct", Mode: "graylist"}},
	}
	_, err := Build(cfg, stage.NewConfig())
	assert.Error(t, err)
}
