package config

import (
	"fmt"
	"net/netip"
	"regexp"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/engine"
	"github.com/e1732a364fed/ruci-go/outbound"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Build constructs a ready-to-run [engine.Config] from cfg, instantiating
// every inbound/outbound chain's stages via sc and assembling whichever
// outbound [outbound.Selector] cfg's routing tables describe.
//
// The first entry in cfg.Outbounds becomes the selector's Default, the
// same convention original_source/rucimp/src/modes/chain/config/mod.rs's
// StaticConfig::get_default_and_outbounds_map uses (first_o, set on the
// first outbound chain built).
func Build(cfg *StaticConfig, sc *stage.Config) (*engine.Config, error) {
	if len(cfg.Outbounds) == 0 {
		return nil, fmt.Errorf("config: at least one outbound is required")
	}

	outbounds := make(map[string]pipeline.Iterator, len(cfg.Outbounds))
	var defaultOutbound pipeline.Iterator
	for i, spec := range cfg.Outbounds {
		if spec.Tag == "" {
			return nil, fmt.Errorf("config: outbounds[%d] is missing a tag", i)
		}
		if _, dup := outbounds[spec.Tag]; dup {
			return nil, fmt.Errorf("config: duplicate outbound tag %q", spec.Tag)
		}
		chain, err := buildChain(spec.Chain, sc)
		if err != nil {
			return nil, fmt.Errorf("config: outbound %q: %w", spec.Tag, err)
		}
		it := pipeline.Static(chain)
		outbounds[spec.Tag] = it
		if i == 0 {
			defaultOutbound = it
		}
	}

	inbounds := make([]engine.Inbound, 0, len(cfg.Inbounds))
	for i, spec := range cfg.Inbounds {
		chain, err := buildChain(spec.Chain, sc)
		if err != nil {
			return nil, fmt.Errorf("config: inbounds[%d] (tag %q): %w", i, spec.Tag, err)
		}
		inbounds = append(inbounds, engine.Inbound{Tag: spec.Tag, Mappers: pipeline.Static(chain)})
	}

	selector, err := buildSelector(cfg, outbounds, defaultOutbound)
	if err != nil {
		return nil, err
	}

	fallback := make(map[string]string, len(cfg.FallbackRoute))
	for _, pair := range cfg.FallbackRoute {
		fallback[pair.From] = pair.To
	}

	return &engine.Config{
		Inbounds:      inbounds,
		Selector:      selector,
		Outbounds:     outbounds,
		FallbackRoute: fallback,
		Dialer:        sc.Dialer,
		ErrClassifier: sc.ErrClassifier,
		TimeNow:       sc.TimeNow,
		Logger:        sc.Logger,
		Recorder:      sc.Recorder,
		CIDAllocator:  sc.CIDAllocator,
	}, nil
}

func buildChain(specs []StageSpec, sc *stage.Config) (stage.Chain, error) {
	chain := make(stage.Chain, 0, len(specs))
	for i := range specs {
		mapper, err := specs[i].buildMapper(sc)
		if err != nil {
			return nil, fmt.Errorf("chain[%d]: %w", i, err)
		}
		chain = append(chain, mapper)
	}
	return chain, nil
}

// buildSelector chooses Fixed, Tag, or Rule depending on which routing
// tables cfg sets, preferring the more specific table: rule_route wins
// over tag_route, which wins over a bare Fixed default.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (get_tag_route/get_rule_route alongside get_default_and_outbounds_map;
// engine.rs's get_out_selector picks RuleSelector when rule_route is
// present, else TagOutSelector when tag_route is present, else Fixed).
func buildSelector(cfg *StaticConfig, outbounds map[string]pipeline.Iterator, def pipeline.Iterator) (outbound.Selector, error) {
	if len(cfg.RuleRoute) > 0 {
		rules := make([]outbound.RuleSet, 0, len(cfg.RuleRoute))
		for i, rs := range cfg.RuleRoute {
			rule, err := buildRuleSet(rs)
			if err != nil {
				return nil, fmt.Errorf("config: rule_route[%d]: %w", i, err)
			}
			rules = append(rules, rule)
		}
		return outbound.Rule{Rules: rules, Outbounds: outbounds, Default: def}, nil
	}

	if len(cfg.TagRoute) > 0 {
		routeMap := make(map[string]string, len(cfg.TagRoute))
		for _, pair := range cfg.TagRoute {
			routeMap[pair.From] = pair.To
		}
		return outbound.Tag{RouteMap: routeMap, Outbounds: outbounds, Default: def}, nil
	}

	return outbound.Fixed{Default: def}, nil
}

func buildRuleSet(spec RuleSetSpec) (outbound.RuleSet, error) {
	mode := outbound.Whitelist
	switch spec.Mode {
	case "", "whitelist":
		mode = outbound.Whitelist
	case "blacklist":
		mode = outbound.Blacklist
	default:
		return outbound.RuleSet{}, fmt.Errorf("unknown mode %q (want \"whitelist\" or \"blacklist\")", spec.Mode)
	}

	predicates := outbound.Predicates{
		InboundTags:    spec.InboundTags,
		Users:          spec.Users,
		DomainLiterals: spec.DomainLiterals,
	}

	for _, s := range spec.Networks {
		n, err := addr.ParseNetwork(s)
		if err != nil {
			return outbound.RuleSet{}, fmt.Errorf("networks: %w", err)
		}
		predicates.NetworkKinds = append(predicates.NetworkKinds, n)
	}

	for _, s := range spec.CIDRs {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return outbound.RuleSet{}, fmt.Errorf("cidrs: %w", err)
		}
		predicates.CIDRs = append(predicates.CIDRs, prefix)
	}

	for _, s := range spec.DomainRegexes {
		re, err := regexp.Compile(s)
		if err != nil {
			return outbound.RuleSet{}, fmt.Errorf("domain_regexes: %w", err)
		}
		predicates.DomainRegexes = append(predicates.DomainRegexes, re)
	}

	return outbound.RuleSet{OutboundTag: spec.OutboundTag, Mode: mode, Predicates: predicates}, nil
}
