// Package config loads the declarative YAML routing table described in
// SPEC_FULL.md §2.3 — inbounds, outbounds, and tag/fallback/rule routing —
// and builds a ready-to-run [engine.Config] from it, constructing every
// stage chain and outbound [outbound.Selector] the table names.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (StaticConfig, InMapConfig, OutMapConfig, and their to_map_box/
// get_outbounds/get_tag_route/get_fallback_route/get_rule_route
// methods), restructured around this module's stage.Config/pipeline
// abstractions rather than ruci's trait-object MapBox.
package config

// StaticConfig is the top-level declarative configuration document: every
// inbound and outbound chain plus the routing tables deciding which
// outbound an inbound's resolved target is folded against.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (struct StaticConfig).
type StaticConfig struct {
	Inbounds  []ChainSpec `yaml:"inbounds"`
	Outbounds []ChainSpec `yaml:"outbounds"`

	// TagRoute maps an inbound tag to the outbound tag it routes to.
	TagRoute []RoutePair `yaml:"tag_route,omitempty"`
	// FallbackRoute maps a primary outbound tag to the outbound tag to
	// retry when folding against it fails.
	FallbackRoute []RoutePair `yaml:"fallback_route,omitempty"`
	// RuleRoute is an ordered list of rule sets consulted before
	// TagRoute/the default outbound.
	RuleRoute []RuleSetSpec `yaml:"rule_route,omitempty"`
}

// ChainSpec is one inbound or outbound's tag plus its ordered stage
// chain. Outbound chains must carry a non-empty Tag (validated by
// [Build]); an inbound's Tag is optional, required only to participate
// in tag-routing or rule-routing.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (InMapConfigChain, OutMapConfigChain).
type ChainSpec struct {
	Tag   string      `yaml:"tag,omitempty"`
	Chain []StageSpec `yaml:"chain"`
}

// RoutePair is one (in, out) or (primary, fallback) tag mapping.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs,
// whose tag_route/fallback_route fields are Vec<(String, String)>; this
// module spells the pair out as a struct since YAML has no tuple syntax.
type RoutePair struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// RuleSetSpec is one routing rule's YAML form: an outbound tag, a
// Whitelist/Blacklist mode, and the predicates that must (Whitelist) or
// may (Blacklist) match for it to apply.
//
// Adapted from: spec.md §4.5's RuleSet prose, rendered as YAML the same
// way [outbound.RuleSet]/[outbound.Predicates] render it as Go — no
// original_source rule.rs file exists in this retrieval pack to ground
// the Rust side on.
type RuleSetSpec struct {
	OutboundTag string `yaml:"outbound_tag"`
	// Mode is "whitelist" (default) or "blacklist".
	Mode string `yaml:"mode,omitempty"`

	InboundTags    []string `yaml:"inbound_tags,omitempty"`
	Users          []string `yaml:"users,omitempty"`
	Networks       []string `yaml:"networks,omitempty"`
	CIDRs          []string `yaml:"cidrs,omitempty"`
	DomainLiterals []string `yaml:"domain_literals,omitempty"`
	DomainRegexes  []string `yaml:"domain_regexes,omitempty"`
}
