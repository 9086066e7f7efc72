// Package outbound resolves, for one flow, which outbound [pipeline.Iterator]
// the relay engine folds against — fixed, tag-routed, or rule-routed, per
// SPEC_FULL.md §4.6.
//
// Adapted from: original_source/src/relay/route.rs (OutSelector,
// FixedOutSelector, TagOutSelector); RuleSelector is new, grounded on
// spec.md §4.5's RuleSet prose (original_source contains no rule.rs in
// this retrieval pack).
package outbound

import (
	"net/netip"
	"regexp"
	"strings"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/pipeline"
	"github.com/e1732a364fed/ruci-go/stage"
)

// Selector resolves an outbound pipeline for one flow, given the inbound
// chain tag it arrived on, the target address the inbound fold resolved,
// and the side-data bag accumulated so far (e.g. an authenticated
// username a SOCKS5/Trojan decode stage published).
//
// Selectors are called at most once per flow, after the inbound fold has
// resolved a target address (SPEC_FULL.md §4.6). Every implementation
// returns a fresh [pipeline.Iterator] (via Clone) so concurrent flows
// routed to the same outbound do not share iterator position, plus the
// chosen outbound's tag (empty when the choice has no tag of its own,
// e.g. [Fixed]'s Default) so a caller can look up a fallback_route entry
// for it if the chosen outbound's fold fails.
type Selector interface {
	Select(inTag string, target addr.Address, data stage.Bag) (it pipeline.Iterator, outTag string)
}

// Fixed always returns the same configured outbound, ignoring input.
//
// Adapted from: original_source/src/relay/route.rs (FixedOutSelector).
type Fixed struct {
	Default pipeline.Iterator
}

func (s Fixed) Select(string, addr.Address, stage.Bag) (pipeline.Iterator, string) {
	return s.Default.Clone(), ""
}

// Tag maps an inbound chain tag to an outbound chain tag via a static
// table, falling back to Default when the inbound tag is unrouted or
// names an outbound that does not exist.
//
// Adapted from: original_source/src/relay/route.rs (TagOutSelector).
type Tag struct {
	// RouteMap maps inbound tag -> outbound tag.
	RouteMap map[string]string
	// Outbounds maps outbound tag -> its pipeline.
	Outbounds map[string]pipeline.Iterator
	Default   pipeline.Iterator
}

func (s Tag) Select(inTag string, _ addr.Address, _ stage.Bag) (pipeline.Iterator, string) {
	outTag, ok := s.RouteMap[inTag]
	if !ok {
		return s.Default.Clone(), ""
	}
	out, ok := s.Outbounds[outTag]
	if !ok {
		return s.Default.Clone(), ""
	}
	return out.Clone(), outTag
}

// Mode selects how a RuleSet's predicates combine.
type Mode int

const (
	// Whitelist requires every present predicate to match.
	Whitelist Mode = iota
	// Blacklist requires any present predicate to match.
	Blacklist
)

// UserKind is the [stage.Data.DataKind] an authentication stage (e.g.
// SOCKS5's username/password handshake) publishes so rule-routing can
// match on it.
const UserKind = "auth.user"

// UserData carries the username an authentication stage resolved.
type UserData struct {
	Username string
}

func (UserData) DataKind() string { return UserKind }

// Predicates are the optional match conditions a [RuleSet] may carry; a
// nil/empty field is not evaluated (neither satisfies nor blocks a
// Whitelist/Blacklist match on its own).
//
// Geographic (target IP country) matching from spec.md §4.5 is
// deliberately not implemented: no GeoIP database/library appears
// anywhere in the retrieval pack to ground it on, and fabricating one
// would violate the no-fabricated-dependency rule. See DESIGN.md.
type Predicates struct {
	InboundTags    []string
	Users          []string
	NetworkKinds   []addr.Network
	CIDRs          []netip.Prefix
	DomainLiterals []string
	DomainRegexes  []*regexp.Regexp
}

func (p Predicates) empty() bool {
	return len(p.InboundTags) == 0 && len(p.Users) == 0 && len(p.NetworkKinds) == 0 &&
		len(p.CIDRs) == 0 && len(p.DomainLiterals) == 0 && len(p.DomainRegexes) == 0
}

// RuleSet is one routing rule: an outbound tag plus the predicates that
// must (Whitelist) or may (Blacklist) match for it to apply.
type RuleSet struct {
	OutboundTag string
	Mode        Mode
	Predicates  Predicates
}

func (r RuleSet) matches(inTag string, target addr.Address, data stage.Bag) bool {
	if r.Predicates.empty() {
		return true
	}

	checks := []func() (present, matched bool){
		func() (bool, bool) {
			if len(r.Predicates.InboundTags) == 0 {
				return false, false
			}
			for _, t := range r.Predicates.InboundTags {
				if t == inTag {
					return true, true
				}
			}
			return true, false
		},
		func() (bool, bool) {
			if len(r.Predicates.Users) == 0 {
				return false, false
			}
			d, ok := data.Find(UserKind)
			if !ok {
				return true, false
			}
			u, ok := d.(UserData)
			if !ok {
				return true, false
			}
			for _, want := range r.Predicates.Users {
				if want == u.Username {
					return true, true
				}
			}
			return true, false
		},
		func() (bool, bool) {
			if len(r.Predicates.NetworkKinds) == 0 {
				return false, false
			}
			for _, n := range r.Predicates.NetworkKinds {
				if n == target.Network {
					return true, true
				}
			}
			return true, false
		},
		func() (bool, bool) {
			if len(r.Predicates.CIDRs) == 0 {
				return false, false
			}
			if !target.HasIP() {
				return true, false
			}
			for _, prefix := range r.Predicates.CIDRs {
				if prefix.Contains(target.IP) {
					return true, true
				}
			}
			return true, false
		},
		func() (bool, bool) {
			if len(r.Predicates.DomainLiterals) == 0 && len(r.Predicates.DomainRegexes) == 0 {
				return false, false
			}
			if !target.HasHost() {
				return true, false
			}
			for _, lit := range r.Predicates.DomainLiterals {
				if strings.EqualFold(lit, target.Host) {
					return true, true
				}
			}
			for _, re := range r.Predicates.DomainRegexes {
				if re.MatchString(target.Host) {
					return true, true
				}
			}
			return true, false
		},
	}

	switch r.Mode {
	case Blacklist:
		for _, check := range checks {
			if present, matched := check(); present && matched {
				return true
			}
		}
		return false
	default: // Whitelist
		for _, check := range checks {
			if present, matched := check(); present && !matched {
				return false
			}
		}
		return true
	}
}

// Rule evaluates an ordered list of [RuleSet]s, returning the first
// whose predicates match, or Default if none do.
//
// Adapted from: spec.md §4.5's RuleSet prose (no original_source
// rule.rs file exists in this retrieval pack to ground the Rust side
// on).
type Rule struct {
	Rules     []RuleSet
	Outbounds map[string]pipeline.Iterator
	Default   pipeline.Iterator
}

func (s Rule) Select(inTag string, target addr.Address, data stage.Bag) (pipeline.Iterator, string) {
	for _, rule := range s.Rules {
		if !rule.matches(inTag, target, data) {
			continue
		}
		if out, ok := s.Outbounds[rule.OutboundTag]; ok {
			return out.Clone(), rule.OutboundTag
		}
		break
	}
	return s.Default.Clone(), ""
}
