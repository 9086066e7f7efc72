// SPDX-License-Identifier: GPL-3.0-or-later

// Package ruci provides a composable proxy relay engine: pipelines of
// [stage.Mapper] stages — listeners, dialers, protocol codecs, plain
// pass-through layers — accumulated by the fold engine (package fold) into
// a running relay between an inbound and an outbound.
//
// # Core Abstraction
//
// Every pipeline element implements one interface:
//
//	type Mapper interface {
//		Name() string
//		Maps(ctx context.Context, cid flow.CID, behavior ProxyBehavior, params Params) Result
//	}
//
// A Mapper adds one read/write layer atop a [stage.Stream] and returns the
// resulting Stream, in one of two directions selected by
// [stage.ProxyBehavior]: Decode (an inbound recovering a routing target and
// any early data) or Encode (an outbound consuming them). See package stage.
//
// # Packages
//
//   - [addr]: typed endpoint descriptors (host/IP/Unix path), URL
//     parse/render, pluggable resolution
//   - [flow]: the hierarchical CID that correlates a flow and every
//     sub-flow it forks, plus the SpanID used purely for log correlation
//   - [stage]: the Mapper contract, the Stream sum type, side-channel Data,
//     and the shared Config every stage is built from
//   - [pipeline]: static and dynamic iteration over a chain of stages
//   - [fold]: the accumulator that drives a pipeline to completion,
//     forking on a stage that yields a [stage.Generator]
//   - [trafficrec]: lock-free process-wide connection/traffic counters
//   - [copy]: the bidirectional copy loops that relay bytes/datagrams once
//     both sides of a flow have been folded
//   - [outbound]: fixed/tag/rule-based selection of which outbound pipeline
//     handles a decoded inbound flow
//   - [engine]: wires a listener's generator, the inbound/outbound fold,
//     the outbound selector, and the copy loop into a running relay
//   - [config]: YAML pipeline configuration loading
//   - stages/*: concrete Mapper implementations (direct/blackhole/echo
//     dialers and listeners, TLS, SOCKS5, Trojan, HTTP proxy, HTTP/2,
//     QUIC, WebSocket, stdio, DNS resolution)
//
// # Observability
//
// All stages log via [logging.SLogger] (compatible with [log/slog]); by
// default logging is disabled. Error classification goes through
// [errtax.Classifier]; by default errors are classified by socket-level
// cause via errclass and otherwise left unclassified. See package logging
// for the shared start/done span convention every stage uses.
package ruci
