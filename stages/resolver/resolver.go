package resolver

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/bassosimone/dnscodec"
	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/miekg/dns"
)

// Resolver implements [addr.Resolver] atop a [Transport], querying both A
// and AAAA records and merging the results the way [net.Resolver] does.
type Resolver struct {
	transport Transport
}

// New returns an [*Resolver] that resolves hostnames by exchanging queries
// over transport. Callers own transport's lifetime and must Close it.
func New(transport Transport) *Resolver {
	return &Resolver{transport: transport}
}

var _ addr.Resolver = (*Resolver)(nil)

// LookupIP implements [addr.Resolver].
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var out []netip.Addr
	var lastErr error

	for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
		query := dnscodec.NewQuery(host, qtype)
		resp, err := r.transport.Exchange(ctx, query)
		if err != nil {
			lastErr = err
			continue
		}
		addrs, err := recordAddrs(resp, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, addrs...)
	}

	if len(out) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("resolver: lookup %s: %w", host, lastErr)
		}
		return nil, fmt.Errorf("resolver: lookup %s: no records", host)
	}
	return out, nil
}

func recordAddrs(resp *dnscodec.Response, qtype uint16) ([]netip.Addr, error) {
	if qtype == dns.TypeAAAA {
		return resp.RecordsAAAA()
	}
	return resp.RecordsA()
}
