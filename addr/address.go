package addr

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Address is a typed endpoint descriptor: a [Network] paired with zero or
// more of {IP, host name}. It is the sum type described in spec.md §3
// ("SocketEndpoint | HostName | Both"), expressed as one comparable struct
// rather than an enum, since Go has no tagged unions and [netip.Addr] is
// itself comparable.
//
// For [Unix], only Host is meaningful (it holds the socket path). For [IP],
// Port is repurposed to hold a CIDR prefix length rather than a transport
// port.
//
// Adapted from: original_source/src/net/addr.rs (struct Addr, enum NetAddr).
type Address struct {
	Network Network
	Host    string
	IP      netip.Addr
	Port    uint16
}

// HasHost reports whether a has a host name component.
func (a Address) HasHost() bool { return a.Host != "" }

// HasIP reports whether a has an IP component.
func (a Address) HasIP() bool { return a.IP.IsValid() }

// NewSocket builds an Address from an IP and port with no host name.
func NewSocket(network Network, ip netip.Addr, port uint16) Address {
	return Address{Network: network, IP: ip, Port: port}
}

// NewHostName builds an Address from a host name and port with no IP.
func NewHostName(network Network, host string, port uint16) Address {
	return Address{Network: network, Host: host, Port: port}
}

// NewBoth builds an Address carrying both a host name and a resolved IP.
func NewBoth(network Network, host string, ip netip.Addr, port uint16) Address {
	return Address{Network: network, Host: host, IP: ip, Port: port}
}

// NewUnix builds a Unix domain socket Address from a file path.
func NewUnix(path string) Address {
	return Address{Network: Unix, Host: path}
}

// SocketAddrPort returns the address's [netip.AddrPort] if it carries a
// literal IP, and false otherwise (e.g. a bare host name not yet resolved,
// or a Unix socket).
func (a Address) SocketAddrPort() (netip.AddrPort, bool) {
	if !a.IP.IsValid() || a.Network == Unix {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.IP, a.Port), true
}

// Resolver abstracts hostname-to-IP resolution so callers can inject a
// DNS-over-HTTPS/TLS/UDP resolver (see stages/resolver) in place of the
// system resolver.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// systemResolver resolves via the standard library.
type systemResolver struct{}

func (systemResolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip.To16()); ok {
			out = append(out, a.Unmap())
		}
	}
	return out, nil
}

// SystemResolver returns the default [Resolver], backed by [net.Resolver].
func SystemResolver() Resolver { return systemResolver{} }

// ResolveVia returns a's socket address, resolving the host name through r
// if a carries no literal IP. It is the seam described in SPEC_FULL.md §4.1
// that lets the resolver stage's DoH/DoT/UDP transports substitute for the
// system resolver ahead of a dial.
func (a Address) ResolveVia(ctx context.Context, r Resolver) (netip.AddrPort, error) {
	if sa, ok := a.SocketAddrPort(); ok {
		return sa, nil
	}
	if !a.HasHost() || a.Network == Unix {
		return netip.AddrPort{}, fmt.Errorf("addr: %s has no resolvable endpoint", a)
	}
	if r == nil {
		r = SystemResolver()
	}
	ips, err := r.LookupIP(ctx, a.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("addr: resolve %s: %w", a.Host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("addr: resolve %s: empty result", a.Host)
	}
	return netip.AddrPortFrom(ips[0], a.Port), nil
}

// DialTarget returns the string to pass to [net.Dialer.DialContext] for a:
// "host:port" for names, the socket address for literal IPs, or the path
// for Unix sockets.
func (a Address) DialTarget() string {
	if a.Network == Unix {
		return a.Host
	}
	if a.HasHost() {
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	}
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

// String implements [fmt.Stringer] by rendering the URL form.
func (a Address) String() string { return a.ToURL() }

// ToURL renders a in the "network://host[:port][#name]" syntax described in
// spec.md §6. When an Address carries both a host name and an IP (the
// "Both" variant), the IP is rendered as the primary host component and the
// name is carried in the "#name" fragment, so that from_url(to_url(x)) == x
// modulo that name/socket split — the property spec.md §8 requires.
func (a Address) ToURL() string {
	netw := a.Network.String()

	if a.Network == Unix {
		return fmt.Sprintf("unix://%s", a.Host)
	}

	if a.HasIP() && a.HasHost() {
		host := hostPart(a.IP)
		return fmt.Sprintf("%s://%s:%d#%s", netw, host, a.Port, a.Host)
	}
	if a.HasIP() {
		return fmt.Sprintf("%s://%s:%d", netw, hostPart(a.IP), a.Port)
	}
	return fmt.Sprintf("%s://%s:%d", netw, a.Host, a.Port)
}

func hostPart(ip netip.Addr) string {
	if ip.Is4() || ip.Is4In6() {
		return ip.Unmap().String()
	}
	return "[" + ip.String() + "]"
}

// ParseURL parses the "network://host[:port][#name]" syntax described in
// spec.md §6. A bare "host:port" with no "scheme://" prefix defaults to tcp.
//
// Adapted from: original_source/src/net/addr.rs
// (from_name_network_addr_url / from_network_addr_url / from_addr_str).
func ParseURL(s string) (Address, error) {
	rest := s
	name := ""
	if i := strings.LastIndex(s, "#"); i >= 0 {
		rest, name = s[:i], s[i+1:]
	}

	netw := "tcp"
	hostport := rest
	if i := strings.Index(rest, "://"); i >= 0 {
		netw, hostport = rest[:i], rest[i+3:]
	}

	network, err := ParseNetwork(netw)
	if err != nil {
		return Address{}, err
	}

	if network == Unix {
		a := NewUnix(hostport)
		return a, nil
	}

	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("addr: parse %q: %w", s, err)
	}
	var port uint16
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("addr: parse port %q: %w", portStr, err)
		}
		port = uint16(p)
	}

	var a Address
	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if name != "" {
			a = NewBoth(network, name, ip, port)
		} else {
			a = NewSocket(network, ip, port)
		}
	} else {
		hostName := host
		if name != "" {
			hostName = name
		}
		a = NewHostName(network, hostName, port)
	}
	return a, nil
}

// splitHostPort splits "host:port" (bracketed for IPv6) allowing an absent
// port, unlike [net.SplitHostPort].
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		i := strings.Index(s, "]")
		if i < 0 {
			return "", "", fmt.Errorf("unterminated [ in %q", s)
		}
		host = s[1:i]
		rest := s[i+1:]
		if rest == "" {
			return host, "", nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("expected ':' after ']' in %q", s)
		}
		return host, rest[1:], nil
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i+1:], ":") {
		return s[:i], s[i+1:], nil
	}
	return s, "", nil
}
