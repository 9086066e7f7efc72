// Package socks5 provides SOCKS5 client and server [stage.Mapper]s: RFC 1928
// method negotiation and CONNECT/UDP-ASSOCIATE request handling, plus RFC
// 1929 username/password subnegotiation.
//
// Adapted from: original_source/src/map/socks5/{mod,server,client,udp}.rs.
package socks5

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/e1732a364fed/ruci-go/addr"
)

const (
	version5 = 0x05

	authNone           = 0x00
	authPassword       = 0x02
	authNoAcceptable   = 0xff
	userPassSubVersion = 0x01

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess = 0x00
	replyFailure = 0x01

	// maxDomainLen bounds a SOCKS5 ATYP_DOMAIN name length (one length byte).
	maxDomainLen = 255
)

// commonTCPHandshakeReply is the fixed 10-byte CONNECT success reply this
// package sends: version, success, reserved, ATYP_IPv4, 0.0.0.0, port 0 —
// matching the teacher convention of not echoing back a meaningful bound
// address for a pass-through CONNECT.
//
// Adapted from: original_source/src/map/socks5/mod.rs (COMMMON_TCP_HANDSHAKE_REPLY).
var commonTCPHandshakeReply = [10]byte{version5, replySuccess, 0, atypIPv4, 0, 0, 0, 0, 0, 0}

// readAddr decodes one ATYP+address+port triple from r, as used by both the
// CONNECT request/UDP-associate header and this package's UDP datagram
// header. network is stamped onto the returned [addr.Address] since the
// wire format itself carries no network hint.
//
// Adapted from: original_source/src/map/socks5/server.rs (the address
// parsing inlined in handshake) and mod.rs (decode_udp_diagram).
func readAddr(r io.Reader, network addr.Network) (addr.Address, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return addr.Address{}, fmt.Errorf("socks5: read atyp: %w", err)
	}

	var a addr.Address
	switch atyp[0] {
	case atypIPv4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return addr.Address{}, fmt.Errorf("socks5: read ipv4: %w", err)
		}
		ip := netip.AddrFrom4(buf)
		a = addr.NewSocket(network, ip, 0)

	case atypIPv6:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return addr.Address{}, fmt.Errorf("socks5: read ipv6: %w", err)
		}
		ip := netip.AddrFrom16(buf)
		a = addr.NewSocket(network, ip, 0)

	case atypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return addr.Address{}, fmt.Errorf("socks5: read domain len: %w", err)
		}
		name := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return addr.Address{}, fmt.Errorf("socks5: read domain: %w", err)
		}
		if ip, err := netip.ParseAddr(string(name)); err == nil {
			a = addr.NewSocket(network, ip, 0)
		} else {
			a = addr.NewHostName(network, string(name), 0)
		}

	default:
		return addr.Address{}, fmt.Errorf("socks5: unsupported atyp %#x", atyp[0])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return addr.Address{}, fmt.Errorf("socks5: read port: %w", err)
	}
	a.Port = uint16(portBuf[0])<<8 | uint16(portBuf[1])
	return a, nil
}

// encodeAddr appends a's ATYP+address+port wire encoding to buf.
//
// Adapted from: original_source/src/map/socks5/client.rs (addr_to_socks5_bytes)
// and mod.rs (encode_udp_diagram).
func encodeAddr(buf []byte, a addr.Address) []byte {
	switch {
	case a.HasIP() && a.IP.Is4():
		buf = append(buf, atypIPv4)
		b := a.IP.As4()
		buf = append(buf, b[:]...)
	case a.HasIP():
		buf = append(buf, atypIPv6)
		b := a.IP.As16()
		buf = append(buf, b[:]...)
	default:
		name := a.Host
		if len(name) > maxDomainLen {
			name = name[:maxDomainLen]
		}
		buf = append(buf, atypDomain, byte(len(name)))
		buf = append(buf, name...)
	}
	return append(buf, byte(a.Port>>8), byte(a.Port))
}
