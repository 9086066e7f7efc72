package trojan

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/e1732a364fed/ruci-go/addr"
)

// maxDatagramLen bounds one Trojan UDP-relay frame's payload length field
// (a 16-bit length), matching udp.rs's CAP sizing intent.
const maxDatagramLen = 1<<16 - 1

// packetConn multiplexes addressed datagrams over a single Trojan
// connection's byte stream: every datagram is framed as
// ATYP+addr+port, a 16-bit length, CRLF, then that many payload bytes —
// in both directions, on the same conn a CMD_UDPASSOCIATE handshake
// established.
//
// Adapted from: original_source/src/map/trojan/udp.rs (Reader/Writer,
// wired together here into one [stage.PacketConn] instead of a split
// AsyncReadAddr/AsyncWriteAddr pair, since Go's net.Conn is already both
// halves of one full-duplex stream). server.rs's handshake leaves its
// is_udp branch as `unimplemented!()` and client.rs's handshake has a
// `todo!()` for a non-TCP target; this type completes that gap using the
// framing udp.rs already defines but neither handshake wires up.
type packetConn struct {
	conn net.Conn
}

func (p *packetConn) ReadFrom(b []byte) (int, net.Addr, error) {
	from, err := readAddr(p.conn, addr.UDP)
	if err != nil {
		return 0, nil, fmt.Errorf("trojan: read datagram address: %w", err)
	}

	var lenBuf [2]byte
	if _, err := ioReadFull(p.conn, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("trojan: read datagram length: %w", err)
	}
	length := int(binary.BigEndian.Uint16(lenBuf[:]))
	if length > maxDatagramLen {
		return 0, nil, fmt.Errorf("trojan: datagram length %d exceeds max", length)
	}

	var crlf [2]byte
	if _, err := ioReadFull(p.conn, crlf[:]); err != nil {
		return 0, nil, fmt.Errorf("trojan: read datagram crlf: %w", err)
	}
	if crlf[0] != cr || crlf[1] != lf {
		return 0, nil, fmt.Errorf("trojan: malformed datagram crlf")
	}

	payload := make([]byte, length)
	if _, err := ioReadFull(p.conn, payload); err != nil {
		return 0, nil, fmt.Errorf("trojan: read datagram payload: %w", err)
	}
	n := copy(b, payload)

	sa, ok := from.SocketAddrPort()
	if !ok {
		return n, nil, fmt.Errorf("trojan: datagram source has no resolvable address")
	}
	return n, net.UDPAddrFromAddrPort(sa), nil
}

func (p *packetConn) WriteTo(b []byte, to net.Addr) (int, error) {
	if len(b) > maxDatagramLen {
		return 0, fmt.Errorf("trojan: datagram of %d bytes exceeds max", len(b))
	}

	target := netAddrToAddress(to)
	buf := make([]byte, 0, len(b)+64)
	buf = encodeAddr(buf, target)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	buf = append(buf, cr, lf)
	buf = append(buf, b...)

	if _, err := p.conn.Write(buf); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *packetConn) Close() error { return p.conn.Close() }

// netAddrToAddress converts a dialed net.Addr into an [addr.Address] for
// re-encoding into a Trojan UDP datagram header.
func netAddrToAddress(a net.Addr) addr.Address {
	if v, ok := a.(*net.UDPAddr); ok {
		if ip, ok := netip.AddrFromSlice(v.IP); ok {
			return addr.NewSocket(addr.UDP, ip.Unmap(), uint16(v.Port))
		}
	}
	return addr.Address{}
}

// ioReadFull mirrors io.ReadFull for a net.Conn.
func ioReadFull(r net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
