package socks5

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/e1732a364fed/ruci-go/addr"
)

// maxDatagramSize bounds the per-recvfrom buffer for a UDP-associate socket.
const maxDatagramSize = 64 * 1024

// startUDPAssociate opens a fresh UDP socket for one CMD_UDPASSOCIATE
// session, replies to the client on control with the socket's bound
// address, and returns a [udpAssocConn] that wraps/unwraps the SOCKS5 UDP
// datagram header on every read/write. The socket is closed when control
// closes or ctx is cancelled, since RFC 1928 ties a UDP association's
// lifetime to its control connection.
//
// Adapted from: original_source/src/map/socks5/server.rs (the
// CMD_UDPASSOCIATE branch of handshake, delegating to udp::udp_associate)
// and udp.rs (struct Conn).
func (s *Server) startUDPAssociate(ctx context.Context, control net.Conn) (*udpAssocConn, *net.UDPAddr, error) {
	laddr := &net.UDPAddr{IP: localIP(control), Port: 0}
	// An IPv4 local address (including the IPv4 wildcard fallback) gets an
	// IPv4-only socket, so the reply carries an IPv4 bound address.
	network := "udp"
	if laddr.IP.To4() != nil {
		network = "udp4"
	}
	udpConn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp: %w", err)
	}

	bound, _ := udpConn.LocalAddr().(*net.UDPAddr)

	reply := make([]byte, 0, 10)
	reply = append(reply, version5, replySuccess, 0)
	boundAddr := addr.NewSocket(addr.UDP, netip.MustParseAddr(bound.IP.String()), uint16(bound.Port))
	reply = encodeAddr(reply, boundAddr)
	if _, err := control.Write(reply); err != nil {
		udpConn.Close()
		return nil, nil, fmt.Errorf("write udp associate reply: %w", err)
	}

	pc := &udpAssocConn{conn: udpConn}

	stop := context.AfterFunc(ctx, func() {
		control.Close()
		udpConn.Close()
	})
	go func() {
		defer stop()
		io.Copy(io.Discard, control)
		udpConn.Close()
	}()

	return pc, bound, nil
}

// localIP returns conn's local IP, falling back to the unspecified address.
func localIP(conn net.Conn) net.IP {
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return la.IP
	}
	return net.IPv4zero
}

// udpAssocConn is the [stage.PacketConn] side of one UDP-associate session:
// it demultiplexes by source (locking onto the first peer it sees, as RFC
// 1928 implementations commonly do) and wraps/unwraps the SOCKS5 UDP
// datagram header (ATYP+addr+port prefix) on every datagram.
//
// Adapted from: original_source/src/map/socks5/udp.rs (struct Conn).
type udpAssocConn struct {
	conn *net.UDPConn

	mu   sync.Mutex
	peer net.Addr
}

func (c *udpAssocConn) ReadFrom(b []byte) (int, net.Addr, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, nil, err
		}

		c.mu.Lock()
		if c.peer == nil {
			c.peer = from
		}
		locked := c.peer
		c.mu.Unlock()

		if from.String() != locked.String() {
			continue
		}

		r := bytes.NewReader(buf[:n])
		target, err := readAddr(r, addr.UDP)
		if err != nil {
			return 0, nil, fmt.Errorf("socks5: decode udp datagram: %w", err)
		}
		rest, _ := io.ReadAll(r)
		m := copy(b, rest)

		sa, ok := target.SocketAddrPort()
		if !ok {
			continue
		}
		return m, net.UDPAddrFromAddrPort(sa), nil
	}
}

func (c *udpAssocConn) WriteTo(b []byte, to net.Addr) (int, error) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return 0, fmt.Errorf("socks5: no udp peer established yet")
	}

	target := netAddrToAddress(to)
	buf := make([]byte, 0, len(b)+64)
	buf = encodeAddr(buf, target)
	buf = append(buf, b...)

	peerUDP, ok := peer.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("socks5: udp peer is not a *net.UDPAddr")
	}
	n, err := c.conn.WriteToUDP(buf, peerUDP)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

func (c *udpAssocConn) Close() error { return c.conn.Close() }

// netAddrToAddress converts a dialed net.Addr back into an [addr.Address]
// for re-encoding into a SOCKS5 datagram header.
func netAddrToAddress(a net.Addr) addr.Address {
	switch v := a.(type) {
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		if !ok {
			return addr.Address{}
		}
		return addr.NewSocket(addr.UDP, ip.Unmap(), uint16(v.Port))
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		if !ok {
			return addr.Address{}
		}
		return addr.NewSocket(addr.UDP, ip.Unmap(), uint16(v.Port))
	default:
		return addr.Address{}
	}
}
