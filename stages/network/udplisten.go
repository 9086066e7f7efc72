package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
)

// maxDatagramSize bounds the per-recvfrom buffer for a UDP listener.
const maxDatagramSize = 64 * 1024

// udpPeerBacklog bounds the per-peer demultiplexed packet channel; see
// SPEC_FULL.md §6 (Open Question: UDP-peer channel bound, default 4096).
const udpPeerBacklog = 4096

// UDPFixedListener listens on one UDP socket and demultiplexes inbound
// datagrams by source address, yielding one [stage.Generator] item — a
// [stage.PacketConn] scoped to that source — the first time each source is
// seen. Every generated flow's fixed destination is target, since this
// listener supports only a preconfigured target (unlike a SOCKS5 UDP
// associate, which learns its target per-datagram).
//
// Adapted from: original_source/src/net/udp_fixed_listen.rs
// (FixedTargetAddrUDPListener).
type UDPFixedListener struct {
	stage.TagExt
	cfg    *stage.Config
	target addr.Address
}

// NewUDPFixedListener returns a [*UDPFixedListener] fixed to dst.
func NewUDPFixedListener(cfg *stage.Config, dst addr.Address) *UDPFixedListener {
	return &UDPFixedListener{cfg: cfg, target: dst}
}

// Name implements [stage.Mapper].
func (*UDPFixedListener) Name() string { return "udpFixedListener" }

// Maps implements [stage.Mapper].
func (l *UDPFixedListener) Maps(ctx context.Context, cid flow.CID, behavior stage.ProxyBehavior, params stage.Params) stage.Result {
	target := l.target
	if params.HasTarget {
		target = params.Target
	}

	sa, err := net.ResolveUDPAddr("udp", target.DialTarget())
	if err != nil {
		return stage.ErrResult(fmt.Errorf("udpFixedListener: resolve bind addr %s: %w", target, err))
	}
	conn, err := net.ListenUDP("udp", sa)
	if err != nil {
		return stage.ErrResult(fmt.Errorf("udpFixedListener: listen %s: %w", target, err))
	}

	out := make(chan stage.GeneratedFlow, generatorBacklog)
	demux := &udpDemux{
		conn:  conn,
		peers: make(map[string]*udpPeerConn),
		out:   out,
		dst:   target,
	}
	go demux.run(ctx)

	return stage.Result{Stream: stage.GeneratorStream(stage.Generator{Next: out})}
}

// udpDemux owns the shared socket and fans inbound packets out to one
// [udpPeerConn] per source address, spawning a new generated flow the
// first time a source is observed.
type udpDemux struct {
	conn *net.UDPConn
	dst  addr.Address

	mu    sync.Mutex
	peers map[string]*udpPeerConn

	out chan<- stage.GeneratedFlow
}

func (d *udpDemux) run(ctx context.Context) {
	defer close(d.out)
	defer d.conn.Close()

	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		key := from.String()

		d.mu.Lock()
		peer, ok := d.peers[key]
		if !ok {
			peer = &udpPeerConn{demux: d, peer: from, in: make(chan []byte, udpPeerBacklog)}
			d.peers[key] = peer
		}
		d.mu.Unlock()

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if !ok {
			select {
			case d.out <- stage.GeneratedFlow{
				Stream: stage.PacketStream(peer),
				Target: d.dst,
				HasTarget: true,
			}:
			default:
			}
		}

		select {
		case peer.in <- payload:
		default:
			// drop: peer consumer is not keeping up.
		}
	}
}

func (d *udpDemux) removePeer(key string) {
	d.mu.Lock()
	delete(d.peers, key)
	d.mu.Unlock()
}

// udpPeerConn is a [stage.PacketConn] scoped to one source address,
// demultiplexed out of a [udpDemux]'s shared socket.
type udpPeerConn struct {
	demux *udpDemux
	peer  net.Addr
	in    chan []byte

	closeOnce sync.Once
}

func (p *udpPeerConn) ReadFrom(b []byte) (int, net.Addr, error) {
	payload, ok := <-p.in
	if !ok {
		return 0, nil, fmt.Errorf("udpFixedListener: peer %s closed", p.peer)
	}
	n := copy(b, payload)
	return n, p.peer, nil
}

func (p *udpPeerConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return p.demux.conn.WriteToUDP(b, p.peer.(*net.UDPAddr))
}

func (p *udpPeerConn) Close() error {
	p.closeOnce.Do(func() {
		p.demux.removePeer(p.peer.String())
		close(p.in)
	})
	return nil
}
