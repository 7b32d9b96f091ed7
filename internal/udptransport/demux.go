package udptransport

import (
	"net"
	"sync"
)

// punchMagic is the first byte of every non-QUIC datagram this transport
// ever sends or expects on the shared socket. RFC 9000 requires every
// QUIC datagram's first byte to have the 0x40 "fixed bit" set, so using a
// leading byte without that bit set gives us an unambiguous discriminator
// without inspecting QUIC's (complex, version-dependent) header layout
// any further.
const punchMagic = 0x00

type packet struct {
	data []byte
	addr net.Addr
}

// demuxConn wraps a UDP socket so two consumers can share it: quic-go's
// transport, which expects a plain net.PacketConn, and this package's own
// punch/tracker inline-receive path. A single background goroutine owns
// the real socket read; everything else reads from a channel.
type demuxConn struct {
	net.PacketConn

	quicCh chan packet

	mu   sync.Mutex
	hook InlineReceiveHook

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newDemuxConn(pconn net.PacketConn) *demuxConn {
	d := &demuxConn{
		PacketConn: pconn,
		quicCh:     make(chan packet, 256),
		closeCh:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

func (d *demuxConn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := d.PacketConn.ReadFrom(buf)
		if err != nil {
			close(d.quicCh)
			return
		}
		if n == 0 {
			continue
		}
		if buf[0]&0x40 == 0 {
			// Not a QUIC datagram: punch marker or tracker inline traffic.
			d.mu.Lock()
			hook := d.hook
			d.mu.Unlock()
			if hook != nil {
				if udpAddr, ok := addr.(*net.UDPAddr); ok {
					cp := append([]byte(nil), buf[:n]...)
					hook(udpAddr, cp)
				}
			}
			continue
		}
		cp := append([]byte(nil), buf[:n]...)
		select {
		case d.quicCh <- packet{data: cp, addr: addr}:
		case <-d.closeCh:
			return
		}
	}
}

func (d *demuxConn) setHook(hook InlineReceiveHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = hook
}

// ReadFrom satisfies net.PacketConn for quic-go: it only ever yields
// datagrams the read loop classified as QUIC traffic.
func (d *demuxConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case pkt, ok := <-d.quicCh:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(b, pkt.data)
		return n, pkt.addr, nil
	case <-d.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (d *demuxConn) Close() error {
	d.closeOnce.Do(func() { close(d.closeCh) })
	return d.PacketConn.Close()
}
