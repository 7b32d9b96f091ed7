// Package udptransport implements spec.md §4.2's reliable UDP transport:
// a single shared UDP socket carrying session traffic, tracker traffic,
// and NAT hole-punch datagrams, demultiplexed by the transport on each
// datagram's first byte. Reliability,
// ordering, and retransmission are delegated to github.com/quic-go/quic-go
// — a session is one QUIC connection, and its byte-stream interface is
// one bidirectional QUIC stream opened as soon as the connection is
// established.
package udptransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN identifies this protocol on the shared QUIC transport, preventing
// an unrelated QUIC client from completing a handshake against us.
const ALPN = "tunneld/1"

// InlineReceiveHook is handed every UDP datagram read off the shared
// socket that the QUIC transport itself doesn't consume as a handshake or
// session packet — e.g. a tracker's UDP-side keepalive or a punch
// datagram from a peer we haven't dialed yet (spec.md §4.2: "demultiplex
// incoming packets to either a session, a pending-dial handler, or the
// tracker client's inline receive hook").
type InlineReceiveHook func(addr *net.UDPAddr, data []byte)

// Transport owns the single shared UDP socket for sessions, punching, and
// (via the inline hook) tracker traffic.
type Transport struct {
	pconn   net.PacketConn
	qtr     *quic.Transport
	tlsConf *tls.Config
	quicCfg *quic.Config

	mu     sync.Mutex
	hook   InlineReceiveHook
	closed bool
	ln     *quic.Listener
	lnErr  error
}

// Listen opens the shared UDP socket on port and prepares it to accept
// both inbound QUIC sessions (via Accept) and punch/tracker datagrams.
// serverName/certificate selection is the caller's responsibility via
// tlsConf, since both sides of a peer link are simultaneously client and
// server to each other for NAT-traversal purposes.
func Listen(port int, tlsConf *tls.Config) (*Transport, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("udptransport: listen on :%d: %w", port, err)
	}
	pconn := newDemuxConn(udpConn)
	t := &Transport{
		pconn:   pconn,
		tlsConf: tlsConf,
		quicCfg: &quic.Config{KeepAlivePeriod: 10 * time.Second},
	}
	t.qtr = &quic.Transport{Conn: pconn}
	return t, nil
}

// SetInlineReceiveHook installs the callback for datagrams the transport
// itself does not own. Only one hook is held; a later call replaces the
// earlier hook.
func (t *Transport) SetInlineReceiveHook(hook InlineReceiveHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
	if d, ok := t.pconn.(*demuxConn); ok {
		d.setHook(hook)
	}
}

// LocalAddr returns the shared socket's local address, used for
// advertising the "internal" endpoint candidate to the tracker.
func (t *Transport) LocalAddr() net.Addr {
	return t.pconn.LocalAddr()
}

// listener lazily creates the one quic.Listener this transport's socket
// supports and reuses it for every subsequent Accept: quic.Transport only
// allows a single active listener per socket, so calling Listen again on
// a second Accept would error once a peer has already connected.
func (t *Transport) listener() (*quic.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil && t.lnErr == nil {
		t.ln, t.lnErr = t.qtr.Listen(t.tlsConf, t.quicCfg)
	}
	return t.ln, t.lnErr
}

// Accept blocks for the next inbound peer session.
func (t *Transport) Accept(ctx context.Context) (*Session, error) {
	ln, err := t.listener()
	if err != nil {
		return nil, fmt.Errorf("udptransport: listen for sessions: %w", err)
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("udptransport: accept: %w", err)
	}
	return newSession(conn)
}

// Dial establishes a session to remoteAddr:remotePort. Callers that need
// NAT traversal should call Punch against the same address first so a
// mapping exists by the time the handshake packets arrive.
func (t *Transport) Dial(ctx context.Context, remoteAddress string, remotePort int) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteAddress, remotePort))
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolve %s:%d: %w", remoteAddress, remotePort, err)
	}
	conn, err := t.qtr.Dial(ctx, addr, t.tlsConf, t.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("udptransport: dial %s:%d: %w", remoteAddress, remotePort, err)
	}
	return newSession(conn)
}

// Punch sends a burst of small datagrams to remoteAddress:remotePort to
// open a NAT mapping for the local port before or alongside a Dial/Accept
// race (spec.md §4.2 "punch"). It never blocks waiting for a reply — NAT
// traversal here is "fire enough packets that the mapping exists", not a
// handshake of its own.
func (t *Transport) Punch(ctx context.Context, attempts int, remoteAddress string, remotePort int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteAddress, remotePort))
	if err != nil {
		return fmt.Errorf("udptransport: resolve %s:%d: %w", remoteAddress, remotePort, err)
	}
	punchMarker := append([]byte{punchMagic}, []byte("TUNNELD-PUNCH")...)
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := t.pconn.WriteTo(punchMarker, addr); err != nil {
			return fmt.Errorf("udptransport: punch write: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

// Close shuts down the shared socket and any in-flight sessions.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	ln := t.ln
	t.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if err := t.qtr.Close(); err != nil {
		return err
	}
	return t.pconn.Close()
}
