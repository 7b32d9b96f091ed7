package udptransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const handshakeStreamTimeout = 5 * time.Second

// Session is the per-peer reliable byte-stream abstraction named in
// spec.md §4.2: one underlying QUIC connection carrying exactly one
// bidirectional stream, since a peer session multiplexes its own inner
// substreams at a higher layer (internal/peer) rather than relying on
// QUIC's native stream multiplexing.
type Session struct {
	conn   quic.Connection
	stream quic.Stream

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newSession(conn quic.Connection) (*Session, error) {
	s := &Session{conn: conn, closedCh: make(chan struct{})}

	// Whichever side completes the handshake first races to open the
	// stream; the other side accepts it. We try open-with-timeout then
	// fall back to accept so either order works without extra signaling.
	ctx, cancel := context.WithTimeout(conn.Context(), handshakeStreamTimeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		stream, err = conn.AcceptStream(conn.Context())
		if err != nil {
			return nil, fmt.Errorf("udptransport: establish stream: %w", err)
		}
	}
	s.stream = stream
	return s, nil
}

// Read reads from the session's byte stream.
func (s *Session) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write writes to the session's byte stream.
func (s *Session) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close tears down the stream and the underlying QUIC connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stream.Close()
		err = s.conn.CloseWithError(0, "bye")
		close(s.closedCh)
	})
	return err
}

// OnClose returns a channel closed once the session has been torn down,
// whether locally (Close) or by the peer/transport (connection error).
func (s *Session) OnClose() <-chan struct{} {
	go func() {
		<-s.conn.Context().Done()
		s.closeOnce.Do(func() {
			_ = s.stream.Close()
			close(s.closedCh)
		})
	}()
	return s.closedCh
}

// RemoteAddr returns the session's remote endpoint.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

var _ io.ReadWriteCloser = (*Session)(nil)
