package front

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/basarevych/tunneld/internal/peerpb"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*peerpb.InnerMessage
	fail bool
}

func (r *recordingSender) Send(connectionName, sessionID string, msg *peerpb.InnerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) last() *peerpb.InnerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestServerRoleDialsBackendOnOpen(t *testing.T) {
	backend := startEchoServer(t)
	sender := &recordingSender{}
	f := New(Config{Peer: sender, Clock: clockwork.NewRealClock()})
	defer f.Close()

	f.AddServerConnection("p/q", backend)
	c := f.connection("p/q")
	c.bind("sess-1")

	c.handleRemoteOpen("sess-1", 1)
	c.handleRemoteData(1, []byte("HELLO"))

	waitFor(t, time.Second, func() bool {
		msg := sender.last()
		return msg != nil && msg.Type == peerpb.InnerData && string(msg.Data) == "HELLO"
	})
}

func TestClientRoleOpensOnAccept(t *testing.T) {
	sender := &recordingSender{}
	f := New(Config{Peer: sender, Clock: clockwork.NewRealClock()})
	defer f.Close()

	require.NoError(t, f.AddClientConnection("p/q", "127.0.0.1:0"))
	c := f.connection("p/q")
	c.bind("sess-1")

	addr := c.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, time.Second, func() bool {
		msg := sender.last()
		return msg != nil && msg.Type == peerpb.InnerOpen
	})

	_, err = conn.Write([]byte("PING"))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		msg := sender.last()
		return msg != nil && msg.Type == peerpb.InnerData && string(msg.Data) == "PING"
	})
}

func TestRemoteCloseTearsDownStreamImmediately(t *testing.T) {
	backend := startEchoServer(t)
	sender := &recordingSender{}
	f := New(Config{Peer: sender, Clock: clockwork.NewRealClock()})
	defer f.Close()

	f.AddServerConnection("p/q", backend)
	c := f.connection("p/q")
	c.bind("sess-1")
	c.handleRemoteOpen("sess-1", 1)

	waitFor(t, time.Second, func() bool { return c.getStream(1) != nil })
	c.handleRemoteClose(1)
	require.Nil(t, c.getStream(1))
}

func TestLocalCloseDrainsBeforeSendingClose(t *testing.T) {
	backend := startEchoServer(t)
	sender := &recordingSender{}
	clk := clockwork.NewFakeClock()
	f := New(Config{Peer: sender, Clock: clk})
	defer f.Close()

	f.AddServerConnection("p/q", backend)
	c := f.connection("p/q")
	c.bind("sess-1")
	c.handleRemoteOpen("sess-1", 1)

	waitFor(t, time.Second, func() bool { return c.getStream(1) != nil })
	st := c.getStream(1)
	_ = st.conn.Close() // local backend side goes away, pump observes EOF

	waitFor(t, time.Second, func() bool { return st.isDraining() })
	clk.BlockUntil(1)

	// Before DrainTimeout elapses, no CLOSE has been sent yet.
	require.Nil(t, sender.last())

	clk.Advance(DrainTimeout)
	waitFor(t, time.Second, func() bool {
		msg := sender.last()
		return msg != nil && msg.Type == peerpb.InnerClose && msg.ID == 1
	})
}
