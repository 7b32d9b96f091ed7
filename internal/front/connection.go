package front

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/basarevych/tunneld/internal/peer"
	"github.com/basarevych/tunneld/internal/peerpb"
)

// connection is one named tunnel's local-side state: either a server-role
// backend dial target or a client-role listener, plus the substreams
// currently multiplexed over its active session.
type connection struct {
	front       *Front
	name        string
	role        peer.Role
	connectAddr string       // server role
	listener    net.Listener // client role
	listenAddr  string       // client role, as passed to AddClientConnection

	nextID atomic.Uint32

	mu        sync.Mutex
	sessionID string
	streams   map[uint32]*stream
	closed    bool
}

func (c *connection) setConnectAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectAddr = addr
}

func (c *connection) bind(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// unbind drops every substream riding sessionID. A stale OnClosed for an
// already-superseded session (e.g. the race loser in peer.Manager) is a
// no-op since c.sessionID no longer matches.
func (c *connection) unbind(sessionID string) {
	c.mu.Lock()
	if c.sessionID != sessionID {
		c.mu.Unlock()
		return
	}
	c.sessionID = ""
	streams := c.streams
	c.streams = make(map[uint32]*stream)
	c.mu.Unlock()

	for _, st := range streams {
		st.closeLocal()
	}
}

func (c *connection) close() {
	c.mu.Lock()
	c.closed = true
	streams := c.streams
	c.streams = make(map[uint32]*stream)
	ln := c.listener
	c.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, st := range streams {
		st.closeLocal()
	}
}

func (c *connection) send(msg *peerpb.InnerMessage) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return io.ErrClosedPipe
	}
	return c.front.peer.Send(c.name, sessionID, msg)
}

func (c *connection) addStream(id uint32, conn net.Conn) *stream {
	st := &stream{id: id, conn: conn}
	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()
	return st
}

func (c *connection) getStream(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *connection) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// acceptLoop is the client-role listener's accept loop, submitted once to
// the shared worker pool. It runs until the listener is closed.
func (c *connection) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return // listener closed
		}
		id := c.nextID.Add(1)
		st := c.addStream(id, conn)
		if err := c.send(&peerpb.InnerMessage{Type: peerpb.InnerOpen, ID: id}); err != nil {
			c.front.log.Debug("front: no session to open substream on", "connection", c.name, "error", err)
			c.removeStream(id)
			_ = conn.Close()
			continue
		}
		c.front.pool.Submit(func() { c.pumpTCPToPeer(st) })
	}
}

// handleRemoteOpen is server-role's reaction to an inbound OPEN: dial the
// backend on demand and start relaying (spec.md §4.4).
func (c *connection) handleRemoteOpen(sessionID string, id uint32) {
	c.mu.Lock()
	addr := c.connectAddr
	c.mu.Unlock()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.front.log.Warn("front: backend dial failed", "connection", c.name, "addr", addr, "error", err)
		_ = c.front.peer.Send(c.name, sessionID, &peerpb.InnerMessage{Type: peerpb.InnerClose, ID: id})
		return
	}
	st := c.addStream(id, conn)
	c.front.pool.Submit(func() { c.pumpTCPToPeer(st) })
}

func (c *connection) handleRemoteData(id uint32, data []byte) {
	st := c.getStream(id)
	if st == nil || st.isDraining() {
		return
	}
	if _, err := st.conn.Write(data); err != nil {
		c.localClose(st)
	}
}

// handleRemoteClose tears the substream down immediately: the remote side
// already stopped sending DATA for id (spec.md §4.3's session-level
// bookkeeping guarantees it), so no drain period is needed here.
func (c *connection) handleRemoteClose(id uint32) {
	st := c.getStream(id)
	if st == nil {
		return
	}
	c.removeStream(id)
	st.closeLocal()
}

func (c *connection) pumpTCPToPeer(st *stream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := st.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := c.send(&peerpb.InnerMessage{Type: peerpb.InnerData, ID: st.id, Data: chunk}); sendErr != nil {
				c.localClose(st)
				return
			}
		}
		if err != nil {
			c.localClose(st)
			return
		}
	}
}

// localClose starts st's drain period: the local TCP side is closed right
// away, but the inner CLOSE isn't sent to the peer until DrainTimeout
// elapses, so any DATA already in flight from the peer is absorbed and
// silently dropped instead of being rejected as a protocol violation
// (spec.md §4.4).
func (c *connection) localClose(st *stream) {
	if !st.beginDrain() {
		return
	}
	sessionID := func() string {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.sessionID
	}()
	c.front.clock.AfterFunc(DrainTimeout, func() {
		c.removeStream(st.id)
		if sessionID != "" {
			_ = c.front.peer.Send(c.name, sessionID, &peerpb.InnerMessage{Type: peerpb.InnerClose, ID: st.id})
		}
	})
}
