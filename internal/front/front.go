// Package front implements the bridge between local TCP sockets and the
// inner-message substream protocol of a peer session (spec.md §4.4): a
// server-role connection dials a backend TCP address on demand, a
// client-role connection listens locally and multiplexes accepted clients
// over the peer link.
package front

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/basarevych/tunneld/internal/peer"
	"github.com/basarevych/tunneld/internal/peerpb"
	"github.com/jonboulle/clockwork"
)

// DrainTimeout is T3 (spec.md §4.4): how long a locally-closed substream
// keeps absorbing late in-flight DATA before the CLOSE is actually sent.
const DrainTimeout = 2 * time.Second

// PeerSender is the capability Front needs from the peer session layer,
// satisfied by *peer.Manager (spec.md's Design Note: components depend on
// small interfaces, not a central registry).
type PeerSender interface {
	Send(connectionName, sessionID string, msg *peerpb.InnerMessage) error
}

// Config configures a Front.
type Config struct {
	Peer     PeerSender
	Clock    clockwork.Clock
	Logger   *slog.Logger
	PoolSize int
}

// Front owns every active connection's local TCP side and relays bytes to
// and from its currently established peer session.
type Front struct {
	peer  PeerSender
	clock clockwork.Clock
	log   *slog.Logger
	pool  pond.Pool

	mu    sync.Mutex
	conns map[string]*connection
}

// New constructs a Front with no connections registered yet.
func New(cfg Config) *Front {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 256
	}
	return &Front{
		peer:  cfg.Peer,
		clock: cfg.Clock,
		log:   cfg.Logger,
		pool:  pond.NewPool(cfg.PoolSize),
		conns: make(map[string]*connection),
	}
}

// Close stops every listener and tears down every active substream.
func (f *Front) Close() {
	f.mu.Lock()
	conns := make([]*connection, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.conns = make(map[string]*connection)
	f.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	f.pool.StopAndWait()
}

// AddServerConnection registers connectionName as server-role: a TCP dial
// to connectAddr happens on demand for each peer-initiated OPEN.
// Re-activating an already-registered server connection refreshes
// connectAddr in place rather than replacing the connection, so it does
// not drop an already-bound session or its open substreams.
func (f *Front) AddServerConnection(connectionName, connectAddr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.conns[connectionName]; ok && existing.role == peer.RoleServer {
		existing.setConnectAddr(connectAddr)
		return
	}
	f.conns[connectionName] = &connection{
		front:       f,
		name:        connectionName,
		role:        peer.RoleServer,
		connectAddr: connectAddr,
		streams:     make(map[uint32]*stream),
	}
}

// AddClientConnection registers connectionName as client-role and starts a
// TCP listener on listenAddr, accepting local clients that get multiplexed
// over the connection's currently established session. Re-activating an
// already-listening connection with the same listenAddr (e.g. a repeated
// ConnectionsList reconciliation) is a no-op: it does not re-bind the
// socket or drop substreams already in flight.
func (f *Front) AddClientConnection(connectionName, listenAddr string) error {
	f.mu.Lock()
	if existing, ok := f.conns[connectionName]; ok && existing.role == peer.RoleClient && existing.listenAddr == listenAddr {
		f.mu.Unlock()
		return nil
	}
	stale := f.conns[connectionName]
	f.mu.Unlock()
	if stale != nil {
		stale.close()
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("front: listen %s for %s: %w", listenAddr, connectionName, err)
	}
	c := &connection{
		front:      f,
		name:       connectionName,
		role:       peer.RoleClient,
		listener:   ln,
		listenAddr: listenAddr,
		streams:    make(map[uint32]*stream),
	}
	f.mu.Lock()
	f.conns[connectionName] = c
	f.mu.Unlock()

	f.pool.Submit(c.acceptLoop)
	return nil
}

// RemoveConnection tears down a connection's local side: its listener (if
// any) and every open substream.
func (f *Front) RemoveConnection(connectionName string) {
	f.mu.Lock()
	c := f.conns[connectionName]
	delete(f.conns, connectionName)
	f.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func (f *Front) connection(name string) *connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[name]
}

// OnEstablished binds a newly established session as the active transport
// for its connection, satisfying peer.ManagerCallbacks.OnEstablished.
func (f *Front) OnEstablished(sess *peer.Session) {
	c := f.connection(sess.ConnectionName())
	if c == nil {
		return
	}
	c.bind(sess.ID())
}

// OnInner dispatches one inner substream event, satisfying
// peer.ManagerCallbacks.OnInner.
func (f *Front) OnInner(sess *peer.Session, msg *peerpb.InnerMessage) {
	c := f.connection(sess.ConnectionName())
	if c == nil {
		return
	}
	switch msg.Type {
	case peerpb.InnerOpen:
		c.handleRemoteOpen(sess.ID(), msg.ID)
	case peerpb.InnerData:
		c.handleRemoteData(msg.ID, msg.Data)
	case peerpb.InnerClose:
		c.handleRemoteClose(msg.ID)
	}
}

// OnClosed tears down every substream riding the now-dead session; the
// client-role listener, if any, stays open for the next session (spec.md
// §4.4: "If the peer session dies ... the local listener remains open").
func (f *Front) OnClosed(sess *peer.Session) {
	c := f.connection(sess.ConnectionName())
	if c == nil {
		return
	}
	c.unbind(sess.ID())
}
