package peer

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basarevych/tunneld/internal/identity"
	"github.com/basarevych/tunneld/internal/peerpb"
	"github.com/jonboulle/clockwork"
)

// Role is the end of a connection a local session plays (spec.md §3).
// Sessions of either role can be dialed out through Connect or accepted
// through Open.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Dialer opens an outbound reliable-UDP transport to one endpoint
// candidate and wraps it as a peer Transport, or starts NAT hole-punching
// when punch is true. internal/udptransport.Transport satisfies this
// through a thin adapter built by the supervisor.
type Dialer interface {
	Dial(connectionName string, endpoint string, punch bool) (Transport, error)
}

// ManagerCallbacks mirrors Callbacks one level up: the front multiplexer
// and tracker client observe connection-level, not session-level, events.
type ManagerCallbacks struct {
	OnEstablished func(sess *Session)
	OnInner       func(sess *Session, msg *peerpb.InnerMessage)
	OnClosed      func(sess *Session)
}

// Manager owns the registry of active Sessions and enforces spec.md §4.3's
// "exactly one session per (connectionName, remotePeerIdentity)" invariant,
// including the simultaneous-establishment tie-break: once both sides of a
// race reach established, only the lexicographically smaller sessionId
// survives.
type Manager struct {
	crypter  *identity.Crypter
	resolver identity.NameResolver
	clock    clockwork.Clock
	log      *slog.Logger
	cb       ManagerCallbacks

	mu       sync.Mutex
	byConn   map[string]map[string]*Session // connectionName -> sessionId -> Session
	fixed    map[string][]string            // connectionName -> fixedPeers
	encAllow map[string]bool                // connectionName -> encrypted
	tracker  map[string]string              // connectionName -> trackerName
}

// ManagerConfig for NewManager.
type ManagerConfig struct {
	Crypter   *identity.Crypter
	Resolver  identity.NameResolver
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Callbacks ManagerCallbacks
}

// NewManager constructs an empty session registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		crypter:  cfg.Crypter,
		resolver: cfg.Resolver,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		cb:       cfg.Callbacks,
		byConn:   make(map[string]map[string]*Session),
		fixed:    make(map[string][]string),
		encAllow: make(map[string]bool),
		tracker:  make(map[string]string),
	}
}

// ConnectionOptions configures how sessions for a connection behave, set
// once when the connection is first opened locally or learned from the
// tracker's connections-list.
type ConnectionOptions struct {
	TrackerName string
	Encrypted   bool
	FixedPeers  []string
}

// SetConnectionOptions records per-connection policy used by every session
// subsequently admitted for that connection name.
func (m *Manager) SetConnectionOptions(connectionName string, opts ConnectionOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker[connectionName] = opts.TrackerName
	m.encAllow[connectionName] = opts.Encrypted
	m.fixed[connectionName] = opts.FixedPeers
}

// Connect implements spec.md §4.3's `open(connectionName, role,
// endpointCandidates[])`: endpoint candidates are tried in order (internal
// addresses first, then external ones discovered via the tracker) until
// one yields a transport, which is then admitted as a new Session. For
// RoleServer with NAT traversal the caller passes punch=true candidates
// first; Dial is expected to block through the punch handshake.
func (m *Manager) Connect(connectionName string, role Role, endpointCandidates []string, punch bool, dialer Dialer, newSessionID func() string) (*Session, error) {
	var lastErr error
	for _, ep := range endpointCandidates {
		transport, err := dialer.Dial(connectionName, ep, punch)
		if err != nil {
			lastErr = err
			m.log.Debug("endpoint candidate failed", "connection", connectionName, "endpoint", ep, "error", err)
			continue
		}
		return m.Open(newSessionID(), connectionName, transport), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("peer: no endpoint candidates for connection %s", connectionName)
	}
	return nil, fmt.Errorf("peer: connect %s (role=%v): %w", connectionName, role, lastErr)
}

// Open admits a new session for connectionName over an already-connected
// transport. Connect calls this once it has a live Transport for one
// endpoint candidate; udptransport's Accept path calls it directly for
// inbound sessions.
func (m *Manager) Open(sessionID, connectionName string, transport Transport) *Session {
	m.mu.Lock()
	trackerName := m.tracker[connectionName]
	encrypted := m.encAllow[connectionName]
	fixedPeers := m.fixed[connectionName]
	m.mu.Unlock()

	sess := New(Config{
		ID:             sessionID,
		ConnectionName: connectionName,
		Transport:      transport,
		Crypter:        m.crypter,
		Resolver:       m.resolver,
		TrackerName:    trackerName,
		Encrypted:      encrypted,
		FixedPeers:     fixedPeers,
		Clock:          m.clock,
		Logger:         m.log,
		Callbacks: Callbacks{
			OnEstablished: m.onEstablished,
			OnInner:       m.onInner,
			OnClosed:      m.onClosed,
		},
	})

	m.mu.Lock()
	if m.byConn[connectionName] == nil {
		m.byConn[connectionName] = make(map[string]*Session)
	}
	m.byConn[connectionName][sessionID] = sess
	m.mu.Unlock()

	return sess
}

// TrackerName returns the tracker configured for connectionName via
// SetConnectionOptions, or "" if none is set.
func (m *Manager) TrackerName(connectionName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker[connectionName]
}

// IsEstablished reports whether connectionName currently has at least one
// session in PhaseEstablished.
func (m *Manager) IsEstablished(connectionName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byConn[connectionName] {
		if s.Phase() == PhaseEstablished {
			return true
		}
	}
	return false
}

// Sessions returns the currently registered sessions for a connection.
func (m *Manager) Sessions(connectionName string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byConn[connectionName]))
	for _, s := range m.byConn[connectionName] {
		out = append(out, s)
	}
	return out
}

func (m *Manager) onEstablished(sess *Session) {
	loser := m.resolveRace(sess)
	if loser != nil {
		m.log.Info("race tie-break: closing superseded session",
			"connection", sess.ConnectionName(), "winner", sess.ID(), "loser", loser.ID())
		loser.Bye()
		return
	}
	if m.cb.OnEstablished != nil {
		m.cb.OnEstablished(sess)
	}
}

// resolveRace implements spec.md §4.3's simultaneous-establishment
// tie-break: when more than one session for the same connection and the
// same remote peer identity has reached established, only the
// lexicographically smallest sessionId survives. Returns the session that should send BYE, or nil if sess is
// uncontested.
func (m *Manager) resolveRace(sess *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := m.byConn[sess.ConnectionName()]
	var winner, loser *Session
	for _, s := range peers {
		if s.Phase() != PhaseEstablished {
			continue
		}
		if !bytes.Equal(s.PeerIdentity, sess.PeerIdentity) {
			continue
		}
		if winner == nil || s.ID() < winner.ID() {
			if winner != nil {
				loser = winner
			}
			winner = s
		} else {
			loser = s
		}
	}
	if winner == sess {
		return loser
	}
	if loser == sess {
		return sess
	}
	return nil
}

func (m *Manager) onInner(sess *Session, msg *peerpb.InnerMessage) {
	if m.cb.OnInner != nil {
		m.cb.OnInner(sess, msg)
	}
}

func (m *Manager) onClosed(sess *Session) {
	m.mu.Lock()
	if peers := m.byConn[sess.ConnectionName()]; peers != nil {
		delete(peers, sess.ID())
		if len(peers) == 0 {
			delete(m.byConn, sess.ConnectionName())
		}
	}
	m.mu.Unlock()
	if m.cb.OnClosed != nil {
		m.cb.OnClosed(sess)
	}
}

// CloseConnection sends BYE on every session for name and removes the
// connection's bookkeeping (spec.md §4.3 `closeConnection(name)`).
func (m *Manager) CloseConnection(name string) {
	for _, sess := range m.Sessions(name) {
		sess.Bye()
	}
	m.mu.Lock()
	delete(m.byConn, name)
	delete(m.fixed, name)
	delete(m.encAllow, name)
	delete(m.tracker, name)
	m.mu.Unlock()
}

// Send routes an inner message to the named session, per spec.md §4.3
// `send(sessionId, innerMessage)`.
func (m *Manager) Send(connectionName, sessionID string, msg *peerpb.InnerMessage) error {
	m.mu.Lock()
	peers := m.byConn[connectionName]
	var sess *Session
	if peers != nil {
		sess = peers[sessionID]
	}
	m.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("peer: no such session %s for connection %s", sessionID, connectionName)
	}
	sess.Send(msg)
	return nil
}
