package peer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basarevych/tunneld/internal/identity"
	"github.com/basarevych/tunneld/internal/peerpb"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/jonboulle/clockwork"
)

// Transport is the minimal byte-stream interface a Session needs from the
// reliable-UDP layer (internal/udptransport.Session satisfies it). Tests
// substitute an in-memory pipe.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// T1/T2 per spec.md §4.3: handshake timeout and BYE grace period.
// RejectByeDelay is the pause between a REJECTED ConnectResponse and the
// BYE that follows it.
const (
	HandshakeTimeout = 30 * time.Second
	ByeGrace         = 5 * time.Second
	RejectByeDelay   = 3 * time.Second
)

// Config configures a new Session. Every session sends its own
// ConnectRequest on entering handshake — both sides of a link do this
// independently (spec.md §4.3: "both sides
// received the other's ConnectRequest").
type Config struct {
	ID             string
	ConnectionName string
	Transport      Transport
	Crypter        *identity.Crypter
	Resolver       identity.NameResolver
	TrackerName    string
	Encrypted      bool
	FixedPeers     []string
	Clock          clockwork.Clock
	Logger         *slog.Logger
	Callbacks      Callbacks
}

// Session is one authenticated reliable-UDP channel between two daemons
// for a specific connection (spec.md's "Peer session").
type Session struct {
	id             string
	connectionName string
	transport      Transport
	codec          *wire.Codec
	crypter        *identity.Crypter
	resolver       identity.NameResolver
	trackerName    string
	encrypted      bool
	fixedPeers     []string
	clock          clockwork.Clock
	log            *slog.Logger
	cb             Callbacks

	phase    atomic.Int32
	lastActv atomic.Int64 // unix nanos

	PeerIdentity []byte
	PeerName     string

	sendCh  chan *peerpb.InnerMessage
	doneCh  chan struct{}
	timerCh chan func()
	closed  atomic.Bool

	mu                 sync.Mutex
	sentConnectRequest bool
	localVerified      bool
	receivedAccept     bool
	established        bool
	openSubstreams     map[uint32]bool
}

// New constructs a Session bound to an already-connected Transport and
// immediately starts its run loop. Call Close to tear it down.
func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		id:             cfg.ID,
		connectionName: cfg.ConnectionName,
		transport:      cfg.Transport,
		codec:          wire.NewCodec(cfg.Transport),
		crypter:        cfg.Crypter,
		resolver:       cfg.Resolver,
		trackerName:    cfg.TrackerName,
		encrypted:      cfg.Encrypted,
		fixedPeers:     cfg.FixedPeers,
		clock:          cfg.Clock,
		log:            cfg.Logger.With("session", cfg.ID, "connection", cfg.ConnectionName),
		cb:             cfg.Callbacks,
		sendCh:         make(chan *peerpb.InnerMessage, 64),
		doneCh:         make(chan struct{}),
		timerCh:        make(chan func(), 1),
		openSubstreams: make(map[uint32]bool),
	}
	s.phase.Store(int32(PhaseDialing))
	if err := s.crypter.NewSession(s.id); err != nil {
		s.log.Error("failed to allocate session key material", "error", err)
	}
	go s.run()
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// ConnectionName returns the connection this session belongs to.
func (s *Session) ConnectionName() string { return s.connectionName }

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) touch() { s.lastActv.Store(s.clock.Now().UnixNano()) }

// LastActivity reports the last time a frame was read or written.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActv.Load())
}

// Send queues an inner message for transmission, wrapping it in the
// session's outer DATA/ENCRYPTED_DATA envelope. Dropped silently once the
// session is closed.
func (s *Session) Send(msg *peerpb.InnerMessage) {
	select {
	case s.sendCh <- msg:
	case <-s.doneCh:
	}
}

// Bye requests a graceful shutdown: sends BYE and waits up to ByeGrace for
// the transport to report closed before forcing it. Routed through the run
// loop so transitionClosing only ever runs on the session's own goroutine
// and the loop wakes immediately to start the grace timer.
func (s *Session) Bye() {
	select {
	case s.timerCh <- s.transitionClosing:
	case <-s.doneCh:
	}
}

// Close tears the session down immediately without sending BYE.
func (s *Session) Close() {
	s.finish()
}

// Done returns a channel closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) run() {
	defer s.finish()

	readCh := make(chan *peerpb.OuterMessage)
	readErrCh := make(chan error, 1)
	go s.readLoop(readCh, readErrCh)

	s.setPhase(PhaseHandshake)
	s.sendConnectRequest()

	handshakeTimer := s.clock.NewTimer(HandshakeTimeout)
	defer handshakeTimer.Stop()
	var byeTimer clockwork.Timer

	for {
		select {
		case <-s.doneCh:
			return

		case om, ok := <-readCh:
			if !ok {
				return
			}
			s.touch()
			s.handleOuter(om)

		case err := <-readErrCh:
			s.log.Debug("transport read ended", "error", err)
			return

		case inner := <-s.sendCh:
			if s.Phase() != PhaseEstablished {
				continue // spec.md §4.3: messages before established are dropped
			}
			s.sendInner(inner)

		case fn := <-s.timerCh:
			fn()

		case <-handshakeTimer.Chan():
			if s.Phase() != PhaseEstablished {
				s.log.Info("handshake timed out")
				return
			}

		case <-chanOrNil(byeTimer):
			s.log.Info("BYE grace period elapsed, forcing close")
			return
		}

		if s.Phase() == PhaseClosing && byeTimer == nil {
			byeTimer = s.clock.NewTimer(ByeGrace)
			defer byeTimer.Stop()
		}
	}
}

// chanOrNil lets a nil clockwork.Timer be selected on without firing.
func chanOrNil(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func (s *Session) readLoop(out chan<- *peerpb.OuterMessage, errCh chan<- error) {
	defer close(out)
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		om, err := peerpb.UnmarshalOuterMessage(frame)
		if err != nil {
			errCh <- fmt.Errorf("peer: decode outer message: %w", err)
			return
		}
		select {
		case out <- om:
		case <-s.doneCh:
			return
		}
	}
}

func (s *Session) setPhase(p Phase) {
	old := Phase(s.phase.Swap(int32(p)))
	if old != p {
		s.log.Debug("phase transition", "from", old, "to", p)
	}
}

func (s *Session) sendConnectRequest() {
	s.mu.Lock()
	if s.sentConnectRequest {
		s.mu.Unlock()
		return
	}
	s.sentConnectRequest = true
	s.mu.Unlock()

	sig, err := s.crypter.Sign(s.id)
	if err != nil {
		s.log.Error("failed to sign connect request", "error", err)
		return
	}
	pub, err := s.crypter.LocalPublicKey(s.id)
	if err != nil {
		s.log.Error("failed to read local ephemeral key", "error", err)
		return
	}
	s.writeOuter(&peerpb.OuterMessage{
		Type:           peerpb.OuterConnectRequest,
		ConnectionName: s.connectionName,
		Identity:       s.crypter.Identity(),
		PublicKey:      pub,
		Signature:      sig,
	})
}

func (s *Session) handleOuter(om *peerpb.OuterMessage) {
	switch om.Type {
	case peerpb.OuterConnectRequest:
		s.handleConnectRequest(om)
	case peerpb.OuterConnectResponse:
		s.handleConnectResponse(om)
	case peerpb.OuterBye:
		s.log.Info("received BYE")
		s.finish()
	case peerpb.OuterData:
		if s.Phase() != PhaseEstablished {
			return // dropped: not yet established (spec.md §4.3)
		}
		s.deliverInnerBytes(om.Payload)
	case peerpb.OuterEncryptedData:
		if s.Phase() != PhaseEstablished {
			return
		}
		plaintext, ok := s.crypter.Decrypt(s.id, om.Nonce, om.Ciphertext)
		if !ok {
			s.log.Warn("decryption failed, tearing down session")
			s.finish()
			return
		}
		s.deliverInnerBytes(plaintext)
	default:
		s.log.Debug("ignoring unknown outer message type", "type", om.Type)
	}
}

func (s *Session) deliverInnerBytes(payload []byte) {
	inner, err := peerpb.UnmarshalInnerMessage(payload)
	if err != nil {
		s.log.Warn("malformed inner message, closing session", "error", err)
		s.finish()
		return
	}
	s.mu.Lock()
	switch inner.Type {
	case peerpb.InnerOpen:
		if s.openSubstreams[inner.ID] {
			s.mu.Unlock()
			s.log.Warn("duplicate OPEN for substream, protocol violation", "id", inner.ID)
			s.finish()
			return
		}
		s.openSubstreams[inner.ID] = true
	case peerpb.InnerData:
		if !s.openSubstreams[inner.ID] {
			s.mu.Unlock()
			return // spec.md §3: data with unknown IDs is dropped
		}
	case peerpb.InnerClose:
		delete(s.openSubstreams, inner.ID)
	}
	s.mu.Unlock()

	if s.cb.OnInner != nil {
		s.cb.OnInner(s, inner)
	}
}

func (s *Session) handleConnectRequest(om *peerpb.OuterMessage) {
	if s.Phase() == PhaseClosing || s.Phase() == PhaseClosed {
		return
	}
	s.PeerIdentity = om.Identity
	s.setPhase(PhaseVerifying)

	result := s.crypter.Verify(s.resolver, s.id, s.trackerName, om.Identity, om.PublicKey, om.Signature, s.fixedPeers)
	s.PeerName = result.PeerName

	if !result.Verified {
		s.log.Info("peer verification failed", "peer_name", result.PeerName)
		s.writeOuter(&peerpb.OuterMessage{Type: peerpb.OuterConnectResponse, Result: peerpb.ResultRejected})
		s.scheduleRejectBye()
		return
	}

	if err := s.crypter.Derive(s.id); err != nil {
		s.log.Error("failed to derive shared key", "error", err)
		s.transitionClosing()
		return
	}

	s.mu.Lock()
	s.localVerified = true
	accept := s.receivedAccept
	s.mu.Unlock()

	s.writeOuter(&peerpb.OuterMessage{Type: peerpb.OuterConnectResponse, Result: peerpb.ResultAccepted})

	if accept {
		s.maybeEstablish()
	}
}

func (s *Session) handleConnectResponse(om *peerpb.OuterMessage) {
	if om.Result != peerpb.ResultAccepted {
		s.log.Info("peer rejected connect request")
		s.finish()
		return
	}
	s.mu.Lock()
	s.receivedAccept = true
	verified := s.localVerified
	s.mu.Unlock()
	if verified {
		s.maybeEstablish()
	}
}

func (s *Session) maybeEstablish() {
	s.mu.Lock()
	if s.established || !s.localVerified || !s.receivedAccept {
		s.mu.Unlock()
		return
	}
	s.established = true
	s.mu.Unlock()

	s.setPhase(PhaseEstablished)
	if s.cb.OnEstablished != nil {
		s.cb.OnEstablished(s)
	}
}

func (s *Session) sendInner(inner *peerpb.InnerMessage) {
	s.mu.Lock()
	switch inner.Type {
	case peerpb.InnerOpen:
		s.openSubstreams[inner.ID] = true
	case peerpb.InnerClose:
		delete(s.openSubstreams, inner.ID)
	}
	s.mu.Unlock()

	payload := inner.Marshal()
	if s.encrypted {
		nonce, ciphertext, err := s.crypter.Encrypt(s.id, payload)
		if err != nil {
			s.log.Error("encryption failed", "error", err)
			return
		}
		s.writeOuter(&peerpb.OuterMessage{Type: peerpb.OuterEncryptedData, Nonce: nonce, Ciphertext: ciphertext})
		return
	}
	s.writeOuter(&peerpb.OuterMessage{Type: peerpb.OuterData, Payload: payload})
}

func (s *Session) writeOuter(om *peerpb.OuterMessage) {
	if err := s.codec.WriteFrame(om.Marshal()); err != nil {
		s.log.Debug("write failed", "error", err)
		return
	}
	s.touch()
}

// scheduleRejectBye delays the BYE that follows a REJECTED ConnectResponse
// by RejectByeDelay (spec.md §4.3), routed back through the run loop so
// transitionClosing only ever executes on the session's own goroutine.
func (s *Session) scheduleRejectBye() {
	s.clock.AfterFunc(RejectByeDelay, func() {
		select {
		case s.timerCh <- s.transitionClosing:
		case <-s.doneCh:
		}
	})
}

func (s *Session) transitionClosing() {
	if s.Phase() == PhaseClosing || s.Phase() == PhaseClosed {
		return
	}
	s.setPhase(PhaseClosing)
	s.writeOuter(&peerpb.OuterMessage{Type: peerpb.OuterBye})
}

func (s *Session) finish() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.setPhase(PhaseClosed)
	_ = s.transport.Close()
	s.crypter.EndSession(s.id)
	close(s.doneCh)
	if s.cb.OnClosed != nil {
		s.cb.OnClosed(s)
	}
}
