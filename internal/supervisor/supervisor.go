// Package supervisor performs the daemon's explicit construction and
// wiring phase (spec.md §9 Design Note): build every component, connect
// them through small capability interfaces, and drive startup/shutdown.
// There is no central service registry — each component only knows the
// narrow interface of its collaborators.
package supervisor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/basarevych/tunneld/internal/config"
	"github.com/basarevych/tunneld/internal/connlist"
	"github.com/basarevych/tunneld/internal/controlrpc"
	"github.com/basarevych/tunneld/internal/front"
	"github.com/basarevych/tunneld/internal/identity"
	"github.com/basarevych/tunneld/internal/peer"
	"github.com/basarevych/tunneld/internal/peerpb"
	"github.com/basarevych/tunneld/internal/trackerpb"
	"github.com/basarevych/tunneld/internal/tracker"
	"github.com/basarevych/tunneld/internal/udptransport"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Supervisor owns every top-level component for one daemon instance.
type Supervisor struct {
	cfg *config.Config
	log *slog.Logger

	crypter   *identity.Crypter
	names     *nameRegistry
	list      *connlist.List
	front     *front.Front
	manager   *peer.Manager
	transport *udptransport.Transport
	dialer    *udptransport.PeerDialer

	trackersMu sync.RWMutex
	trackers   map[string]*tracker.Client

	ctl *controlrpc.Server
}

// New constructs and wires every component for configPath, but does not
// yet start any network I/O. Call Run to do that.
func New(configPath string, udpPort int, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	identityKeyPath := cfg.IdentityKey
	if identityKeyPath == "" {
		identityKeyPath = filepath.Join(filepath.Dir(configPath), "id_ed25519")
	}
	pub, priv, err := identity.LoadOrGenerateKeyPair(identityKeyPath, identityKeyPath+".pub")
	if err != nil {
		return nil, fmt.Errorf("supervisor: identity: %w", err)
	}

	clock := clockwork.NewRealClock()
	crypter := identity.New(identity.Config{IdentityPub: pub, IdentityPriv: priv})
	names := newNameRegistry()

	list, err := connlist.Load(filepath.Join(cfg.StateDir, "connections.json"))
	if err != nil {
		return nil, fmt.Errorf("supervisor: connections list: %w", err)
	}

	tlsConf, err := selfSignedQUICConfig()
	if err != nil {
		return nil, fmt.Errorf("supervisor: transport tls: %w", err)
	}
	transport, err := udptransport.Listen(udpPort, tlsConf)
	if err != nil {
		return nil, fmt.Errorf("supervisor: udp transport: %w", err)
	}
	dialer := &udptransport.PeerDialer{Transport: transport}

	s := &Supervisor{
		cfg:       cfg,
		log:       logger,
		crypter:   crypter,
		names:     names,
		list:      list,
		transport: transport,
		dialer:    dialer,
		trackers:  make(map[string]*tracker.Client),
	}

	s.manager = peer.NewManager(peer.ManagerConfig{
		Crypter:  crypter,
		Resolver: names,
		Clock:    clock,
		Logger:   logger,
		Callbacks: peer.ManagerCallbacks{
			OnEstablished: func(sess *peer.Session) {
				s.front.OnEstablished(sess)
				go s.onSessionStatus(sess, true)
			},
			OnInner: func(sess *peer.Session, msg *peerpb.InnerMessage) { s.front.OnInner(sess, msg) },
			OnClosed: func(sess *peer.Session) {
				s.front.OnClosed(sess)
				go s.onSessionStatus(sess, false)
			},
		},
	})
	s.front = front.New(front.Config{Peer: s.manager, Clock: clock, Logger: logger})

	for _, tc := range cfg.Trackers {
		tlsConf := &tls.Config{InsecureSkipVerify: tc.Insecure}
		if tc.CABundle != "" {
			pool, err := loadCABundle(tc.CABundle)
			if err != nil {
				return nil, fmt.Errorf("supervisor: tracker %s: %w", tc.Name, err)
			}
			tlsConf.RootCAs = pool
		}
		trackerName := tc.Name
		s.trackers[trackerName] = tracker.New(tracker.Config{
			Name:      trackerName,
			Addr:      tc.Addr,
			TLSConfig: tlsConf,
			Token:     tc.Token,
			Identity:  crypter.Identity(),
			Clock:     clock,
			Logger:    logger,
			Callbacks: tracker.Callbacks{
				OnServerAvailable: func(msg *trackerpb.ServerMessage) { s.onServerAvailable(trackerName, msg) },
				OnPeerAvailable:   func(msg *trackerpb.ServerMessage) { s.onPeerAvailableEvent(trackerName, msg) },
				OnAddressRequest:  func(msg *trackerpb.ServerMessage) { s.onAddressRequest(trackerName, msg) },
				OnConnectionsList: func(msg *trackerpb.ServerMessage) { s.onConnectionsList(trackerName, msg) },
				OnRegistered:      func() { go s.onTrackerRegistered(trackerName) },
			},
		})
	}

	s.ctl = controlrpc.New(controlrpc.Config{
		SocketPath: cfg.ControlSocket,
		Logger:     logger,
		Handlers: &controlrpc.DefaultHandlers{
			Trackers: s,
			List:     list,
			Config:   cfg,
		},
	})

	return s, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for name, trk := range s.trackers {
		wg.Add(1)
		go func(name string, trk *tracker.Client) {
			defer wg.Done()
			if err := trk.Run(ctx); err != nil {
				s.log.Error("tracker link exited", "tracker", name, "error", err)
			}
		}(name, trk)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.ctl.Serve(ctx); err != nil {
			s.log.Error("control socket exited", "error", err)
		}
	}()

	<-ctx.Done()
	s.shutdown()
	wg.Wait()
	return nil
}

func (s *Supervisor) shutdown() {
	s.log.Info("shutting down")
	s.ctl.Close()
	s.front.Close()
	for _, trk := range s.trackers {
		trk.Close()
	}
	_ = s.transport.Close()
	if err := s.list.Save(); err != nil {
		s.log.Error("failed to save connections list on shutdown", "error", err)
	}
	s.crypter.Close()
}

// Get implements controlrpc.Trackers.
func (s *Supervisor) Get(name string) (controlrpc.TrackerRequester, bool) {
	s.trackersMu.RLock()
	defer s.trackersMu.RUnlock()
	trk, ok := s.trackers[name]
	return trk, ok
}

func (s *Supervisor) acceptLoop(ctx context.Context) {
	for {
		sess, err := s.transport.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}
		connectionName, wrapped, err := peekConnectionName(sess)
		if err != nil {
			s.log.Warn("inbound session failed to announce itself", "error", err)
			_ = sess.Close()
			continue
		}
		s.manager.Open(uuid.NewString(), connectionName, wrapped)
	}
}

// onServerAvailable handles SERVER_AVAILABLE: our local connection is
// server-role, and the tracker is telling us a client-role peer is ready
// to be dialed/punched (spec.md §4.3's server-role open()).
func (s *Supervisor) onServerAvailable(trackerName string, msg *trackerpb.ServerMessage) {
	s.onPeerAvailable(trackerName, msg, peer.RoleServer)
}

// onPeerAvailableEvent handles PEER_AVAILABLE: our local connection is
// client-role, being handed an endpoint to dial for the session it's
// waiting on.
func (s *Supervisor) onPeerAvailableEvent(trackerName string, msg *trackerpb.ServerMessage) {
	s.onPeerAvailable(trackerName, msg, peer.RoleClient)
}

func (s *Supervisor) onPeerAvailable(trackerName string, msg *trackerpb.ServerMessage, role peer.Role) {
	if len(msg.PeerIdentity) > 0 && msg.PeerName != "" {
		s.names.Remember(trackerName, msg.PeerIdentity, msg.PeerName)
	}
	var candidates []string
	if msg.InternalAddress != "" && msg.InternalPort != 0 {
		candidates = append(candidates, fmt.Sprintf("%s:%d", msg.InternalAddress, msg.InternalPort))
	}
	if msg.ExternalAddress != "" && msg.ExternalPort != 0 {
		candidates = append(candidates, fmt.Sprintf("%s:%d", msg.ExternalAddress, msg.ExternalPort))
	}
	if len(candidates) == 0 {
		return
	}
	_, err := s.manager.Connect(msg.ConnectionName, role, candidates, true, s.dialer, uuid.NewString)
	if err != nil {
		s.log.Warn("failed to connect to advertised peer", "connection", msg.ConnectionName, "role", role, "error", err)
	}
}

// onTrackerRegistered fires once trackerName's daemon registration is
// accepted (and again after every reconnect that re-registers): report
// the current connected/listening state of every connection this daemon
// has active for that tracker (spec.md §4.5).
func (s *Supervisor) onTrackerRegistered(trackerName string) {
	for _, e := range s.list.Get(trackerName) {
		name := e.Descriptor.Path
		s.sendStatusReport(trackerName, name, s.manager.IsEstablished(name))
	}
}

// onSessionStatus fires on every session established/closed transition,
// reporting the connection's new status to whichever tracker owns it.
func (s *Supervisor) onSessionStatus(sess *peer.Session, connected bool) {
	connectionName := sess.ConnectionName()
	trackerName := s.manager.TrackerName(connectionName)
	if trackerName == "" {
		return
	}
	s.sendStatusReport(trackerName, connectionName, connected)
}

func (s *Supervisor) sendStatusReport(trackerName, connectionName string, connected bool) {
	trk, ok := s.Get(trackerName)
	if !ok {
		return
	}
	host, port, err := net.SplitHostPort(s.transport.LocalAddr().String())
	if err != nil {
		s.log.Warn("status report: local addr unparsable", "connection", connectionName, "error", err)
		return
	}
	internalPort, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		s.log.Warn("status report: local port unparsable", "connection", connectionName, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), tracker.RequestTimeout)
	defer cancel()
	_, err = trk.Request(ctx, &trackerpb.ClientMessage{
		Type:            trackerpb.ClientStatusReport,
		ConnectionName:  connectionName,
		Connected:       connected,
		InternalAddress: host,
		InternalPort:    uint32(internalPort),
	})
	if err != nil {
		s.log.Warn("status report failed", "tracker", trackerName, "connection", connectionName, "error", err)
	}
}

func (s *Supervisor) onAddressRequest(trackerName string, msg *trackerpb.ServerMessage) {
	trk, ok := s.Get(trackerName)
	if !ok {
		return
	}
	addr := s.transport.LocalAddr().String()
	ctx, cancel := context.WithTimeout(context.Background(), tracker.RequestTimeout)
	defer cancel()
	_, _ = trk.Request(ctx, &trackerpb.ClientMessage{
		Type:            trackerpb.ClientAddressResponse,
		ConnectionName:  msg.ConnectionName,
		InternalAddress: addr,
	})
}

func (s *Supervisor) onConnectionsList(trackerName string, msg *trackerpb.ServerMessage) {
	if err := s.list.Reconcile(trackerName, msg.ServerConnections, msg.ClientConnections, s); err != nil {
		s.log.Error("connections list reconciliation failed", "tracker", trackerName, "error", err)
	}
}

// ActivateServer implements connlist.Applier.
func (s *Supervisor) ActivateServer(trackerName, name string, desc *trackerpb.ConnectionDescriptor) {
	s.manager.SetConnectionOptions(name, peer.ConnectionOptions{TrackerName: trackerName, Encrypted: desc.Encrypted, FixedPeers: fixedPeers(desc)})
	s.front.AddServerConnection(name, fmt.Sprintf("%s:%d", desc.ConnectAddress, desc.ConnectPort))
}

// ActivateClient implements connlist.Applier.
func (s *Supervisor) ActivateClient(trackerName, name string, desc *trackerpb.ConnectionDescriptor) {
	s.manager.SetConnectionOptions(name, peer.ConnectionOptions{TrackerName: trackerName, Encrypted: desc.Encrypted, FixedPeers: fixedPeers(desc)})
	if err := s.front.AddClientConnection(name, fmt.Sprintf("%s:%d", desc.ListenAddress, desc.ListenPort)); err != nil {
		s.log.Error("failed to open local listener", "connection", name, "error", err)
	}
}

// fixedPeers is the peer whitelist for desc: nil (no whitelist) unless the
// connection is fixed, in which case it is desc.Peers, never nil.
func fixedPeers(desc *trackerpb.ConnectionDescriptor) []string {
	if !desc.Fixed {
		return nil
	}
	return append([]string{}, desc.Peers...)
}

// Deactivate implements connlist.Applier.
func (s *Supervisor) Deactivate(trackerName, name string) {
	s.front.RemoveConnection(name)
	s.manager.CloseConnection(name)
}

// peekConnectionName reads the first outer frame off an inbound transport
// to learn which connection it is for before admitting it to the peer
// manager's registry, then replays that frame so the session's own
// handshake read sees it again. Mirrors the shared-socket demultiplexing
// approach in internal/udptransport.
func peekConnectionName(t peer.Transport) (string, peer.Transport, error) {
	codec := wire.NewCodec(t)
	frame, err := codec.ReadFrame()
	if err != nil {
		return "", nil, fmt.Errorf("supervisor: read first frame: %w", err)
	}
	om, err := peerpb.UnmarshalOuterMessage(frame)
	if err != nil {
		return "", nil, fmt.Errorf("supervisor: decode first frame: %w", err)
	}
	if om.Type != peerpb.OuterConnectRequest || om.ConnectionName == "" {
		return "", nil, fmt.Errorf("supervisor: first frame was not a connect request")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	replay := append(append([]byte(nil), lenBuf[:]...), frame...)
	return om.ConnectionName, &prefetchTransport{underlying: t, buf: replay}, nil
}

type prefetchTransport struct {
	underlying peer.Transport
	buf        []byte
}

func (p *prefetchTransport) Read(b []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.underlying.Read(b)
}

func (p *prefetchTransport) Write(b []byte) (int, error) { return p.underlying.Write(b) }
func (p *prefetchTransport) Close() error                { return p.underlying.Close() }

// selfSignedQUICConfig builds a throwaway TLS identity for the QUIC
// transport layer. Peer authenticity is established at the application
// layer by the crypter's identity handshake, not by this certificate.
func selfSignedQUICConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{udptransport.ALPN},
		InsecureSkipVerify: true,
	}, nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
