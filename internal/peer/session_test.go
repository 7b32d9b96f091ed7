package peer

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/basarevych/tunneld/internal/identity"
	"github.com/basarevych/tunneld/internal/peerpb"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fixedResolver struct {
	name string
	ok   bool
}

func (r fixedResolver) LookupPeerName(trackerName string, identity []byte) (string, bool) {
	return r.name, r.ok
}

func newTestCrypter(t *testing.T) (*identity.Crypter, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := identity.New(identity.Config{IdentityPub: pub, IdentityPriv: priv})
	t.Cleanup(c.Close)
	return c, pub
}

func newPipedSessionsWithCallbacks(t *testing.T, connectionName string, encrypted bool, fixedA, fixedB []string, cbB Callbacks) (a, b *Session, clock clockwork.Clock) {
	t.Helper()
	ca, pubA := newTestCrypter(t)
	cb, pubB := newTestCrypter(t)

	connA, connB := net.Pipe()
	clk := clockwork.NewRealClock()

	sessA := New(Config{
		ID:             "a",
		ConnectionName: connectionName,
		Transport:      connA,
		Crypter:        ca,
		Resolver:       fixedResolver{name: "b", ok: true},
		Encrypted:      encrypted,
		FixedPeers:     fixedA,
		Clock:          clk,
	})
	sessB := New(Config{
		ID:             "b",
		ConnectionName: connectionName,
		Transport:      connB,
		Crypter:        cb,
		Resolver:       fixedResolver{name: "a", ok: true},
		Encrypted:      encrypted,
		FixedPeers:     fixedB,
		Clock:          clk,
		Callbacks:      cbB,
	})
	_ = pubA
	_ = pubB
	return sessA, sessB, clk
}

func newPipedSessions(t *testing.T, connectionName string, encrypted bool, fixedA, fixedB []string) (a, b *Session, clock clockwork.Clock) {
	t.Helper()
	return newPipedSessionsWithCallbacks(t, connectionName, encrypted, fixedA, fixedB, Callbacks{})
}

func waitPhase(t *testing.T, s *Session, p Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Phase() == p {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session %s did not reach phase %s, stuck at %s", s.ID(), p, s.Phase())
}

func TestSessionEstablishesAndExchangesData(t *testing.T) {
	recvCh := make(chan *peerpb.InnerMessage, 1)
	a, b, _ := newPipedSessionsWithCallbacks(t, "p/q", false, nil, nil, Callbacks{
		OnInner: func(_ *Session, msg *peerpb.InnerMessage) { recvCh <- msg },
	})
	defer a.Close()
	defer b.Close()

	waitPhase(t, a, PhaseEstablished, 2*time.Second)
	waitPhase(t, b, PhaseEstablished, 2*time.Second)

	a.Send(&peerpb.InnerMessage{Type: peerpb.InnerOpen, ID: 1})
	select {
	case msg := <-recvCh:
		require.Equal(t, peerpb.InnerOpen, msg.Type)
		require.Equal(t, uint32(1), msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inner message")
	}
}

func TestSessionEncryptedRoundTrip(t *testing.T) {
	recvCh := make(chan *peerpb.InnerMessage, 1)
	a, b, _ := newPipedSessionsWithCallbacks(t, "p/q", true, nil, nil, Callbacks{
		OnInner: func(_ *Session, msg *peerpb.InnerMessage) { recvCh <- msg },
	})
	defer a.Close()
	defer b.Close()

	waitPhase(t, a, PhaseEstablished, 2*time.Second)
	waitPhase(t, b, PhaseEstablished, 2*time.Second)

	a.Send(&peerpb.InnerMessage{Type: peerpb.InnerData, ID: 1, Data: []byte("secret")})
	select {
	case msg := <-recvCh:
		require.Equal(t, []byte("secret"), msg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for encrypted inner message")
	}
}

func TestSessionFixedPeersRejection(t *testing.T) {
	a, b, _ := newPipedSessions(t, "p/q", false, []string{"nobody"}, nil)
	defer a.Close()
	defer b.Close()

	waitPhase(t, a, PhaseClosed, 5*time.Second)
}

func TestSessionDuplicateOpenClosesSession(t *testing.T) {
	a, b, _ := newPipedSessions(t, "p/q", false, nil, nil)
	defer a.Close()
	defer b.Close()

	waitPhase(t, a, PhaseEstablished, 2*time.Second)
	waitPhase(t, b, PhaseEstablished, 2*time.Second)

	a.Send(&peerpb.InnerMessage{Type: peerpb.InnerOpen, ID: 7})
	time.Sleep(50 * time.Millisecond)
	a.Send(&peerpb.InnerMessage{Type: peerpb.InnerOpen, ID: 7})

	waitPhase(t, b, PhaseClosed, 2*time.Second)
}

func TestSessionByeClosesBothSides(t *testing.T) {
	a, b, _ := newPipedSessions(t, "p/q", false, nil, nil)
	defer a.Close()
	defer b.Close()

	waitPhase(t, a, PhaseEstablished, 2*time.Second)
	waitPhase(t, b, PhaseEstablished, 2*time.Second)

	a.Bye()
	waitPhase(t, b, PhaseClosed, 2*time.Second)
}
