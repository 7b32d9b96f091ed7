package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, resolver fixedResolver, cb ManagerCallbacks) *Manager {
	t.Helper()
	c, _ := newTestCrypter(t)
	m := NewManager(ManagerConfig{
		Crypter:   c,
		Resolver:  resolver,
		Callbacks: cb,
	})
	m.SetConnectionOptions("p/q", ConnectionOptions{TrackerName: "trk"})
	return m
}

// TestRaceTieBreak reproduces spec.md's simultaneous-session race: both
// sides open two sessions for the same connection at once. Once both
// sessions on each side reach established, only the pair whose sessionId
// compares lexicographically smaller should survive.
func TestRaceTieBreak(t *testing.T) {
	establishedA := make(chan *Session, 2)
	establishedB := make(chan *Session, 2)
	mgrA := newTestManager(t, fixedResolver{name: "b", ok: true}, ManagerCallbacks{
		OnEstablished: func(s *Session) { establishedA <- s },
	})
	mgrB := newTestManager(t, fixedResolver{name: "a", ok: true}, ManagerCallbacks{
		OnEstablished: func(s *Session) { establishedB <- s },
	})

	conn1A, conn1B := net.Pipe()
	conn2A, conn2B := net.Pipe()

	// sessionId "s1" sorts before "s2" lexicographically: the s1 pair
	// should be the survivor.
	sA1 := mgrA.Open("s1", "p/q", conn1A)
	sB1 := mgrB.Open("s1", "p/q", conn1B)
	sA2 := mgrA.Open("s2", "p/q", conn2A)
	sB2 := mgrB.Open("s2", "p/q", conn2B)
	defer sA1.Close()
	defer sB1.Close()
	defer sA2.Close()
	defer sB2.Close()

	waitPhase(t, sA1, PhaseEstablished, 2*time.Second)
	waitPhase(t, sB1, PhaseEstablished, 2*time.Second)
	waitPhase(t, sA2, PhaseEstablished, 2*time.Second)
	waitPhase(t, sB2, PhaseEstablished, 2*time.Second)

	// The losing pair ("s2") gets BYE'd by the manager's tie-break.
	waitPhase(t, sA2, PhaseClosed, 2*time.Second)
	waitPhase(t, sB2, PhaseClosed, 2*time.Second)

	require.Equal(t, PhaseEstablished, sA1.Phase())
	require.Equal(t, PhaseEstablished, sB1.Phase())
}

func TestCloseConnectionSendsGoodbyeToAllSessions(t *testing.T) {
	mgrA := newTestManager(t, fixedResolver{name: "b", ok: true}, ManagerCallbacks{})
	mgrB := newTestManager(t, fixedResolver{name: "a", ok: true}, ManagerCallbacks{})

	connA, connB := net.Pipe()
	sA := mgrA.Open("s1", "p/q", connA)
	sB := mgrB.Open("s1", "p/q", connB)
	defer sA.Close()

	waitPhase(t, sA, PhaseEstablished, 2*time.Second)
	waitPhase(t, sB, PhaseEstablished, 2*time.Second)

	mgrA.CloseConnection("p/q")
	waitPhase(t, sB, PhaseClosed, 2*time.Second)
	require.Empty(t, mgrA.Sessions("p/q"))
}
