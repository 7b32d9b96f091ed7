package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameRegistryRememberAndLookup(t *testing.T) {
	r := newNameRegistry()
	id := []byte{1, 2, 3, 4}

	_, ok := r.LookupPeerName("trk", id)
	require.False(t, ok)

	r.Remember("trk", id, "alice")
	name, ok := r.LookupPeerName("trk", id)
	require.True(t, ok)
	require.Equal(t, "alice", name)

	_, ok = r.LookupPeerName("other-tracker", id)
	require.False(t, ok)
}
