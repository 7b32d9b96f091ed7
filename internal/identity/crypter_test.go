package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	name string
	ok   bool
}

func (r staticResolver) LookupPeerName(trackerName string, identity []byte) (string, bool) {
	return r.name, r.ok
}

func newTestCrypter(t *testing.T) *Crypter {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c := New(Config{IdentityPub: pub, IdentityPriv: priv})
	t.Cleanup(c.Close)
	return c
}

func TestSignAndVerify(t *testing.T) {
	local := newTestCrypter(t)
	peer := newTestCrypter(t)

	require.NoError(t, local.NewSession("s1"))
	require.NoError(t, peer.NewSession("s1"))

	peerPub, err := peer.LocalPublicKey("s1")
	require.NoError(t, err)
	peerSig, err := peer.Sign("s1")
	require.NoError(t, err)

	res := local.Verify(staticResolver{name: "bob@example?srv", ok: true}, "s1", "t1", peer.Identity(), peerPub, peerSig, nil)
	require.True(t, res.Verified)
	require.Equal(t, "bob@example?srv", res.PeerName)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	local := newTestCrypter(t)
	peer := newTestCrypter(t)
	require.NoError(t, local.NewSession("s1"))
	require.NoError(t, peer.NewSession("s1"))

	peerPub, err := peer.LocalPublicKey("s1")
	require.NoError(t, err)

	res := local.Verify(staticResolver{name: "bob", ok: true}, "s1", "t1", peer.Identity(), peerPub, []byte("not-a-signature"), nil)
	require.False(t, res.Verified)
}

func TestVerifyUnresolvableIdentity(t *testing.T) {
	local := newTestCrypter(t)
	peer := newTestCrypter(t)
	require.NoError(t, local.NewSession("s1"))
	require.NoError(t, peer.NewSession("s1"))

	peerPub, err := peer.LocalPublicKey("s1")
	require.NoError(t, err)
	peerSig, err := peer.Sign("s1")
	require.NoError(t, err)

	res := local.Verify(staticResolver{ok: false}, "s1", "t1", peer.Identity(), peerPub, peerSig, nil)
	require.False(t, res.Verified)
	require.Empty(t, res.PeerName)
}

func TestFixedPeersRejection(t *testing.T) {
	local := newTestCrypter(t)
	peer := newTestCrypter(t)
	require.NoError(t, local.NewSession("s1"))
	require.NoError(t, peer.NewSession("s1"))

	peerPub, err := peer.LocalPublicKey("s1")
	require.NoError(t, err)
	peerSig, err := peer.Sign("s1")
	require.NoError(t, err)

	res := local.Verify(staticResolver{name: "eve@example?srv", ok: true}, "s1", "t1", peer.Identity(), peerPub, peerSig, []string{"alice@example?srv"})
	require.False(t, res.Verified)
}

func TestDeriveAndEncryptRoundTrip(t *testing.T) {
	local := newTestCrypter(t)
	peer := newTestCrypter(t)
	require.NoError(t, local.NewSession("s1"))
	require.NoError(t, peer.NewSession("s1"))

	localPub, _ := local.LocalPublicKey("s1")
	localSig, _ := local.Sign("s1")
	peerPub, _ := peer.LocalPublicKey("s1")
	peerSig, _ := peer.Sign("s1")

	resolver := staticResolver{name: "peer", ok: true}
	require.True(t, local.Verify(resolver, "s1", "t1", peer.Identity(), peerPub, peerSig, nil).Verified)
	require.True(t, peer.Verify(resolver, "s1", "t1", local.Identity(), localPub, localSig, nil).Verified)

	require.NoError(t, local.Derive("s1"))
	require.NoError(t, peer.Derive("s1"))

	nonce, ciphertext, err := local.Encrypt("s1", []byte("HELLO"))
	require.NoError(t, err)

	plaintext, ok := peer.Decrypt("s1", nonce, ciphertext)
	require.True(t, ok)
	require.Equal(t, []byte("HELLO"), plaintext)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	local := newTestCrypter(t)
	peer := newTestCrypter(t)
	require.NoError(t, local.NewSession("s1"))
	require.NoError(t, peer.NewSession("s1"))

	localPub, _ := local.LocalPublicKey("s1")
	localSig, _ := local.Sign("s1")
	peerPub, _ := peer.LocalPublicKey("s1")
	peerSig, _ := peer.Sign("s1")

	resolver := staticResolver{name: "peer", ok: true}
	require.True(t, local.Verify(resolver, "s1", "t1", peer.Identity(), peerPub, peerSig, nil).Verified)
	require.True(t, peer.Verify(resolver, "s1", "t1", local.Identity(), localPub, localSig, nil).Verified)
	require.NoError(t, local.Derive("s1"))
	require.NoError(t, peer.Derive("s1"))

	nonce, ciphertext, err := local.Encrypt("s1", []byte("HELLO"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, ok := peer.Decrypt("s1", nonce, ciphertext)
	require.False(t, ok)
}
