// Package identity implements the Crypter component of spec.md §4.1:
// long-lived Ed25519 identity keys, per-session X25519 ephemeral keys,
// signing, peer verification, and NaCl secretbox payload encryption.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// NameResolver answers "what canonical name does the tracker bind to this
// identity public key", populated indirectly by earlier tracker exchanges
// (spec.md §4.1: "asks the tracker indirectly, via cached identity->name
// bindings"). The supervisor's name registry implements this, filled from
// the tracker's peer-availability events; Verify caches every name it
// resolves through RememberPeerName.
type NameResolver interface {
	LookupPeerName(trackerName string, identity []byte) (name string, ok bool)
}

type sessionKeys struct {
	localPub  [32]byte
	localPriv [32]byte
	peerPub   *[32]byte
	shared    *[32]byte
}

// Crypter holds the daemon's identity keypair and the per-session
// ephemeral key material and shared secrets derived from it.
type Crypter struct {
	identityPub  ed25519.PublicKey
	identityPriv ed25519.PrivateKey

	mu       sync.Mutex
	sessions map[string]*sessionKeys

	names *ttlcache.Cache[string, string]
}

// Config for New.
type Config struct {
	IdentityPub  ed25519.PublicKey
	IdentityPriv ed25519.PrivateKey
	// NameTTL bounds how long a resolved identity->name binding is trusted
	// before a fresh lookup is required.
	NameTTL time.Duration
}

// New constructs a Crypter from an already-loaded identity keypair (see
// LoadOrGenerateKeyPair).
func New(cfg Config) *Crypter {
	if cfg.NameTTL <= 0 {
		cfg.NameTTL = 10 * time.Minute
	}
	names := ttlcache.New[string, string](ttlcache.WithTTL[string, string](cfg.NameTTL))
	go names.Start()
	return &Crypter{
		identityPub:  cfg.IdentityPub,
		identityPriv: cfg.IdentityPriv,
		sessions:     make(map[string]*sessionKeys),
		names:        names,
	}
}

// Close stops the background cache-eviction goroutine.
func (c *Crypter) Close() {
	c.names.Stop()
}

// Identity returns the daemon's public identity.
func (c *Crypter) Identity() []byte {
	return append([]byte(nil), c.identityPub...)
}

// RememberPeerName records a tracker-confirmed identity->name binding, so
// a later Verify call for the same identity can resolve it without
// round-tripping to the tracker again.
func (c *Crypter) RememberPeerName(trackerName string, identity []byte, name string) {
	c.names.Set(nameCacheKey(trackerName, identity), name, ttlcache.DefaultTTL)
}

func nameCacheKey(trackerName string, identity []byte) string {
	return trackerName + "|" + hex.EncodeToString(identity)
}

// NewSession generates fresh ephemeral X25519 key material for sessionID.
func (c *Crypter) NewSession(sessionID string) error {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: generate ephemeral key: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = &sessionKeys{localPub: *pub, localPriv: *priv}
	return nil
}

// EndSession discards a session's ephemeral key material.
func (c *Crypter) EndSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// LocalPublicKey returns sessionID's ephemeral public key, for inclusion in
// the outgoing ConnectRequest/ConnectResponse.
func (c *Crypter) LocalPublicKey(sessionID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sk, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("identity: no session %s", sessionID)
	}
	return append([]byte(nil), sk.localPub[:]...), nil
}

// Sign signs sessionID's local ephemeral public key with the identity key.
func (c *Crypter) Sign(sessionID string) ([]byte, error) {
	pub, err := c.LocalPublicKey(sessionID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(c.identityPriv, pub), nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Verified bool
	PeerName string
}

// Verify validates a peer's signed ephemeral public key and, when
// fixedPeers is non-nil, enforces that the peer's canonical name is
// whitelisted (spec.md §4.1, §3 "fixed=true connections reject peers
// whose verified identity is not in the peers set").
func (c *Crypter) Verify(resolver NameResolver, sessionID, trackerName string, peerIdentity, peerEphemeralPubKey, peerSignature []byte, fixedPeers []string) VerifyResult {
	if !ed25519.Verify(ed25519.PublicKey(peerIdentity), peerEphemeralPubKey, peerSignature) {
		return VerifyResult{Verified: false}
	}

	var peerName string
	if cached := c.names.Get(nameCacheKey(trackerName, peerIdentity)); cached != nil {
		peerName = cached.Value()
	} else if resolver != nil {
		if n, found := resolver.LookupPeerName(trackerName, peerIdentity); found {
			peerName = n
			c.RememberPeerName(trackerName, peerIdentity, n)
		} else {
			// Tracker couldn't resolve the identity: verified=false per
			// spec.md §4.1.
			return VerifyResult{Verified: false}
		}
	} else {
		return VerifyResult{Verified: false}
	}

	if fixedPeers != nil {
		found := false
		for _, p := range fixedPeers {
			if p == peerName {
				found = true
				break
			}
		}
		if !found {
			return VerifyResult{Verified: false, PeerName: peerName}
		}
	}

	c.mu.Lock()
	if sk, ok := c.sessions[sessionID]; ok {
		var pk [32]byte
		copy(pk[:], peerEphemeralPubKey)
		sk.peerPub = &pk
	}
	c.mu.Unlock()

	return VerifyResult{Verified: true, PeerName: peerName}
}

// Derive computes the shared symmetric key once both the local and the
// remote ephemeral keys are present (requires a prior successful Verify,
// which records the peer's ephemeral key).
func (c *Crypter) Derive(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sk, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("identity: no session %s", sessionID)
	}
	if sk.peerPub == nil {
		return fmt.Errorf("identity: peer ephemeral key not yet known for session %s", sessionID)
	}
	var shared [32]byte
	box.Precompute(&shared, sk.peerPub, &sk.localPriv)
	sk.shared = &shared
	return nil
}

// Encrypt authenticates and encrypts plaintext under sessionID's derived
// shared key, returning a fresh random nonce and the ciphertext.
func (c *Crypter) Encrypt(sessionID string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	c.mu.Lock()
	sk, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok || sk.shared == nil {
		return nil, nil, fmt.Errorf("identity: no derived key for session %s", sessionID)
	}
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("identity: generate nonce: %w", err)
	}
	ct := secretbox.Seal(nil, plaintext, &n, sk.shared)
	return n[:], ct, nil
}

// Decrypt authenticates and decrypts ciphertext under sessionID's derived
// shared key. It returns ok=false (no error) on any tag mismatch, per
// spec.md §4.1: "fails on tag mismatch by returning no plaintext", and
// §7: "Decryption failure must not terminate the session globally".
func (c *Crypter) Decrypt(sessionID string, nonce, ciphertext []byte) (plaintext []byte, ok bool) {
	c.mu.Lock()
	sk, present := c.sessions[sessionID]
	c.mu.Unlock()
	if !present || sk.shared == nil || len(nonce) != 24 {
		return nil, false
	}
	var n [24]byte
	copy(n[:], nonce)
	return secretbox.Open(nil, ciphertext, &n, sk.shared)
}
