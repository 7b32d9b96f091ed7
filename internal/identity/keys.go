package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	pemPrivateBlock = "TUNNELD IDENTITY PRIVATE KEY"
	pemPublicBlock  = "TUNNELD IDENTITY PUBLIC KEY"
)

// LoadOrGenerateKeyPair loads an Ed25519 identity keypair from privPath and
// pubPath, or — if the private key file does not exist — generates a fresh
// one and writes both files. A keypair that exists but fails to parse is a fatal configuration
// error per spec.md §4.1 ("identity file missing or malformed → fatal at
// startup").
func LoadOrGenerateKeyPair(privPath, pubPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if _, err := os.Stat(privPath); err == nil {
		return loadKeyPair(privPath, pubPath)
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("identity: stat key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	if err := writeKeyPair(privPath, pubPath, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func loadKeyPair(privPath, pubPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privBytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: read private key: %w", err)
	}
	block, _ := pem.Decode(privBytes)
	if block == nil || block.Type != pemPrivateBlock || len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("identity: malformed private key file %s", privPath)
	}
	priv := ed25519.PrivateKey(block.Bytes)

	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubBytes)
	if pubBlock == nil || pubBlock.Type != pemPublicBlock || len(pubBlock.Bytes) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("identity: malformed public key file %s", pubPath)
	}
	pub := ed25519.PublicKey(pubBlock.Bytes)

	if !pub.Equal(priv.Public().(ed25519.PublicKey)) {
		return nil, nil, fmt.Errorf("identity: private/public key mismatch in %s / %s", privPath, pubPath)
	}
	return pub, priv, nil
}

func writeKeyPair(privPath, pubPath string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemPrivateBlock, Bytes: priv})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemPublicBlock, Bytes: pub})
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	return nil
}
