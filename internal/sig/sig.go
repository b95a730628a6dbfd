// Package sig wraps Ed25519 signing over 32-byte content hashes.
//
// Keys and signatures cross process boundaries as lowercase hex strings;
// everything that can be malformed (wrong length, bad hex) makes Verify
// return false rather than error or panic.
package sig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SignatureSize is the size in bytes of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the size in bytes of an Ed25519 public key.
const PublicKeySize = ed25519.PublicKeySize

// KeyPair holds an Ed25519 key pair with the hex forms precomputed, since
// every signed record carries keys and signatures as hex strings.
type KeyPair struct {
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
	PublicHex  string
	PrivateHex string
}

// GenerateKeyPair generates a new Ed25519 key pair from cryptographically
// secure randomness.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{
		Private:    priv,
		Public:     pub,
		PublicHex:  hex.EncodeToString(pub),
		PrivateHex: hex.EncodeToString(priv),
	}, nil
}

// KeyPairFromSeedHex reconstructs a KeyPair from a hex-encoded private key.
// Accepts either the 32-byte seed or Go's 64-byte private key format.
func KeyPairFromSeedHex(privateHex string) (*KeyPair, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("parse private key: got %d bytes, want %d or %d",
			len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{
		Private:    priv,
		Public:     pub,
		PublicHex:  hex.EncodeToString(pub),
		PrivateHex: hex.EncodeToString(priv),
	}, nil
}

// PublicHex returns the hex-encoded public key for a private key, or ""
// when the key is malformed.
func PublicHex(priv ed25519.PrivateKey) string {
	if len(priv) != ed25519.PrivateKeySize {
		return ""
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}

// Sign signs a 32-byte content hash and returns the hex-encoded signature.
func Sign(hash []byte, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("sign: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	if len(hash) == 0 {
		return "", fmt.Errorf("sign: empty hash")
	}
	return hex.EncodeToString(ed25519.Sign(priv, hash)), nil
}

// SignHex signs a hex-encoded content hash.
func SignHex(hashHex string, priv ed25519.PrivateKey) (string, error) {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("sign: parse hash: %w", err)
	}
	return Sign(hash, priv)
}

// Verify checks an Ed25519 signature against a content hash and public key.
// Never panics: any malformed input (wrong length key or signature) yields
// false.
func Verify(hash []byte, signature []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	if len(hash) == 0 {
		return false
	}
	return ed25519.Verify(pub, hash, signature)
}

// VerifyHex checks hex-encoded hash/signature/public key. Malformed hex
// yields false.
func VerifyHex(hashHex, signatureHex, publicHex string) bool {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(publicHex)
	if err != nil {
		return false
	}
	return Verify(hash, sigBytes, ed25519.PublicKey(pub))
}
