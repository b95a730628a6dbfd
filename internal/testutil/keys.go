package testutil

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/keelclear/keel/internal/sig"
)

// FixedKeyPair derives an Ed25519 key pair from a label. The same label
// always yields the same keys, so signatures and content hashes in
// golden traces stay stable across runs.
//
// Test keys only: the seed is the label padded to 32 bytes.
func FixedKeyPair(label string) *sig.KeyPair {
	if label == "" {
		panic("testutil: empty key label")
	}
	var seed [ed25519.SeedSize]byte
	copy(seed[:], label)

	kp, err := sig.KeyPairFromSeedHex(hex.EncodeToString(seed[:]))
	if err != nil {
		panic(fmt.Sprintf("testutil: derive key pair: %v", err))
	}
	return kp
}
