package canonical

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration without colliding
// with hashes produced by older releases.
const (
	DomainReceipt    = "keel/receipt/v1"
	DomainNetting    = "keel/netting/v1"
	DomainCommitment = "keel/commitment/v1"
	DomainBalance    = "keel/balance/v1"
	DomainDefault    = "keel/default/v1"
	DomainWindow     = "keel/window/v1"
	DomainRequest    = "keel/request/v1"
)

// HashSize is the size in bytes of all content hashes.
const HashSize = 32

// Sum computes the BLAKE3-256 hash of data with domain separation.
// Format: BLAKE3(domain + 0x00 + data), hex encoded.
// The null byte separator prevents domain/data boundary ambiguity.
func Sum(domain string, data []byte) string {
	h := blake3.New(HashSize, nil)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SumBytes is Sum returning the raw digest instead of hex.
// Signatures are produced over this 32-byte form.
func SumBytes(domain string, data []byte) [HashSize]byte {
	h := blake3.New(HashSize, nil)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashValue canonically encodes v and hashes it under the given domain.
// The returned hex string is the content-addressed identity of the value:
// stable across restarts and replays given the same logical input.
func HashValue(domain string, v Value) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash value: %w", err)
	}
	return Sum(domain, data), nil
}

// DecodeHash parses a hex content hash, enforcing the expected length.
func DecodeHash(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != HashSize {
		return nil, fmt.Errorf("decode hash: got %d bytes, want %d", len(b), HashSize)
	}
	return b, nil
}

// IsHash reports whether s looks like a hex content hash.
func IsHash(s string) bool {
	_, err := DecodeHash(s)
	return err == nil
}
