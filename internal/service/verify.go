package service

import (
	"encoding/json"

	"github.com/keelclear/keel/internal/commitment"
	"github.com/keelclear/keel/internal/netting"
	"github.com/keelclear/keel/internal/receipt"
	"github.com/keelclear/keel/internal/solvency"
)

// Verifiable payload kinds.
const (
	KindReceipt    = "receipt"
	KindNetting    = "netting"
	KindCommitment = "commitment"
	KindBalance    = "balance"
)

// Verify checks a signed payload of the given kind against a public key
// and returns its content hash. Free of charge. For netting results an
// empty key defaults to the service's own authority key; for the other
// kinds the caller must name the signer's key.
//
// Any hash or signature mismatch is ErrCodeIntegrity; malformed JSON is
// ErrCodeInvalidField.
func (s *Service) Verify(kind string, payload []byte, publicKeyHex string) (string, error) {
	switch kind {
	case KindReceipt:
		var r receipt.Receipt
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", invalidField("payload", "malformed receipt: %v", err)
		}
		hash, err := receipt.Verify(&r, publicKeyHex)
		if err != nil {
			return "", integrity("%v", err)
		}
		return hash, nil

	case KindNetting:
		var r netting.Result
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", invalidField("payload", "malformed netting result: %v", err)
		}
		key := publicKeyHex
		if key == "" {
			key = s.authority.PublicHex
		}
		if err := netting.Verify(&r, key); err != nil {
			return "", integrity("%v", err)
		}
		return r.NettingHash, nil

	case KindCommitment:
		var c commitment.Commitment
		if err := json.Unmarshal(payload, &c); err != nil {
			return "", invalidField("payload", "malformed commitment: %v", err)
		}
		hash, err := commitment.Verify(&c, publicKeyHex)
		if err != nil {
			return "", integrity("%v", err)
		}
		return hash, nil

	case KindBalance:
		var sheet solvency.Sheet
		if err := json.Unmarshal(payload, &sheet); err != nil {
			return "", invalidField("payload", "malformed balance sheet: %v", err)
		}
		hash, err := solvency.Verify(&sheet, publicKeyHex)
		if err != nil {
			return "", integrity("%v", err)
		}
		return hash, nil

	default:
		return "", invalidField("kind", "unknown kind %q", kind)
	}
}
