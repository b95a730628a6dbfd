// Package commitment implements the future commitment (FC): a signed
// forward promise to deliver resources within a window, backed by a
// penalty clause and optional collateral. Build/verify follow the same
// content-hash pattern as settlement receipts.
package commitment

import (
	"crypto/ed25519"
	"fmt"

	"github.com/keelclear/keel/internal/canonical"
	"github.com/keelclear/keel/internal/sig"
)

// Version is the current commitment format version.
const Version = 1

// Window is the delivery window for a commitment. Start and End are Unix
// timestamps; Start must precede End.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Penalty is the penalty clause attached to a commitment. RuleHash is the
// content hash of the off-ledger penalty rule text.
type Penalty struct {
	Amount   int64  `json:"amount"`
	RuleHash string `json:"rule_hash"`
}

// Collateral optionally backs a commitment.
type Collateral struct {
	AssetRef  string `json:"asset_ref"`
	AssetType string `json:"asset_type"`
	Amount    int64  `json:"amount"`
}

// Commitment is a signed forward delivery promise.
type Commitment struct {
	Version        int64       `json:"version"`
	Issuer         string      `json:"issuer"`
	Counterparty   string      `json:"counterparty"`
	ResourceType   string      `json:"resource_type"`
	Units          int64       `json:"units"`
	UnitType       string      `json:"unit_type"`
	DeliveryWindow Window      `json:"delivery_window"`
	Penalty        Penalty     `json:"penalty"`
	Collateral     *Collateral `json:"collateral,omitempty"`
	CommitmentHash string      `json:"commitment_hash"`
	Signature      string      `json:"signature"`
}

// Input carries the caller-supplied fields for building a commitment.
type Input struct {
	Issuer         string
	Counterparty   string
	ResourceType   string
	Units          int64
	UnitType       string
	DeliveryWindow Window
	Penalty        Penalty
	Collateral     *Collateral
}

// Make builds and signs a commitment with the issuer's key. The commitment
// hash covers every field except the hash itself and the signature.
func Make(in Input, priv ed25519.PrivateKey) (*Commitment, error) {
	c := &Commitment{
		Version:        Version,
		Issuer:         in.Issuer,
		Counterparty:   in.Counterparty,
		ResourceType:   in.ResourceType,
		Units:          in.Units,
		UnitType:       in.UnitType,
		DeliveryWindow: in.DeliveryWindow,
		Penalty:        in.Penalty,
		Collateral:     in.Collateral,
	}

	if err := validateFields(c); err != nil {
		return nil, err
	}

	hash, err := c.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("make commitment: %w", err)
	}
	c.CommitmentHash = hash

	signature, err := sig.SignHex(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("make commitment: %w", err)
	}
	c.Signature = signature

	return c, nil
}

// ContentHash computes the commitment's content-addressed identity.
func (c *Commitment) ContentHash() (string, error) {
	obj := canonical.Object{
		"version":       canonical.Int(c.Version),
		"issuer":        canonical.String(c.Issuer),
		"counterparty":  canonical.String(c.Counterparty),
		"resource_type": canonical.String(c.ResourceType),
		"units":         canonical.Int(c.Units),
		"unit_type":     canonical.String(c.UnitType),
		"delivery_window": canonical.Object{
			"start": canonical.Int(c.DeliveryWindow.Start),
			"end":   canonical.Int(c.DeliveryWindow.End),
		},
		"penalty": canonical.Object{
			"amount":    canonical.Int(c.Penalty.Amount),
			"rule_hash": canonical.String(c.Penalty.RuleHash),
		},
	}
	if c.Collateral != nil {
		obj["collateral"] = canonical.Object{
			"asset_ref":  canonical.String(c.Collateral.AssetRef),
			"asset_type": canonical.String(c.Collateral.AssetType),
			"amount":     canonical.Int(c.Collateral.Amount),
		}
	}
	return canonical.HashValue(canonical.DomainCommitment, obj)
}

// Verify checks a commitment against the issuer's public key and returns
// its content hash.
func Verify(c *Commitment, publicKeyHex string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("verify commitment: nil commitment")
	}
	if c.Version != Version {
		return "", fmt.Errorf("verify commitment: unsupported version %d", c.Version)
	}
	if err := validateFields(c); err != nil {
		return "", err
	}

	hash, err := c.ContentHash()
	if err != nil {
		return "", fmt.Errorf("verify commitment: %w", err)
	}
	if c.CommitmentHash != hash {
		return "", fmt.Errorf("verify commitment: commitment hash mismatch")
	}
	if !sig.VerifyHex(hash, c.Signature, publicKeyHex) {
		return "", fmt.Errorf("verify commitment: signature mismatch")
	}
	return hash, nil
}

func validateFields(c *Commitment) error {
	if c.Issuer == "" {
		return fmt.Errorf("commitment: field issuer: missing")
	}
	if c.Counterparty == "" {
		return fmt.Errorf("commitment: field counterparty: missing")
	}
	if c.Issuer == c.Counterparty {
		return fmt.Errorf("commitment: field counterparty: issuer and counterparty must differ")
	}
	if c.Units <= 0 {
		return fmt.Errorf("commitment: field units: must be positive, got %d", c.Units)
	}
	if c.DeliveryWindow.Start >= c.DeliveryWindow.End {
		return fmt.Errorf("commitment: field delivery_window: start %d must precede end %d",
			c.DeliveryWindow.Start, c.DeliveryWindow.End)
	}
	if c.Penalty.Amount <= 0 {
		return fmt.Errorf("commitment: field penalty.amount: must be positive, got %d", c.Penalty.Amount)
	}
	if c.Collateral != nil && c.Collateral.Amount <= 0 {
		return fmt.Errorf("commitment: field collateral.amount: must be positive, got %d", c.Collateral.Amount)
	}
	return nil
}
