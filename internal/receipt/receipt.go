// Package receipt implements the settlement receipt (MSR): the signed
// record of one bilateral resource transfer between two agents.
//
// A receipt is identified by the content hash of its canonical encoding
// with the signature field excluded. Once signed it is immutable; the
// netting engine consumes receipts but never mutates them.
package receipt

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keelclear/keel/internal/canonical"
	"github.com/keelclear/keel/internal/sig"
)

// Version is the current receipt format version.
const Version = 1

// Receipt is a signed settlement receipt (MSR).
type Receipt struct {
	Version         int64  `json:"version"`
	Payer           string `json:"payer"`
	Payee           string `json:"payee"`
	ResourceType    string `json:"resource_type"`
	Units           int64  `json:"units"`
	UnitType        string `json:"unit_type"`
	Price           int64  `json:"price"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           string `json:"nonce"`
	ScopeHash       string `json:"scope_hash"`
	RequestHash     string `json:"request_hash"`
	ResponseHash    string `json:"response_hash"`
	PrevReceiptHash string `json:"prev_receipt_hash,omitempty"`
	Signature       string `json:"signature"`
}

// Input carries the caller-supplied fields for building a receipt.
// Timestamp and Nonce are optional; Make stamps defaults.
type Input struct {
	Payer           string
	Payee           string
	ResourceType    string
	Units           int64
	UnitType        string
	Price           int64
	Timestamp       int64
	Nonce           string
	ScopeHash       string
	RequestHash     string
	ResponseHash    string
	PrevReceiptHash string
}

// Make builds and signs a receipt. It stamps the current version, defaults
// the timestamp to now and the nonce to a fresh UUID when absent, computes
// the content hash over every field except the signature, and signs it
// with the payer's key.
func Make(in Input, priv ed25519.PrivateKey) (*Receipt, error) {
	r := &Receipt{
		Version:         Version,
		Payer:           in.Payer,
		Payee:           in.Payee,
		ResourceType:    in.ResourceType,
		Units:           in.Units,
		UnitType:        in.UnitType,
		Price:           in.Price,
		Timestamp:       in.Timestamp,
		Nonce:           in.Nonce,
		ScopeHash:       in.ScopeHash,
		RequestHash:     in.RequestHash,
		ResponseHash:    in.ResponseHash,
		PrevReceiptHash: in.PrevReceiptHash,
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().Unix()
	}
	if r.Nonce == "" {
		r.Nonce = uuid.NewString()
	}

	if err := validateFields(r); err != nil {
		return nil, err
	}

	hash, err := r.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("make receipt: %w", err)
	}

	signature, err := sig.SignHex(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("make receipt: %w", err)
	}
	r.Signature = signature

	return r, nil
}

// ContentHash computes the receipt's content-addressed identity: the
// domain-separated hash of the canonical encoding of all fields except
// the signature.
func (r *Receipt) ContentHash() (string, error) {
	return canonical.HashValue(canonical.DomainReceipt, r.canonicalObject())
}

// canonicalObject assembles the hashable view of the receipt.
// The signature is excluded; optional fields are omitted when empty so
// that a receipt without a chain predecessor hashes the same whether the
// field was never set or set to its zero value.
func (r *Receipt) canonicalObject() canonical.Object {
	obj := canonical.Object{
		"version":       canonical.Int(r.Version),
		"payer":         canonical.String(r.Payer),
		"payee":         canonical.String(r.Payee),
		"resource_type": canonical.String(r.ResourceType),
		"units":         canonical.Int(r.Units),
		"unit_type":     canonical.String(r.UnitType),
		"price":         canonical.Int(r.Price),
		"timestamp":     canonical.Int(r.Timestamp),
		"nonce":         canonical.String(r.Nonce),
		"scope_hash":    canonical.String(r.ScopeHash),
		"request_hash":  canonical.String(r.RequestHash),
		"response_hash": canonical.String(r.ResponseHash),
	}
	if r.PrevReceiptHash != "" {
		obj["prev_receipt_hash"] = canonical.String(r.PrevReceiptHash)
	}
	return obj
}

// Verify checks a receipt against the payer's public key.
// On success it returns the receipt's content hash for chaining and audit.
func Verify(r *Receipt, publicKeyHex string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("verify receipt: nil receipt")
	}
	if r.Version != Version {
		return "", fmt.Errorf("verify receipt: unsupported version %d", r.Version)
	}
	if err := validateFields(r); err != nil {
		return "", err
	}
	if r.Signature == "" {
		return "", fmt.Errorf("verify receipt: field signature: missing")
	}

	hash, err := r.ContentHash()
	if err != nil {
		return "", fmt.Errorf("verify receipt: %w", err)
	}

	if !sig.VerifyHex(hash, r.Signature, publicKeyHex) {
		return "", fmt.Errorf("verify receipt: signature mismatch")
	}

	return hash, nil
}

// validateFields enforces the structural receipt invariants shared by
// Make and Verify. Errors name the offending field.
func validateFields(r *Receipt) error {
	if r.Payer == "" {
		return fmt.Errorf("receipt: field payer: missing")
	}
	if r.Payee == "" {
		return fmt.Errorf("receipt: field payee: missing")
	}
	if r.Payer == r.Payee {
		return fmt.Errorf("receipt: field payee: payer and payee must differ")
	}
	if r.Units <= 0 {
		return fmt.Errorf("receipt: field units: must be positive, got %d", r.Units)
	}
	if r.Price < 0 {
		return fmt.Errorf("receipt: field price: must be non-negative, got %d", r.Price)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("receipt: field timestamp: must be positive, got %d", r.Timestamp)
	}
	if r.PrevReceiptHash != "" && !canonical.IsHash(r.PrevReceiptHash) {
		return fmt.Errorf("receipt: field prev_receipt_hash: malformed hash")
	}
	return nil
}
