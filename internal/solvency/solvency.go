// Package solvency computes signed balance sheet snapshots (MBS): an
// agent's assets against its liabilities, the basis-point solvency ratio,
// and a burn-rate runway. Snapshots are recomputed and re-signed on
// demand, never mutated in place.
package solvency

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/keelclear/keel/internal/canonical"
	"github.com/keelclear/keel/internal/sig"
)

// Version is the current balance sheet format version.
const Version = 1

// SolvencyRatioMax is the sentinel ratio for zero liabilities.
// Chosen well below int64 max so downstream runway arithmetic cannot
// overflow when it multiplies the ratio.
const SolvencyRatioMax = int64(1) << 62

// RunwayUnbounded is the sentinel runway for zero burn rate.
const RunwayUnbounded = int64(1) << 62

// Item is one line of a balance sheet: an asset or a liability.
type Item struct {
	Kind   string `json:"kind"`
	Value  int64  `json:"value"`
	Liquid bool   `json:"liquid"`
}

// Sheet is a signed solvency snapshot for one agent.
type Sheet struct {
	Version          int64  `json:"version"`
	AgentID          string `json:"agent_id"`
	Assets           []Item `json:"assets"`
	Liabilities      []Item `json:"liabilities"`
	TotalAssets      int64  `json:"total_assets"`
	TotalLiabilities int64  `json:"total_liabilities"`
	BurnRate         int64  `json:"burn_rate"`
	SolvencyRatio    int64  `json:"solvency_ratio"`
	RunwayDays       int64  `json:"runway_days"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// Input carries the fields for computing a balance sheet.
type Input struct {
	AgentID     string
	Assets      []Item
	Liabilities []Item
	BurnRate    int64 // value consumed per day
	Timestamp   int64 // optional; defaults to now
}

// Compute builds and signs a balance sheet snapshot.
//
// solvency_ratio = floor(total_assets * 10000 / total_liabilities), or
// SolvencyRatioMax when liabilities are zero. runway_days =
// floor(total_assets / burn_rate), or RunwayUnbounded when burn is zero.
func Compute(in Input, priv ed25519.PrivateKey) (*Sheet, error) {
	if in.AgentID == "" {
		return nil, fmt.Errorf("balance sheet: field agent_id: missing")
	}
	if in.BurnRate < 0 {
		return nil, fmt.Errorf("balance sheet: field burn_rate: must be non-negative, got %d", in.BurnRate)
	}

	var totalAssets, totalLiabilities int64
	for i, a := range in.Assets {
		if a.Value < 0 {
			return nil, fmt.Errorf("balance sheet: field assets[%d].value: must be non-negative, got %d", i, a.Value)
		}
		totalAssets += a.Value
	}
	for i, l := range in.Liabilities {
		if l.Value < 0 {
			return nil, fmt.Errorf("balance sheet: field liabilities[%d].value: must be non-negative, got %d", i, l.Value)
		}
		totalLiabilities += l.Value
	}

	ratio := SolvencyRatioMax
	if totalLiabilities > 0 {
		ratio = totalAssets * 10000 / totalLiabilities
	}

	runway := RunwayUnbounded
	if in.BurnRate > 0 {
		runway = totalAssets / in.BurnRate
	}

	ts := in.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	s := &Sheet{
		Version:          Version,
		AgentID:          in.AgentID,
		Assets:           in.Assets,
		Liabilities:      in.Liabilities,
		TotalAssets:      totalAssets,
		TotalLiabilities: totalLiabilities,
		BurnRate:         in.BurnRate,
		SolvencyRatio:    ratio,
		RunwayDays:       runway,
		Timestamp:        ts,
	}

	hash, err := s.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("balance sheet: %w", err)
	}
	signature, err := sig.SignHex(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("balance sheet: %w", err)
	}
	s.Signature = signature

	return s, nil
}

// ContentHash computes the sheet's content hash, excluding the signature.
func (s *Sheet) ContentHash() (string, error) {
	obj := canonical.Object{
		"version":           canonical.Int(s.Version),
		"agent_id":          canonical.String(s.AgentID),
		"assets":            itemsArray(s.Assets),
		"liabilities":       itemsArray(s.Liabilities),
		"total_assets":      canonical.Int(s.TotalAssets),
		"total_liabilities": canonical.Int(s.TotalLiabilities),
		"burn_rate":         canonical.Int(s.BurnRate),
		"solvency_ratio":    canonical.Int(s.SolvencyRatio),
		"runway_days":       canonical.Int(s.RunwayDays),
		"timestamp":         canonical.Int(s.Timestamp),
	}
	return canonical.HashValue(canonical.DomainBalance, obj)
}

func itemsArray(items []Item) canonical.Array {
	arr := make(canonical.Array, len(items))
	for i, it := range items {
		arr[i] = canonical.Object{
			"kind":   canonical.String(it.Kind),
			"value":  canonical.Int(it.Value),
			"liquid": canonical.Bool(it.Liquid),
		}
	}
	return arr
}

// Verify checks a sheet's declared totals and ratios, recomputes the
// content hash, and checks the signature. Returns the content hash.
func Verify(s *Sheet, publicKeyHex string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("verify balance sheet: nil sheet")
	}
	if s.Version != Version {
		return "", fmt.Errorf("verify balance sheet: unsupported version %d", s.Version)
	}
	if s.Timestamp <= 0 {
		return "", fmt.Errorf("verify balance sheet: field timestamp: must be positive")
	}

	var totalAssets, totalLiabilities int64
	for _, a := range s.Assets {
		totalAssets += a.Value
	}
	for _, l := range s.Liabilities {
		totalLiabilities += l.Value
	}
	if totalAssets != s.TotalAssets || totalLiabilities != s.TotalLiabilities {
		return "", fmt.Errorf("verify balance sheet: declared totals do not match items")
	}

	wantRatio := SolvencyRatioMax
	if totalLiabilities > 0 {
		wantRatio = totalAssets * 10000 / totalLiabilities
	}
	if s.SolvencyRatio != wantRatio {
		return "", fmt.Errorf("verify balance sheet: field solvency_ratio: declared %d, computed %d", s.SolvencyRatio, wantRatio)
	}

	hash, err := s.ContentHash()
	if err != nil {
		return "", fmt.Errorf("verify balance sheet: %w", err)
	}
	if !sig.VerifyHex(hash, s.Signature, publicKeyHex) {
		return "", fmt.Errorf("verify balance sheet: signature mismatch")
	}
	return hash, nil
}
