// Package resolution implements default and bankruptcy handling: a
// triggered default case snapshots the defaulter's creditors and assets,
// computes a liquidation plan under a distribution method, and is signed
// by the arbiter. The case's content hash is its identity (default_id).
// A later resolve step issues a second signed record with the actual
// final distributions; the original case is never mutated.
package resolution

import (
	"crypto/ed25519"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/keelclear/keel/internal/canonical"
	"github.com/keelclear/keel/internal/sig"
)

// Version is the current default case format version.
const Version = 1

// Method selects how liquidation proceeds are distributed.
type Method string

const (
	// ProRata distributes assets proportionally to claim size.
	ProRata Method = "PRO_RATA"
	// Priority pays creditors in full in ascending priority order until
	// assets run out.
	Priority Method = "PRIORITY"
	// Auction defers real proceeds to resolve; the trigger-time plan is
	// pro-rata and provisional, its recovery rate is not final.
	Auction Method = "AUCTION"
)

// Creditor is one claim against the defaulting agent.
type Creditor struct {
	Agent          string `json:"agent"`
	Amount         int64  `json:"amount"`
	Priority       int64  `json:"priority"`
	Collateralized bool   `json:"collateralized"`
}

// Asset is one asset of the defaulting agent available for liquidation.
type Asset struct {
	Type   string `json:"type"`
	Value  int64  `json:"value"`
	Liquid bool   `json:"liquid"`
}

// Trigger describes what set the default off.
type Trigger struct {
	Type      string `json:"type"`
	Reference string `json:"reference"`
	TS        int64  `json:"ts"`
}

// Distribution is one creditor's share of liquidation proceeds.
type Distribution struct {
	Agent    string `json:"agent"`
	Receives int64  `json:"receives"`
}

// Plan is the computed liquidation plan.
type Plan struct {
	Method        Method         `json:"method"`
	Distributions []Distribution `json:"distributions"`
}

// Case is an arbiter-signed default case. DefaultID is the content hash
// of every field except itself and the signature.
type Case struct {
	Version         int64      `json:"version"`
	DefaultID       string     `json:"default_id"`
	DefaultingAgent string     `json:"defaulting_agent"`
	DeclarationType string     `json:"declaration_type"`
	Trigger         Trigger    `json:"trigger"`
	Creditors       []Creditor `json:"creditors"`
	Assets          []Asset    `json:"assets"`
	RecoveryRateBps int64      `json:"recovery_rate_bps"`
	Plan            Plan       `json:"liquidation_plan"`
	Arbiter         string     `json:"arbiter"`
	Timestamp       int64      `json:"timestamp"`
	Signature       string     `json:"signature"`
}

// TriggerInput carries the caller-supplied fields for triggering a
// default case.
type TriggerInput struct {
	DefaultingAgent string
	DeclarationType string
	Trigger         Trigger
	Creditors       []Creditor
	Assets          []Asset
	Method          Method
	Timestamp       int64
}

// TriggerCase snapshots creditors and assets, computes the liquidation
// plan and recovery rate, and signs the case with the arbiter's key.
func TriggerCase(in TriggerInput, arbiterPriv ed25519.PrivateKey) (*Case, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}
	if in.Timestamp == 0 {
		in.Timestamp = time.Now().Unix()
	}

	creditors := sortedCreditors(in.Creditors)
	totalOwed := sumOwed(creditors)
	totalAssets := sumAssets(in.Assets)

	plan := Plan{
		Method:        in.Method,
		Distributions: distribute(in.Method, creditors, totalOwed, totalAssets),
	}

	c := &Case{
		Version:         Version,
		DefaultingAgent: in.DefaultingAgent,
		DeclarationType: in.DeclarationType,
		Trigger:         in.Trigger,
		Creditors:       creditors,
		Assets:          in.Assets,
		RecoveryRateBps: recoveryRate(totalDistributed(plan.Distributions), totalOwed),
		Plan:            plan,
		Timestamp:       in.Timestamp,
		Arbiter:         sig.PublicHex(arbiterPriv),
	}

	hash, err := c.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("trigger default: %w", err)
	}
	c.DefaultID = hash

	signature, err := sig.SignHex(hash, arbiterPriv)
	if err != nil {
		return nil, fmt.Errorf("trigger default: %w", err)
	}
	c.Signature = signature

	return c, nil
}

// distribute dispatches to the pure distribution function for a method.
// Adding a method means adding one case here and one function below.
func distribute(method Method, creditors []Creditor, totalOwed, totalAssets int64) []Distribution {
	switch method {
	case Priority:
		return distributePriority(creditors, totalAssets)
	case ProRata, Auction:
		return distributeProRata(creditors, totalOwed, totalAssets)
	}
	return nil
}

// distributeProRata gives each creditor floor(claim * assets / owed),
// capped at the claim itself: a surplus of assets over what is owed
// never pays a creditor more than they are owed.
func distributeProRata(creditors []Creditor, totalOwed, totalAssets int64) []Distribution {
	out := make([]Distribution, 0, len(creditors))
	for _, c := range creditors {
		var receives int64
		if totalOwed > 0 {
			receives = mulDiv(c.Amount, totalAssets, totalOwed)
			if receives > c.Amount {
				receives = c.Amount
			}
		}
		out = append(out, Distribution{Agent: c.Agent, Receives: receives})
	}
	return out
}

// distributePriority pays creditors in full in ascending priority order
// until assets are exhausted; whoever is left gets zero.
func distributePriority(creditors []Creditor, totalAssets int64) []Distribution {
	ordered := make([]Creditor, len(creditors))
	copy(ordered, creditors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	remaining := totalAssets
	byAgent := make(map[string]int64, len(ordered))
	for _, c := range ordered {
		paid := c.Amount
		if paid > remaining {
			paid = remaining
		}
		byAgent[c.Agent] += paid
		remaining -= paid
	}

	// Emit in the case's canonical creditor order, not payment order.
	out := make([]Distribution, 0, len(creditors))
	for _, c := range creditors {
		out = append(out, Distribution{Agent: c.Agent, Receives: byAgent[c.Agent]})
		byAgent[c.Agent] = 0
	}
	return out
}

func recoveryRate(distributed, owed int64) int64 {
	if owed == 0 {
		return 0
	}
	return mulDiv(distributed, 10000, owed)
}

// mulDiv is floor(a*b/c) computed in big.Int so the intermediate
// product cannot overflow int64. A quotient past int64 clamps to
// MaxInt64.
func mulDiv(a, b, c int64) int64 {
	n := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	n.Quo(n, big.NewInt(c))
	if !n.IsInt64() {
		return math.MaxInt64
	}
	return n.Int64()
}

// ContentHash computes the case's identity: the domain-separated hash of
// the canonical encoding of all fields except default_id and signature.
func (c *Case) ContentHash() (string, error) {
	return canonical.HashValue(canonical.DomainDefault, c.canonicalObject())
}

func (c *Case) canonicalObject() canonical.Object {
	creditors := make(canonical.Array, 0, len(c.Creditors))
	for _, cr := range c.Creditors {
		creditors = append(creditors, canonical.Object{
			"agent":          canonical.String(cr.Agent),
			"amount":         canonical.Int(cr.Amount),
			"priority":       canonical.Int(cr.Priority),
			"collateralized": canonical.Bool(cr.Collateralized),
		})
	}
	assets := make(canonical.Array, 0, len(c.Assets))
	for _, a := range c.Assets {
		assets = append(assets, canonical.Object{
			"type":   canonical.String(a.Type),
			"value":  canonical.Int(a.Value),
			"liquid": canonical.Bool(a.Liquid),
		})
	}
	return canonical.Object{
		"version":          canonical.Int(c.Version),
		"defaulting_agent": canonical.String(c.DefaultingAgent),
		"declaration_type": canonical.String(c.DeclarationType),
		"trigger": canonical.Object{
			"type":      canonical.String(c.Trigger.Type),
			"reference": canonical.String(c.Trigger.Reference),
			"ts":        canonical.Int(c.Trigger.TS),
		},
		"creditors":         creditors,
		"assets":            assets,
		"recovery_rate_bps": canonical.Int(c.RecoveryRateBps),
		"liquidation_plan": canonical.Object{
			"method":        canonical.String(string(c.Plan.Method)),
			"distributions": distributionsValue(c.Plan.Distributions),
		},
		"arbiter":   canonical.String(c.Arbiter),
		"timestamp": canonical.Int(c.Timestamp),
	}
}

func distributionsValue(ds []Distribution) canonical.Array {
	out := make(canonical.Array, 0, len(ds))
	for _, d := range ds {
		out = append(out, canonical.Object{
			"agent":    canonical.String(d.Agent),
			"receives": canonical.Int(d.Receives),
		})
	}
	return out
}

// VerifyCase checks a default case against the arbiter's public key:
// structural invariants, recomputed plan and recovery rate, distribution
// bound, hash identity, signature.
func VerifyCase(c *Case, arbiterPubHex string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("verify default case: nil case")
	}
	if c.Version != Version {
		return "", fmt.Errorf("verify default case: unsupported version %d", c.Version)
	}
	if c.DefaultingAgent == "" {
		return "", fmt.Errorf("verify default case: field defaulting_agent: missing")
	}
	if c.Signature == "" {
		return "", fmt.Errorf("verify default case: field signature: missing")
	}

	totalOwed := sumOwed(c.Creditors)
	totalAssets := sumAssets(c.Assets)

	if got := totalDistributed(c.Plan.Distributions); got > totalAssets {
		return "", fmt.Errorf("verify default case: distributions %d exceed assets %d", got, totalAssets)
	}
	want := distribute(c.Plan.Method, c.Creditors, totalOwed, totalAssets)
	if want == nil {
		return "", fmt.Errorf("verify default case: unknown method %q", c.Plan.Method)
	}
	if len(want) != len(c.Plan.Distributions) {
		return "", fmt.Errorf("verify default case: plan mismatch")
	}
	for i := range want {
		if want[i] != c.Plan.Distributions[i] {
			return "", fmt.Errorf("verify default case: plan mismatch at %s", c.Plan.Distributions[i].Agent)
		}
	}
	if got := recoveryRate(totalDistributed(c.Plan.Distributions), totalOwed); got != c.RecoveryRateBps {
		return "", fmt.Errorf("verify default case: recovery rate mismatch: got %d, want %d", c.RecoveryRateBps, got)
	}

	hash, err := c.ContentHash()
	if err != nil {
		return "", fmt.Errorf("verify default case: %w", err)
	}
	if hash != c.DefaultID {
		return "", fmt.Errorf("verify default case: default_id mismatch")
	}
	if !sig.VerifyHex(hash, c.Signature, arbiterPubHex) {
		return "", fmt.Errorf("verify default case: signature mismatch")
	}
	return hash, nil
}

// Resolution is the second signed record closing out a default case with
// actual final distributions. It references the original case by hash;
// the original record is never touched.
type Resolution struct {
	Version         int64          `json:"version"`
	OriginalID      string         `json:"original_default_id"`
	Distributions   []Distribution `json:"final_distributions"`
	RecoveryRateBps int64          `json:"recovery_rate_bps"`
	Arbiter         string         `json:"arbiter"`
	Timestamp       int64          `json:"timestamp"`
	Signature       string         `json:"signature"`
}

// Resolve re-derives the recovery rate from the actual final
// distributions and signs a resolution record referencing the original.
func Resolve(original *Case, final []Distribution, arbiterPriv ed25519.PrivateKey) (*Resolution, error) {
	if original == nil {
		return nil, fmt.Errorf("resolve default: nil original case")
	}
	if original.DefaultID == "" {
		return nil, fmt.Errorf("resolve default: original has no default_id")
	}
	totalAssets := sumAssets(original.Assets)
	distributed := totalDistributed(final)
	if distributed > totalAssets {
		return nil, fmt.Errorf("resolve default: distributions %d exceed assets %d", distributed, totalAssets)
	}
	if err := checkFinalDistributions(final, original.Creditors); err != nil {
		return nil, fmt.Errorf("resolve default: %w", err)
	}

	r := &Resolution{
		Version:         Version,
		OriginalID:      original.DefaultID,
		Distributions:   final,
		RecoveryRateBps: recoveryRate(distributed, sumOwed(original.Creditors)),
		Arbiter:         sig.PublicHex(arbiterPriv),
		Timestamp:       time.Now().Unix(),
	}

	hash, err := r.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("resolve default: %w", err)
	}
	signature, err := sig.SignHex(hash, arbiterPriv)
	if err != nil {
		return nil, fmt.Errorf("resolve default: %w", err)
	}
	r.Signature = signature
	return r, nil
}

// ContentHash computes the resolution's hash over all fields except the
// signature.
func (r *Resolution) ContentHash() (string, error) {
	return canonical.HashValue(canonical.DomainDefault, canonical.Object{
		"version":             canonical.Int(r.Version),
		"original_default_id": canonical.String(r.OriginalID),
		"final_distributions": distributionsValue(r.Distributions),
		"recovery_rate_bps":   canonical.Int(r.RecoveryRateBps),
		"arbiter":             canonical.String(r.Arbiter),
		"timestamp":           canonical.Int(r.Timestamp),
	})
}

// VerifyResolution checks a resolution against the arbiter's key and the
// original case it claims to close.
func VerifyResolution(r *Resolution, original *Case, arbiterPubHex string) error {
	if r == nil || original == nil {
		return fmt.Errorf("verify resolution: nil record")
	}
	if r.OriginalID != original.DefaultID {
		return fmt.Errorf("verify resolution: references %s, original is %s", r.OriginalID, original.DefaultID)
	}
	if got := totalDistributed(r.Distributions); got > sumAssets(original.Assets) {
		return fmt.Errorf("verify resolution: distributions %d exceed assets", got)
	}
	if err := checkFinalDistributions(r.Distributions, original.Creditors); err != nil {
		return fmt.Errorf("verify resolution: %w", err)
	}
	if got := recoveryRate(totalDistributed(r.Distributions), sumOwed(original.Creditors)); got != r.RecoveryRateBps {
		return fmt.Errorf("verify resolution: recovery rate mismatch: got %d, want %d", r.RecoveryRateBps, got)
	}
	hash, err := r.ContentHash()
	if err != nil {
		return fmt.Errorf("verify resolution: %w", err)
	}
	if !sig.VerifyHex(hash, r.Signature, arbiterPubHex) {
		return fmt.Errorf("verify resolution: signature mismatch")
	}
	return nil
}

func validateInput(in *TriggerInput) error {
	if in.DefaultingAgent == "" {
		return fmt.Errorf("trigger default: field defaulting_agent: missing")
	}
	switch in.Method {
	case ProRata, Priority, Auction:
	default:
		return fmt.Errorf("trigger default: field method: unknown method %q", in.Method)
	}
	seen := make(map[string]bool, len(in.Creditors))
	for _, c := range in.Creditors {
		if c.Agent == "" {
			return fmt.Errorf("trigger default: field creditors.agent: missing")
		}
		if c.Agent == in.DefaultingAgent {
			return fmt.Errorf("trigger default: field creditors.agent: defaulting agent cannot be its own creditor")
		}
		if c.Amount <= 0 {
			return fmt.Errorf("trigger default: field creditors.amount: must be positive, got %d", c.Amount)
		}
		if seen[c.Agent] {
			return fmt.Errorf("trigger default: field creditors.agent: duplicate creditor %s", c.Agent)
		}
		seen[c.Agent] = true
	}
	for _, a := range in.Assets {
		if a.Value < 0 {
			return fmt.Errorf("trigger default: field assets.value: must be non-negative, got %d", a.Value)
		}
	}
	return nil
}

// sortedCreditors returns creditors in canonical agent order so the plan
// and the case hash are independent of input order.
func sortedCreditors(in []Creditor) []Creditor {
	out := make([]Creditor, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func sumOwed(creditors []Creditor) int64 {
	var total int64
	for _, c := range creditors {
		total += c.Amount
	}
	return total
}

func sumAssets(assets []Asset) int64 {
	var total int64
	for _, a := range assets {
		total += a.Value
	}
	return total
}

func totalDistributed(ds []Distribution) int64 {
	var total int64
	for _, d := range ds {
		total += d.Receives
	}
	return total
}

// checkFinalDistributions bounds final distributions by the original
// case's claims: every payee must be a creditor and no creditor's
// total receives may exceed their claim.
func checkFinalDistributions(final []Distribution, creditors []Creditor) error {
	claims := make(map[string]int64, len(creditors))
	for _, c := range creditors {
		claims[c.Agent] = c.Amount
	}
	received := make(map[string]int64, len(final))
	for _, d := range final {
		if d.Receives < 0 {
			return fmt.Errorf("field final_distributions: must be non-negative for %s", d.Agent)
		}
		claim, ok := claims[d.Agent]
		if !ok {
			return fmt.Errorf("field final_distributions: %s is not a creditor", d.Agent)
		}
		received[d.Agent] += d.Receives
		if received[d.Agent] > claim {
			return fmt.Errorf("field final_distributions: %s receives %d, claim is %d", d.Agent, received[d.Agent], claim)
		}
	}
	return nil
}
