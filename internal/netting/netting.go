// Package netting implements the inter-agent netting engine (IAN).
//
// Many bilateral receipts between a set of agents collapse into minimal
// net obligations: for every unordered pair the two directional flow
// totals offset, leaving at most one obligation in the direction of the
// larger flow. The result is canonically hashed and signed by the
// clearing authority.
//
// Determinism contract: the emitted obligations are a pure function of the
// receipt multiset. Submission order never matters - receipt hashes are
// sorted before anything else happens, and obligations are emitted in
// sorted (from, to) order.
package netting

import (
	"crypto/ed25519"
	"fmt"
	"slices"
	"strings"

	"github.com/keelclear/keel/internal/canonical"
	"github.com/keelclear/keel/internal/receipt"
	"github.com/keelclear/keel/internal/sig"
)

// Version is the current netting result format version.
const Version = 1

// Obligation is a single directional debt between two principals after
// bilateral offsetting. At most one obligation exists per unordered pair.
type Obligation struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// Result is a signed inter-agent netting result (IAN).
type Result struct {
	Version               int64        `json:"version"`
	EpochID               string       `json:"epoch_id"`
	Participants          []string     `json:"participants"`
	IncludedReceiptHashes []string     `json:"included_receipt_hashes"`
	NetObligations        []Obligation `json:"net_obligations"`
	NettingHash           string       `json:"netting_hash"`
	Signature             string       `json:"signature"`
}

// pairKey identifies an unordered agent pair. low < high lexicographically.
type pairKey struct {
	low, high string
}

// Net consumes a set of receipts and produces the signed netting result.
//
// The settlement amount of a receipt is its price field. Receipts are
// assumed to have passed signature verification upstream; Net still
// enforces the structural invariants it depends on (payer != payee,
// positive units, non-negative price).
func Net(epochID string, receipts []*receipt.Receipt, authorityPriv ed25519.PrivateKey) (*Result, error) {
	if epochID == "" {
		return nil, fmt.Errorf("net: field epoch_id: missing")
	}
	if len(receipts) == 0 {
		return nil, fmt.Errorf("net: field receipts: empty set")
	}

	// Hash every receipt and sort the hash set. This sort is the sole
	// source of determinism for the rest of the computation.
	hashes := make([]string, 0, len(receipts))
	byHash := make(map[string]*receipt.Receipt, len(receipts))
	for i, r := range receipts {
		if r.Payer == r.Payee {
			return nil, fmt.Errorf("net: receipt[%d]: payer and payee must differ", i)
		}
		if r.Units <= 0 {
			return nil, fmt.Errorf("net: receipt[%d]: field units: must be positive", i)
		}
		if r.Price < 0 {
			return nil, fmt.Errorf("net: receipt[%d]: field price: must be non-negative", i)
		}
		h, err := r.ContentHash()
		if err != nil {
			return nil, fmt.Errorf("net: receipt[%d]: %w", i, err)
		}
		if _, dup := byHash[h]; dup {
			return nil, fmt.Errorf("net: receipt[%d]: duplicate receipt %s", i, h)
		}
		byHash[h] = r
		hashes = append(hashes, h)
	}
	slices.Sort(hashes)

	// Accumulate directional flow totals and the participant set.
	flows := make(map[pairKey][2]int64) // [low→high, high→low]
	participants := make(map[string]struct{})
	var gross int64
	for _, h := range hashes {
		r := byHash[h]
		participants[r.Payer] = struct{}{}
		participants[r.Payee] = struct{}{}

		key, forward := orderPair(r.Payer, r.Payee)
		f := flows[key]
		if forward {
			f[0] += r.Price
		} else {
			f[1] += r.Price
		}
		flows[key] = f
		gross += r.Price
	}

	obligations := netObligations(flows)

	// Conservation law: net volume never exceeds gross flow volume.
	var net int64
	for _, ob := range obligations {
		net += ob.Amount
	}
	if net > gross {
		return nil, fmt.Errorf("net: conservation violated: net volume %d exceeds gross %d", net, gross)
	}

	sortedParticipants := make([]string, 0, len(participants))
	for p := range participants {
		sortedParticipants = append(sortedParticipants, p)
	}
	slices.Sort(sortedParticipants)

	result := &Result{
		Version:               Version,
		EpochID:               epochID,
		Participants:          sortedParticipants,
		IncludedReceiptHashes: hashes,
		NetObligations:        obligations,
	}

	nettingHash, err := computeNettingHash(result)
	if err != nil {
		return nil, fmt.Errorf("net: %w", err)
	}
	result.NettingHash = nettingHash

	signature, err := sig.SignHex(nettingHash, authorityPriv)
	if err != nil {
		return nil, fmt.Errorf("net: %w", err)
	}
	result.Signature = signature

	return result, nil
}

// orderPair returns the unordered pair key for (payer, payee) and whether
// the flow runs low→high.
func orderPair(payer, payee string) (pairKey, bool) {
	if strings.Compare(payer, payee) < 0 {
		return pairKey{low: payer, high: payee}, true
	}
	return pairKey{low: payee, high: payer}, false
}

// netObligations offsets the two directional totals of every pair into at
// most one obligation, sorted by (from, to). Equal flows cancel entirely.
func netObligations(flows map[pairKey][2]int64) []Obligation {
	obligations := make([]Obligation, 0, len(flows))
	for key, f := range flows {
		switch {
		case f[0] > f[1]:
			obligations = append(obligations, Obligation{From: key.low, To: key.high, Amount: f[0] - f[1]})
		case f[1] > f[0]:
			obligations = append(obligations, Obligation{From: key.high, To: key.low, Amount: f[1] - f[0]})
		}
		// f[0] == f[1]: fully offset, no obligation
	}
	slices.SortFunc(obligations, func(a, b Obligation) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.To, b.To)
	})
	return obligations
}

// computeNettingHash hashes {epoch_id, sorted receipt hashes, obligations}.
func computeNettingHash(r *Result) (string, error) {
	sortedHashes := make([]string, len(r.IncludedReceiptHashes))
	copy(sortedHashes, r.IncludedReceiptHashes)
	slices.Sort(sortedHashes)

	obligations := make(canonical.Array, len(r.NetObligations))
	for i, ob := range r.NetObligations {
		obligations[i] = canonical.Object{
			"from":   canonical.String(ob.From),
			"to":     canonical.String(ob.To),
			"amount": canonical.Int(ob.Amount),
		}
	}

	obj := canonical.Object{
		"epoch_id":                canonical.String(r.EpochID),
		"included_receipt_hashes": canonical.StringArray(sortedHashes...),
		"net_obligations":         obligations,
	}
	return canonical.HashValue(canonical.DomainNetting, obj)
}

// Verify checks a netting result against the clearing authority's key.
// It recomputes the netting hash from the declared fields, checks the
// signature, and rejects self-obligations, non-positive amounts, and
// obligations referencing agents outside the participant set.
func Verify(r *Result, authorityPublicHex string) error {
	if r == nil {
		return fmt.Errorf("verify netting: nil result")
	}
	if r.Version != Version {
		return fmt.Errorf("verify netting: unsupported version %d", r.Version)
	}
	if r.EpochID == "" {
		return fmt.Errorf("verify netting: field epoch_id: missing")
	}

	participants := make(map[string]struct{}, len(r.Participants))
	for _, p := range r.Participants {
		participants[p] = struct{}{}
	}

	for i, ob := range r.NetObligations {
		if ob.From == ob.To {
			return fmt.Errorf("verify netting: obligation[%d]: self-obligation %s", i, ob.From)
		}
		if ob.Amount <= 0 {
			return fmt.Errorf("verify netting: obligation[%d]: field amount: must be positive, got %d", i, ob.Amount)
		}
		if _, ok := participants[ob.From]; !ok {
			return fmt.Errorf("verify netting: obligation[%d]: unknown participant %s", i, ob.From)
		}
		if _, ok := participants[ob.To]; !ok {
			return fmt.Errorf("verify netting: obligation[%d]: unknown participant %s", i, ob.To)
		}
	}

	want, err := computeNettingHash(r)
	if err != nil {
		return fmt.Errorf("verify netting: %w", err)
	}
	if want != r.NettingHash {
		return fmt.Errorf("verify netting: netting hash mismatch")
	}

	if !sig.VerifyHex(r.NettingHash, r.Signature, authorityPublicHex) {
		return fmt.Errorf("verify netting: signature mismatch")
	}

	return nil
}

// NetVolume returns the total obligation volume of a result.
// The service layer prices its netting fee against this figure.
func NetVolume(r *Result) int64 {
	var total int64
	for _, ob := range r.NetObligations {
		total += ob.Amount
	}
	return total
}
