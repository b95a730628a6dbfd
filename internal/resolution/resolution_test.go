package resolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelclear/keel/internal/sig"
)

func testArbiter(t *testing.T) *sig.KeyPair {
	t.Helper()
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func baseInput(method Method) TriggerInput {
	return TriggerInput{
		DefaultingAgent: "agent-d",
		DeclarationType: "involuntary",
		Trigger:         Trigger{Type: "missed_payment", Reference: "receipt-123", TS: 1_700_000_000},
		Creditors: []Creditor{
			{Agent: "agent-a", Amount: 600, Priority: 2},
			{Agent: "agent-b", Amount: 300, Priority: 1},
			{Agent: "agent-c", Amount: 100, Priority: 3},
		},
		Assets: []Asset{
			{Type: "cash", Value: 400, Liquid: true},
			{Type: "equipment", Value: 100, Liquid: false},
		},
		Method:    method,
		Timestamp: 1_700_000_100,
	}
}

func TestTriggerProRata(t *testing.T) {
	arb := testArbiter(t)
	c, err := TriggerCase(baseInput(ProRata), arb.Private)
	require.NoError(t, err)

	// Owed 1000, assets 500: each creditor gets floor(claim/2).
	want := map[string]int64{"agent-a": 300, "agent-b": 150, "agent-c": 50}
	require.Len(t, c.Plan.Distributions, 3)
	for _, d := range c.Plan.Distributions {
		assert.Equal(t, want[d.Agent], d.Receives, d.Agent)
	}
	assert.Equal(t, int64(5000), c.RecoveryRateBps)

	hash, err := VerifyCase(c, arb.PublicHex)
	require.NoError(t, err)
	assert.Equal(t, c.DefaultID, hash)
}

func TestTriggerPriority(t *testing.T) {
	arb := testArbiter(t)
	c, err := TriggerCase(baseInput(Priority), arb.Private)
	require.NoError(t, err)

	// Ascending priority: b (300) in full, a gets the remaining 200,
	// c gets nothing.
	want := map[string]int64{"agent-b": 300, "agent-a": 200, "agent-c": 0}
	for _, d := range c.Plan.Distributions {
		assert.Equal(t, want[d.Agent], d.Receives, d.Agent)
	}
	assert.Equal(t, int64(5000), c.RecoveryRateBps)

	_, err = VerifyCase(c, arb.PublicHex)
	require.NoError(t, err)
}

func TestTriggerAuctionIsProvisionalProRata(t *testing.T) {
	arb := testArbiter(t)
	auction, err := TriggerCase(baseInput(Auction), arb.Private)
	require.NoError(t, err)
	prorata, err := TriggerCase(baseInput(ProRata), arb.Private)
	require.NoError(t, err)

	assert.Equal(t, prorata.Plan.Distributions, auction.Plan.Distributions)
	assert.Equal(t, prorata.RecoveryRateBps, auction.RecoveryRateBps)
	// Different method, different identity.
	assert.NotEqual(t, prorata.DefaultID, auction.DefaultID)
}

func TestProRataFlooring(t *testing.T) {
	arb := testArbiter(t)
	in := TriggerInput{
		DefaultingAgent: "agent-d",
		DeclarationType: "voluntary",
		Creditors: []Creditor{
			{Agent: "agent-a", Amount: 333},
			{Agent: "agent-b", Amount: 333},
			{Agent: "agent-c", Amount: 334},
		},
		Assets:    []Asset{{Type: "cash", Value: 100, Liquid: true}},
		Method:    ProRata,
		Timestamp: 1,
	}
	c, err := TriggerCase(in, arb.Private)
	require.NoError(t, err)

	var total int64
	for _, d := range c.Plan.Distributions {
		total += d.Receives
	}
	assert.LessOrEqual(t, total, int64(100))
	assert.LessOrEqual(t, c.RecoveryRateBps, int64(10000))
}

func TestProRataSurplusCappedAtClaim(t *testing.T) {
	arb := testArbiter(t)
	in := TriggerInput{
		DefaultingAgent: "agent-d",
		DeclarationType: "voluntary",
		Creditors:       []Creditor{{Agent: "agent-a", Amount: 100}},
		Assets:          []Asset{{Type: "cash", Value: 300, Liquid: true}},
		Method:          ProRata,
		Timestamp:       1,
	}
	c, err := TriggerCase(in, arb.Private)
	require.NoError(t, err)

	// Assets exceed the claim: the creditor is made whole, no more.
	require.Len(t, c.Plan.Distributions, 1)
	assert.Equal(t, int64(100), c.Plan.Distributions[0].Receives)
	assert.Equal(t, int64(10000), c.RecoveryRateBps)

	_, err = VerifyCase(c, arb.PublicHex)
	require.NoError(t, err)
}

func TestProRataSurplusMultipleCreditors(t *testing.T) {
	arb := testArbiter(t)
	in := baseInput(ProRata)
	in.Assets = []Asset{{Type: "cash", Value: 5000, Liquid: true}}
	c, err := TriggerCase(in, arb.Private)
	require.NoError(t, err)

	want := map[string]int64{"agent-a": 600, "agent-b": 300, "agent-c": 100}
	for _, d := range c.Plan.Distributions {
		assert.Equal(t, want[d.Agent], d.Receives, d.Agent)
	}
	assert.Equal(t, int64(10000), c.RecoveryRateBps)
}

func TestProRataLargeClaims(t *testing.T) {
	arb := testArbiter(t)
	huge := int64(1) << 50
	in := TriggerInput{
		DefaultingAgent: "agent-d",
		DeclarationType: "voluntary",
		Creditors:       []Creditor{{Agent: "agent-a", Amount: huge}},
		Assets:          []Asset{{Type: "cash", Value: huge, Liquid: true}},
		Method:          ProRata,
		Timestamp:       1,
	}
	c, err := TriggerCase(in, arb.Private)
	require.NoError(t, err)
	assert.Equal(t, huge, c.Plan.Distributions[0].Receives)
	assert.Equal(t, int64(10000), c.RecoveryRateBps)
}

func TestZeroOwedZeroRecovery(t *testing.T) {
	arb := testArbiter(t)
	in := TriggerInput{
		DefaultingAgent: "agent-d",
		DeclarationType: "voluntary",
		Assets:          []Asset{{Type: "cash", Value: 100, Liquid: true}},
		Method:          ProRata,
		Timestamp:       1,
	}
	c, err := TriggerCase(in, arb.Private)
	require.NoError(t, err)
	assert.Zero(t, c.RecoveryRateBps)
	assert.Empty(t, c.Plan.Distributions)
}

func TestTriggerValidation(t *testing.T) {
	arb := testArbiter(t)

	in := baseInput(ProRata)
	in.DefaultingAgent = ""
	_, err := TriggerCase(in, arb.Private)
	assert.ErrorContains(t, err, "defaulting_agent")

	in = baseInput(Method("FIRE_SALE"))
	_, err = TriggerCase(in, arb.Private)
	assert.ErrorContains(t, err, "method")

	in = baseInput(ProRata)
	in.Creditors[0].Amount = 0
	_, err = TriggerCase(in, arb.Private)
	assert.ErrorContains(t, err, "amount")

	in = baseInput(ProRata)
	in.Creditors[0].Agent = "agent-d"
	_, err = TriggerCase(in, arb.Private)
	assert.ErrorContains(t, err, "own creditor")

	in = baseInput(ProRata)
	in.Creditors = append(in.Creditors, Creditor{Agent: "agent-a", Amount: 5})
	_, err = TriggerCase(in, arb.Private)
	assert.ErrorContains(t, err, "duplicate")
}

func TestCaseOrderIndependence(t *testing.T) {
	arb := testArbiter(t)

	a := baseInput(ProRata)
	b := baseInput(ProRata)
	b.Creditors = []Creditor{b.Creditors[2], b.Creditors[0], b.Creditors[1]}

	ca, err := TriggerCase(a, arb.Private)
	require.NoError(t, err)
	cb, err := TriggerCase(b, arb.Private)
	require.NoError(t, err)
	assert.Equal(t, ca.DefaultID, cb.DefaultID)
}

func TestVerifyRejectsTampering(t *testing.T) {
	arb := testArbiter(t)
	c, err := TriggerCase(baseInput(ProRata), arb.Private)
	require.NoError(t, err)

	tampered := *c
	tampered.Plan.Distributions = append([]Distribution(nil), c.Plan.Distributions...)
	tampered.Plan.Distributions[0].Receives += 100
	_, err = VerifyCase(&tampered, arb.PublicHex)
	assert.Error(t, err)

	tampered = *c
	tampered.RecoveryRateBps = 9999
	_, err = VerifyCase(&tampered, arb.PublicHex)
	assert.ErrorContains(t, err, "recovery rate")

	other := testArbiter(t)
	_, err = VerifyCase(c, other.PublicHex)
	assert.ErrorContains(t, err, "signature")
}

func TestResolveReferencesOriginal(t *testing.T) {
	arb := testArbiter(t)
	c, err := TriggerCase(baseInput(Auction), arb.Private)
	require.NoError(t, err)

	// Auction closed higher than the provisional estimate.
	final := []Distribution{
		{Agent: "agent-a", Receives: 360},
		{Agent: "agent-b", Receives: 90},
		{Agent: "agent-c", Receives: 30},
	}
	r, err := Resolve(c, final, arb.Private)
	require.NoError(t, err)
	assert.Equal(t, c.DefaultID, r.OriginalID)
	assert.Equal(t, int64(4800), r.RecoveryRateBps)

	require.NoError(t, VerifyResolution(r, c, arb.PublicHex))

	// The original record is untouched and still verifies.
	_, err = VerifyCase(c, arb.PublicHex)
	require.NoError(t, err)

	// Final distributions are still bounded by the original's assets.
	over := []Distribution{{Agent: "agent-a", Receives: 600}}
	_, err = Resolve(c, over, arb.Private)
	assert.ErrorContains(t, err, "exceed assets")
}

func TestResolveRejectsOverpayment(t *testing.T) {
	arb := testArbiter(t)
	c, err := TriggerCase(baseInput(Auction), arb.Private)
	require.NoError(t, err)

	// agent-c is owed 100; paying 200 is within assets but over the claim.
	over := []Distribution{
		{Agent: "agent-a", Receives: 200},
		{Agent: "agent-c", Receives: 200},
	}
	_, err = Resolve(c, over, arb.Private)
	assert.ErrorContains(t, err, "claim")

	// A payee that was never a creditor is rejected outright.
	_, err = Resolve(c, []Distribution{{Agent: "agent-x", Receives: 1}}, arb.Private)
	assert.ErrorContains(t, err, "not a creditor")

	// Split entries for one creditor are bounded by their combined total.
	split := []Distribution{
		{Agent: "agent-c", Receives: 60},
		{Agent: "agent-c", Receives: 60},
	}
	_, err = Resolve(c, split, arb.Private)
	assert.ErrorContains(t, err, "claim")
}

func TestVerifyResolutionRejectsOverpayment(t *testing.T) {
	arb := testArbiter(t)
	c, err := TriggerCase(baseInput(Auction), arb.Private)
	require.NoError(t, err)
	r, err := Resolve(c, []Distribution{{Agent: "agent-c", Receives: 100}}, arb.Private)
	require.NoError(t, err)
	require.NoError(t, VerifyResolution(r, c, arb.PublicHex))

	tampered := *r
	tampered.Distributions = []Distribution{{Agent: "agent-c", Receives: 200}}
	assert.ErrorContains(t, VerifyResolution(&tampered, c, arb.PublicHex), "claim")
}

func TestCascadeEarlyWarning(t *testing.T) {
	// d owes a and b; a owes c. a's runway dies with the lost payment,
	// which in turn kills c. b survives.
	out := Cascade(CascadeInput{
		Defaulting: "agent-d",
		RunwayDays: map[string]int64{"agent-a": 10, "agent-b": 100, "agent-c": 5},
		BurnRate:   map[string]int64{"agent-a": 10, "agent-b": 10, "agent-c": 10},
		Claims: map[string][]Claim{
			"agent-d": {{Creditor: "agent-a", Amount: 200}, {Creditor: "agent-b", Amount: 200}},
			"agent-a": {{Creditor: "agent-c", Amount: 100}},
		},
	})
	assert.Equal(t, []string{"agent-a", "agent-c"}, out)
}

func TestCascadeZeroBurnNeverFlagged(t *testing.T) {
	out := Cascade(CascadeInput{
		Defaulting: "agent-d",
		RunwayDays: map[string]int64{"agent-a": 0},
		BurnRate:   map[string]int64{"agent-a": 0},
		Claims: map[string][]Claim{
			"agent-d": {{Creditor: "agent-a", Amount: 1_000_000}},
		},
	})
	assert.Empty(t, out)
}

func TestCascadeAccumulatesLosses(t *testing.T) {
	// Two claims against the defaulter held by the same creditor: each
	// alone survivable, together fatal.
	out := Cascade(CascadeInput{
		Defaulting: "agent-d",
		RunwayDays: map[string]int64{"agent-a": 15},
		BurnRate:   map[string]int64{"agent-a": 10},
		Claims: map[string][]Claim{
			"agent-d": {
				{Creditor: "agent-a", Amount: 100},
				{Creditor: "agent-a", Amount: 100},
			},
		},
	})
	assert.Equal(t, []string{"agent-a"}, out)
}
