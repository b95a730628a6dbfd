package netting

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelclear/keel/internal/receipt"
	"github.com/keelclear/keel/internal/sig"
)

func makeReceipt(t *testing.T, kp *sig.KeyPair, payer, payee string, amount int64, nonce string) *receipt.Receipt {
	t.Helper()
	r, err := receipt.Make(receipt.Input{
		Payer:        payer,
		Payee:        payee,
		ResourceType: "inference",
		Units:        1,
		UnitType:     "calls",
		Price:        amount,
		Timestamp:    1700000000,
		Nonce:        nonce,
	}, kp.Private)
	require.NoError(t, err)
	return r
}

func TestNetBilateralOffset(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	receipts := []*receipt.Receipt{
		makeReceipt(t, kp, "A", "B", 100, "n1"),
		makeReceipt(t, kp, "B", "A", 30, "n2"),
	}

	result, err := Net("epoch-1", receipts, authority.Private)
	require.NoError(t, err)

	require.Len(t, result.NetObligations, 1)
	assert.Equal(t, Obligation{From: "A", To: "B", Amount: 70}, result.NetObligations[0])
	assert.Equal(t, []string{"A", "B"}, result.Participants)
	assert.Len(t, result.IncludedReceiptHashes, 2)
}

func TestNetEqualFlowsCancel(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	receipts := []*receipt.Receipt{
		makeReceipt(t, kp, "A", "B", 100, "n1"),
		makeReceipt(t, kp, "B", "A", 100, "n2"),
	}

	result, err := Net("epoch-1", receipts, authority.Private)
	require.NoError(t, err)
	assert.Empty(t, result.NetObligations, "equal bidirectional flows cancel entirely")
	assert.Equal(t, int64(0), NetVolume(result))
}

func TestNetThreePartyCycleNoOffset(t *testing.T) {
	// A→B:50, B→C:80, C→A:30 - no bidirectional pairs, so netting
	// passes all three flows through and net volume equals gross.
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	receipts := []*receipt.Receipt{
		makeReceipt(t, kp, "A", "B", 50, "n1"),
		makeReceipt(t, kp, "B", "C", 80, "n2"),
		makeReceipt(t, kp, "C", "A", 30, "n3"),
	}

	result, err := Net("epoch-1", receipts, authority.Private)
	require.NoError(t, err)

	assert.Equal(t, []Obligation{
		{From: "A", To: "B", Amount: 50},
		{From: "B", To: "C", Amount: 80},
		{From: "C", To: "A", Amount: 30},
	}, result.NetObligations)
	assert.Equal(t, int64(160), NetVolume(result))
	assert.Equal(t, []string{"A", "B", "C"}, result.Participants)
}

func TestNetPermutationDeterminism(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	receipts := []*receipt.Receipt{
		makeReceipt(t, kp, "A", "B", 100, "n1"),
		makeReceipt(t, kp, "B", "A", 30, "n2"),
		makeReceipt(t, kp, "B", "C", 80, "n3"),
		makeReceipt(t, kp, "C", "B", 90, "n4"),
		makeReceipt(t, kp, "C", "A", 25, "n5"),
		makeReceipt(t, kp, "A", "C", 25, "n6"),
	}

	baseline, err := Net("epoch-1", receipts, authority.Private)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		shuffled := make([]*receipt.Receipt, len(receipts))
		copy(shuffled, receipts)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		result, err := Net("epoch-1", shuffled, authority.Private)
		require.NoError(t, err)
		require.Equal(t, baseline.NetObligations, result.NetObligations, "shuffle %d", i)
		require.Equal(t, baseline.IncludedReceiptHashes, result.IncludedReceiptHashes, "shuffle %d", i)
		require.Equal(t, baseline.NettingHash, result.NettingHash, "shuffle %d", i)
	}
}

func TestNetConservation(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	receipts := []*receipt.Receipt{
		makeReceipt(t, kp, "A", "B", 100, "n1"),
		makeReceipt(t, kp, "B", "A", 60, "n2"),
		makeReceipt(t, kp, "A", "C", 40, "n3"),
	}

	result, err := Net("epoch-1", receipts, authority.Private)
	require.NoError(t, err)

	var gross int64 = 200
	assert.LessOrEqual(t, NetVolume(result), gross)
	// A→B nets to 40, A→C stays 40.
	assert.Equal(t, int64(80), NetVolume(result))
}

func TestVerifyResult(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	receipts := []*receipt.Receipt{
		makeReceipt(t, kp, "A", "B", 100, "n1"),
		makeReceipt(t, kp, "B", "A", 30, "n2"),
	}
	result, err := Net("epoch-1", receipts, authority.Private)
	require.NoError(t, err)

	require.NoError(t, Verify(result, authority.PublicHex))

	other, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	assert.ErrorContains(t, Verify(result, other.PublicHex), "signature mismatch")
}

func TestVerifyRejectsTamperedObligations(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	receipts := []*receipt.Receipt{
		makeReceipt(t, kp, "A", "B", 100, "n1"),
		makeReceipt(t, kp, "B", "A", 30, "n2"),
	}
	result, err := Net("epoch-1", receipts, authority.Private)
	require.NoError(t, err)

	result.NetObligations[0].Amount = 999
	assert.ErrorContains(t, Verify(result, authority.PublicHex), "netting hash mismatch")
}

func TestVerifyRejectsBadObligations(t *testing.T) {
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	base := &Result{
		Version:      Version,
		EpochID:      "epoch-1",
		Participants: []string{"A", "B"},
	}

	tests := []struct {
		name    string
		ob      Obligation
		wantErr string
	}{
		{"self obligation", Obligation{From: "A", To: "A", Amount: 10}, "self-obligation"},
		{"zero amount", Obligation{From: "A", To: "B", Amount: 0}, "amount"},
		{"negative amount", Obligation{From: "A", To: "B", Amount: -5}, "amount"},
		{"unknown from", Obligation{From: "X", To: "B", Amount: 10}, "unknown participant"},
		{"unknown to", Obligation{From: "A", To: "Y", Amount: 10}, "unknown participant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *base
			r.NetObligations = []Obligation{tt.ob}
			err := Verify(&r, authority.PublicHex)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNetRejectsInvalidInput(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	_, err = Net("", []*receipt.Receipt{makeReceipt(t, kp, "A", "B", 10, "n1")}, authority.Private)
	assert.ErrorContains(t, err, "epoch_id")

	_, err = Net("epoch-1", nil, authority.Private)
	assert.ErrorContains(t, err, "empty")

	r := makeReceipt(t, kp, "A", "B", 10, "n1")
	_, err = Net("epoch-1", []*receipt.Receipt{r, r}, authority.Private)
	assert.ErrorContains(t, err, "duplicate")
}
