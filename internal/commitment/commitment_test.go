package commitment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelclear/keel/internal/sig"
)

func testInput() Input {
	return Input{
		Issuer:         "agent-a",
		Counterparty:   "agent-b",
		ResourceType:   "compute",
		Units:          500,
		UnitType:       "gpu-hours",
		DeliveryWindow: Window{Start: 1700000000, End: 1700086400},
		Penalty:        Penalty{Amount: 1000, RuleHash: "rule-1"},
	}
}

func TestMakeAndVerify(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	c, err := Make(testInput(), kp.Private)
	require.NoError(t, err)
	assert.NotEmpty(t, c.CommitmentHash)
	assert.NotEmpty(t, c.Signature)

	hash, err := Verify(c, kp.PublicHex)
	require.NoError(t, err)
	assert.Equal(t, c.CommitmentHash, hash)
}

func TestMakeWithCollateral(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	in := testInput()
	in.Collateral = &Collateral{AssetRef: "vault-7", AssetType: "stable", Amount: 2500}

	c, err := Make(in, kp.Private)
	require.NoError(t, err)

	_, err = Verify(c, kp.PublicHex)
	require.NoError(t, err)

	// Collateral participates in the hash.
	bare, err := Make(testInput(), kp.Private)
	require.NoError(t, err)
	assert.NotEqual(t, bare.CommitmentHash, c.CommitmentHash)
}

func TestValidationErrors(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Input)
		wantErr string
	}{
		{"self commitment", func(in *Input) { in.Counterparty = in.Issuer }, "must differ"},
		{"zero units", func(in *Input) { in.Units = 0 }, "units"},
		{"inverted window", func(in *Input) { in.DeliveryWindow = Window{Start: 5, End: 5} }, "delivery_window"},
		{"zero penalty", func(in *Input) { in.Penalty.Amount = 0 }, "penalty"},
		{"bad collateral", func(in *Input) { in.Collateral = &Collateral{Amount: 0} }, "collateral"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			tt.mutate(&in)
			_, err := Make(in, kp.Private)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	c, err := Make(testInput(), kp.Private)
	require.NoError(t, err)

	c.Units = 9999
	_, err = Verify(c, kp.PublicHex)
	assert.ErrorContains(t, err, "hash mismatch")
}
