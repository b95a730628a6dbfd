package solvency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelclear/keel/internal/sig"
)

func TestComputeRatio(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	s, err := Compute(Input{
		AgentID:     "agent-a",
		Assets:      []Item{{Kind: "cash", Value: 1500, Liquid: true}},
		Liabilities: []Item{{Kind: "loan", Value: 1000}},
		BurnRate:    100,
		Timestamp:   1700000000,
	}, kp.Private)
	require.NoError(t, err)

	assert.Equal(t, int64(15000), s.SolvencyRatio, "floor(1500*10000/1000)")
	assert.Equal(t, int64(15), s.RunwayDays)
	assert.Equal(t, int64(1500), s.TotalAssets)
	assert.Equal(t, int64(1000), s.TotalLiabilities)
}

func TestComputeFloorRounding(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	s, err := Compute(Input{
		AgentID:     "agent-a",
		Assets:      []Item{{Kind: "cash", Value: 1000}},
		Liabilities: []Item{{Kind: "loan", Value: 3000}},
		Timestamp:   1700000000,
	}, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, int64(3333), s.SolvencyRatio, "floor(1000*10000/3000)")
}

func TestComputeSentinels(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	s, err := Compute(Input{
		AgentID:   "agent-a",
		Assets:    []Item{{Kind: "cash", Value: 500}},
		Timestamp: 1700000000,
	}, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, SolvencyRatioMax, s.SolvencyRatio, "zero liabilities")
	assert.Equal(t, RunwayUnbounded, s.RunwayDays, "zero burn")
}

func TestComputeAndVerify(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	s, err := Compute(Input{
		AgentID:     "agent-a",
		Assets:      []Item{{Kind: "cash", Value: 900, Liquid: true}},
		Liabilities: []Item{{Kind: "loan", Value: 450}},
		BurnRate:    30,
		Timestamp:   1700000000,
	}, kp.Private)
	require.NoError(t, err)

	hash, err := Verify(s, kp.PublicHex)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestVerifyRejectsTamperedTotals(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	s, err := Compute(Input{
		AgentID:     "agent-a",
		Assets:      []Item{{Kind: "cash", Value: 900}},
		Liabilities: []Item{{Kind: "loan", Value: 450}},
		Timestamp:   1700000000,
	}, kp.Private)
	require.NoError(t, err)

	s.TotalAssets = 9000
	_, err = Verify(s, kp.PublicHex)
	assert.ErrorContains(t, err, "totals")
}

func TestComputeValidation(t *testing.T) {
	kp, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	_, err = Compute(Input{}, kp.Private)
	assert.ErrorContains(t, err, "agent_id")

	_, err = Compute(Input{AgentID: "a", BurnRate: -1}, kp.Private)
	assert.ErrorContains(t, err, "burn_rate")

	_, err = Compute(Input{AgentID: "a", Assets: []Item{{Value: -5}}}, kp.Private)
	assert.ErrorContains(t, err, "assets[0]")
}
