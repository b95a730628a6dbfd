package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), p)

	p, err = Load(filepath.Join(t.TempDir(), "nope.cue"))
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestLoadOverridesSubset(t *testing.T) {
	path := writePolicy(t, `
fee_bps: 25
min_fee: 5
`)
	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(25), p.FeeBps)
	assert.Equal(t, int64(5), p.MinFee)

	// Everything else keeps its default.
	assert.Equal(t, Default().RotationIntervalSecs, p.RotationIntervalSecs)
	assert.Equal(t, Default().AccrualDayCount, p.AccrualDayCount)
	assert.Equal(t, Default().IdempotencyTTLSecs, p.IdempotencyTTLSecs)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	path := writePolicy(t, `fee_bps: 20000`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "validate")
}

func TestLoadRejectsWrongType(t *testing.T) {
	path := writePolicy(t, `fee_bps: "ten"`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedCUE(t *testing.T) {
	path := writePolicy(t, `fee_bps: {`)
	_, err := Load(path)
	assert.Error(t, err)
}
