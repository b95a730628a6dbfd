package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)

	h1 := Sum(DomainReceipt, data)
	h2 := Sum(DomainNetting, data)

	assert.NotEqual(t, h1, h2, "same bytes under different domains must hash differently")
	assert.Len(t, h1, 64, "hex-encoded 256-bit hash")
}

func TestSumBoundaryAmbiguity(t *testing.T) {
	// The 0x00 separator must keep domain/data splits distinct.
	h1 := Sum("keel/a", []byte("b/data"))
	h2 := Sum("keel/a/b", []byte("data"))
	assert.NotEqual(t, h1, h2)
}

func TestHashValueStable(t *testing.T) {
	obj := Object{"payer": String("a"), "payee": String("b"), "units": Int(7)}

	h1, err := HashValue(DomainReceipt, obj)
	require.NoError(t, err)
	h2, err := HashValue(DomainReceipt, obj)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashValueRejectsUnsupported(t *testing.T) {
	_, err := HashValue(DomainReceipt, nil)
	require.Error(t, err)
}

func TestDecodeHash(t *testing.T) {
	h := Sum(DomainReceipt, []byte("x"))

	raw, err := DecodeHash(h)
	require.NoError(t, err)
	assert.Len(t, raw, HashSize)

	_, err = DecodeHash("zz")
	assert.Error(t, err)

	_, err = DecodeHash("abcd")
	assert.Error(t, err, "short hash must be rejected")

	assert.True(t, IsHash(h))
	assert.False(t, IsHash("not-a-hash"))
}

func TestSumBytesMatchesSum(t *testing.T) {
	data := []byte("payload")
	hexed := Sum(DomainWindow, data)
	raw := SumBytes(DomainWindow, data)

	decoded, err := DecodeHash(hexed)
	require.NoError(t, err)
	assert.Equal(t, decoded, raw[:])
}
