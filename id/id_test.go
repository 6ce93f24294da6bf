package id

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHexExactRoundTrip(t *testing.T) {
	n := HashOfString("seed-peer")
	back, err := FromHexExact(n.Hex())
	require.NoError(t, err)
	assert.Equal(t, n, back)
}

func TestFromHexExactRejectsMalformed(t *testing.T) {
	_, err := FromHexExact("not-hex")
	require.Error(t, err)

	_, err = FromHexExact("aaaa")
	require.Error(t, err)
}

func TestIsValidWireFormatRejectsBootstrapPrefix(t *testing.T) {
	assert.False(t, IsValidWireFormat("bootstrap_0000000000000000000000000000"))
	assert.True(t, IsValidWireFormat(HashOfString("server-1").Hex()))
}

func TestFromBytesRoundTrip(t *testing.T) {
	n := HashOfString("another-peer")
	back, err := FromBytes(n.Bytes())
	require.NoError(t, err)
	assert.Equal(t, n, back)
}

func TestXORSelfIsZero(t *testing.T) {
	n := HashOfString("x")
	assert.True(t, XOR(n, n).IsZero())
}

func toInt(d Distance) *big.Int {
	return new(big.Int).SetBytes(d[:])
}

func TestXORTriangleInequality(t *testing.T) {
	a := HashOfString("a")
	b := HashOfString("b")
	c := HashOfString("c")

	ab := toInt(XOR(a, b))
	ac := toInt(XOR(a, c))
	bc := toInt(XOR(b, c))

	sum := new(big.Int).Add(ac, bc)
	assert.True(t, ab.Cmp(sum) <= 0, "xor(a,b) must be <= xor(a,c)+xor(b,c)")
}

func TestBucketIndexRange(t *testing.T) {
	local := HashOfString("local")
	for i := 0; i < 50; i++ {
		peer := HashOfString(big.NewInt(int64(i)).String())
		d := XOR(local, peer)
		if d.IsZero() {
			continue
		}
		idx := BucketIndex(d)
		assert.GreaterOrEqual(t, idx, 0)
		assert.LessOrEqual(t, idx, 159)
	}
}
