package bip32

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/testutil"
	"github.com/silencelabs/dkls23/internal/xof"
)

func parentKey(t *testing.T) (math.Scalar, math.Point, [32]byte) {
	t.Helper()
	sk, err := math.NewScalar().SetRandom(testutil.Rand("bip32-parent"))
	require.NoError(t, err)
	return sk, math.NewPoint().ScalarBaseMult(sk), xof.New("test/bip32-chaincode").Digest32()
}

func TestParsePath(t *testing.T) {
	indices, err := ParsePath("m")
	require.NoError(t, err)
	require.Empty(t, indices)

	indices, err = ParsePath("m/0/1/44")
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 44}, indices)

	for _, path := range []string{"", "0/1", "x/0", "m/0'", "m/0h", "m/0H", "m/abc", "m/", "m/2147483648"} {
		_, err := ParsePath(path)
		require.Error(t, err, "path %q", path)
	}
}

func TestDeriveChildMatchesScalarDerivation(t *testing.T) {
	sk, pk, cc := parentKey(t)

	tweak, childCC, err := DeriveChild(pk, cc, 7)
	require.NoError(t, err)
	require.NotEqual(t, cc, childCC)

	// the child public key is the parent key shifted by the tweak
	childSK := sk.Clone().Add(tweak)
	childPK := pk.Clone().Add(math.NewPoint().ScalarBaseMult(tweak))
	require.True(t, childPK.Equal(math.NewPoint().ScalarBaseMult(childSK)))

	_, _, err = DeriveChild(pk, cc, hardenedBit)
	require.Error(t, err)
}

func TestDerivePath(t *testing.T) {
	_, pk, cc := parentKey(t)

	offset, child, err := DerivePath(pk, cc, "m")
	require.NoError(t, err)
	require.True(t, offset.IsZero())
	require.True(t, child.Equal(pk))

	offset, child, err = DerivePath(pk, cc, "m/0/1")
	require.NoError(t, err)
	require.False(t, offset.IsZero())
	require.True(t, child.Equal(pk.Clone().Add(math.NewPoint().ScalarBaseMult(offset))))

	// stepwise derivation agrees with the combined walk
	tweak0, cc0, err := DeriveChild(pk, cc, 0)
	require.NoError(t, err)
	step := pk.Clone().Add(math.NewPoint().ScalarBaseMult(tweak0))
	tweak1, _, err := DeriveChild(step, cc0, 1)
	require.NoError(t, err)
	require.True(t, offset.Equal(tweak0.Clone().Add(tweak1)))

	_, _, err = DerivePath(pk, cc, "m/0'")
	require.Error(t, err)
}

func TestDerivePathDomainSeparation(t *testing.T) {
	_, pk, cc := parentKey(t)

	a, _, err := DerivePath(pk, cc, "m/0/1")
	require.NoError(t, err)
	b, _, err := DerivePath(pk, cc, "m/1/0")
	require.NoError(t, err)
	require.False(t, a.Equal(b))
}
