package math

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silencelabs/dkls23/internal/testutil"
)

func TestScalarArithmetic(t *testing.T) {
	a := NewScalarFromUint(17)
	b := NewScalarFromUint(5)

	sum := a.Clone().Add(b)
	require.True(t, sum.Equal(NewScalarFromUint(22)))

	diff := a.Clone().Subtract(b)
	require.True(t, diff.Equal(NewScalarFromUint(12)))

	prod := a.Clone().Multiply(b)
	require.True(t, prod.Equal(NewScalarFromUint(85)))

	neg := a.Clone().Negate().Add(a)
	require.True(t, neg.IsZero())
}

func TestScalarInverse(t *testing.T) {
	x, err := NewScalar().SetRandom(testutil.Rand("scalar-inverse"))
	require.NoError(t, err)

	inv, ok := x.Clone().InverseVarTime()
	require.True(t, ok)
	require.True(t, x.Clone().Multiply(inv).Equal(NewScalarFromUint(1)))

	_, ok = NewScalar().InverseVarTime()
	require.False(t, ok)
}

func TestScalarSetBytes(t *testing.T) {
	x, err := NewScalar().SetRandom(testutil.Rand("scalar-bytes"))
	require.NoError(t, err)

	y, err := NewScalar().SetBytes(x.Bytes())
	require.NoError(t, err)
	require.True(t, x.Equal(y))

	_, err = NewScalar().SetBytes(make([]byte, 16))
	require.Error(t, err)

	overflow := make([]byte, ScalarSize)
	for i := range overflow {
		overflow[i] = 0xFF
	}
	_, err = NewScalar().SetBytes(overflow)
	require.Error(t, err)
}

func TestScalarSetRandomDeterministic(t *testing.T) {
	a, err := NewScalar().SetRandom(testutil.Rand("same-seed"))
	require.NoError(t, err)
	b, err := NewScalar().SetRandom(testutil.Rand("same-seed"))
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	c, err := NewScalar().SetRandom(testutil.Rand("other-seed"))
	require.NoError(t, err)
	require.False(t, a.Equal(c))
}

func TestScalarZeroize(t *testing.T) {
	x, err := NewScalar().SetRandom(testutil.Rand("scalar-zeroize"))
	require.NoError(t, err)
	require.False(t, x.IsZero())
	x.Zeroize()
	require.True(t, x.IsZero())
}

func TestScalarsSum(t *testing.T) {
	s := Scalars{NewScalarFromUint(1), NewScalarFromUint(2), NewScalarFromUint(3)}
	require.True(t, s.Sum().Equal(NewScalarFromUint(6)))
	require.True(t, Scalars{}.Sum().IsZero())
}

func TestHalfOrderNormalization(t *testing.T) {
	x := NewScalarFromUint(12345)
	require.False(t, x.IsOverHalfOrder())
	require.True(t, x.Clone().Negate().IsOverHalfOrder())
}
