// Scalar arithmetic modulo the secp256k1 group order, backed by the
// constant-time ModNScalar type from the decred secp256k1 package.

package math

import (
	"io"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/silencelabs/dkls23/internal/codec"
)

const ScalarSize = 32

type Scalar = *scalar
type Scalars []Scalar

var _ codec.Codec[*scalar] = &scalar{}

type scalar struct {
	value secp256k1.ModNScalar
}

// NewScalar creates a new scalar initialized to zero.
func NewScalar() Scalar {
	return &scalar{}
}

// NewScalarFromUint creates a new scalar initialized to the given value.
func NewScalarFromUint(value uint32) Scalar {
	s := &scalar{}
	s.value.SetInt(value)
	return s
}

// Non-constant time function, to be used for testing purposes and initialization only.
// Panics on invalid inputs; value must represent a natural number smaller than the group order.
func NewScalarFromString(value string) Scalar {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid scalar value: " + value)
	}
	b := n.FillBytes(make([]byte, ScalarSize))
	s := &scalar{}
	if overflow := s.value.SetByteSlice(b); overflow {
		panic("invalid scalar value: " + value)
	}
	return s
}

func (x *scalar) IsNil() bool {
	return x == nil
}

// x.Set(y) sets x = y, and returns the scalar x.
// This creates a copy of the value of y, so that x and y can be modified independently.
func (x *scalar) Set(y Scalar) Scalar {
	x.value.Set(&y.value)
	return x
}

// x.SetUint(y) sets x = y, and returns the scalar x.
func (x *scalar) SetUint(y uint32) Scalar {
	x.value.SetInt(y)
	return x
}

// x.SetBytes(y) sets x to the scalar represented by the 32-byte big-endian slice y, and returns x.
// If y is not of the expected length, or not smaller than the group order, SetBytes returns an
// error and the receiver's value is undefined.
func (x *scalar) SetBytes(y []byte) (Scalar, error) {
	if len(y) != ScalarSize {
		return nil, errInvalidScalarLength
	}
	var b [ScalarSize]byte
	copy(b[:], y)
	if overflow := x.value.SetBytes(&b); overflow != 0 {
		return nil, errScalarOutOfRange
	}
	return x, nil
}

// x.SetRandom(rand) sets x to a scalar sampled uniformly from {0, 1, ..., order - 1} and returns
// x. Candidates are read from the provided io.Reader and rejected until one below the group order
// is found, so the scalar is deterministically derived from the reader's stream.
func (x *scalar) SetRandom(rand io.Reader) (Scalar, error) {
	var b [ScalarSize]byte
	for {
		if _, err := io.ReadFull(rand, b[:]); err != nil {
			return nil, err
		}
		if overflow := x.value.SetBytes(&b); overflow == 0 {
			zeroBytes(b[:])
			return x, nil
		}
	}
}

// x.Add(y) computes x = x + y (mod order), and returns x.
func (x *scalar) Add(y Scalar) Scalar {
	x.value.Add(&y.value)
	return x
}

// x.Subtract(y) computes x = x - y (mod order), and returns x.
func (x *scalar) Subtract(y Scalar) Scalar {
	var t secp256k1.ModNScalar
	t.NegateVal(&y.value)
	x.value.Add(&t)
	return x
}

// x.Multiply(y) computes x = x * y (mod order), and returns x.
func (x *scalar) Multiply(y Scalar) Scalar {
	x.value.Mul(&y.value)
	return x
}

// x.Negate() computes x = -x (mod order), and returns x.
func (x *scalar) Negate() Scalar {
	x.value.Negate()
	return x
}

// x.InverseVarTime() computes the modular inverse x = x^-1 and returns (x, true) if the inverse
// exists, or (nil, false) if x is zero. Not constant time; must only be used on public values.
func (x *scalar) InverseVarTime() (Scalar, bool) {
	if x.value.IsZero() {
		return nil, false
	}
	x.value.InverseNonConst()
	return x, true
}

// x.IsZero() returns true if x is zero, and false otherwise.
func (x *scalar) IsZero() bool {
	return x.value.IsZero()
}

// x.IsOverHalfOrder() returns true if x exceeds the half group order. Used for low-S signature
// normalization.
func (x *scalar) IsOverHalfOrder() bool {
	return x.value.IsOverHalfOrder()
}

// Returns an independent copy of the scalar.
func (x *scalar) Clone() Scalar {
	return NewScalar().Set(x)
}

// x.Bytes() returns the canonical 32-byte big-endian encoding of x.
func (x *scalar) Bytes() []byte {
	b := x.value.Bytes()
	return b[:]
}

// x.Bytes32() returns the canonical encoding of x as a fixed-size array.
func (x *scalar) Bytes32() [32]byte {
	return x.value.Bytes()
}

// x.Zeroize() overwrites the scalar's value with zero.
func (x *scalar) Zeroize() {
	x.value.Zero()
}

// MarshalTo writes the canonical encoding of x to the provided codec.Target.
func (x *scalar) MarshalTo(target codec.Target) {
	b := x.value.Bytes()
	target.WriteBytes(b[:])
}

// UnmarshalFrom reads the canonical encoding of a scalar from the provided codec.Source, sets it
// to x, and returns x. Panics on out-of-range values.
func (x *scalar) UnmarshalFrom(source codec.Source) Scalar {
	var b [ScalarSize]byte
	source.ReadBytesInto(b[:])
	if overflow := x.value.SetBytes(&b); overflow != 0 {
		panic("scalar encoding out of range")
	}
	return x
}

// x.Equal(y) tests two scalars for equality in constant time.
func (x *scalar) Equal(y Scalar) bool {
	return x == y || x.value.Equals(&y.value)
}

// x.String() returns a human readable representation of the scalar's value. Non-constant time, to
// be used for testing purposes.
func (x *scalar) String() string {
	b := x.value.Bytes()
	return new(big.Int).SetBytes(b[:]).String()
}

// Inner returns the wrapped ModNScalar. Must not be modified by the caller.
func (x *scalar) Inner() *secp256k1.ModNScalar {
	return &x.value
}

// MarshalTo writes the canonical encoding of all scalars in the slice to the provided
// codec.Target.
func (s Scalars) MarshalTo(target codec.Target) {
	for _, sᵢ := range s {
		sᵢ.MarshalTo(target)
	}
}

// Sum returns the sum of all scalars in the slice. If the slice is empty, Sum returns a zero
// scalar.
func (s Scalars) Sum() Scalar {
	result := NewScalar()
	for _, sᵢ := range s {
		result.Add(sᵢ)
	}
	return result
}

// Zeroize overwrites all scalars in the slice with zero.
func (s Scalars) Zeroize() {
	for _, sᵢ := range s {
		sᵢ.Zeroize()
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
