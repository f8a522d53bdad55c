// Group arithmetic on the secp256k1 curve, backed by the Jacobian point type from the decred
// secp256k1 package. Compressed SEC1 has no encoding for the point at infinity; this package
// reserves the all-zero 33-byte string for it, since commitment vectors legitimately contain the
// identity. Protocol handlers reject the identity where it must not appear.

package math

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/silencelabs/dkls23/internal/codec"
)

const PointSize = 33 // compressed SEC1 encoding

var (
	errInvalidScalarLength = errors.New("invalid scalar encoding length")
	errScalarOutOfRange    = errors.New("scalar encoding out of range")
	errInvalidPoint        = errors.New("invalid point encoding")
)

type Point = *point
type Points []Point

var _ codec.Codec[*point] = &point{}

type point struct {
	value secp256k1.JacobianPoint
}

// NewPoint creates a new point initialized to the point at infinity.
func NewPoint() Point {
	return &point{}
}

// Generator returns a new point initialized to the curve's base point.
func Generator() Point {
	g := &point{}
	one := new(secp256k1.ModNScalar).SetInt(1)
	secp256k1.ScalarBaseMultNonConst(one, &g.value)
	return g
}

func (p *point) IsNil() bool {
	return p == nil
}

// p.Set(q) sets p = q, and returns the point p.
func (p *point) Set(q Point) Point {
	p.value.Set(&q.value)
	return p
}

// p.Add(q) computes p = p + q, and returns p.
func (p *point) Add(q Point) Point {
	secp256k1.AddNonConst(&p.value, &q.value, &p.value)
	return p
}

// p.Subtract(q) computes p = p - q, and returns p.
func (p *point) Subtract(q Point) Point {
	var negQ secp256k1.JacobianPoint
	negQ.Set(&q.value)
	negQ.Y.Negate(1).Normalize()
	secp256k1.AddNonConst(&p.value, &negQ, &p.value)
	return p
}

// p.Negate() computes p = -p, and returns p.
func (p *point) Negate() Point {
	p.value.Y.Negate(1).Normalize()
	return p
}

// p.ScalarBaseMult(k) sets p = k * G, and returns p.
func (p *point) ScalarBaseMult(k Scalar) Point {
	secp256k1.ScalarBaseMultNonConst(&k.value, &p.value)
	return p
}

// p.ScalarMult(k) computes p = k * p, and returns p.
func (p *point) ScalarMult(k Scalar) Point {
	secp256k1.ScalarMultNonConst(&k.value, &p.value, &p.value)
	return p
}

// p.IsIdentity() returns true if p is the point at infinity.
func (p *point) IsIdentity() bool {
	return (p.value.X.IsZero() && p.value.Y.IsZero()) || p.value.Z.IsZero()
}

// p.Equal(q) tests two points for equality.
func (p *point) Equal(q Point) bool {
	if p == q {
		return true
	}
	if p.IsIdentity() || q.IsIdentity() {
		return p.IsIdentity() && q.IsIdentity()
	}
	a := p.affine()
	b := q.affine()
	return a.X.Equals(&b.X) && a.Y.Equals(&b.Y)
}

// Returns an independent copy of the point.
func (p *point) Clone() Point {
	return NewPoint().Set(p)
}

func (p *point) affine() *secp256k1.JacobianPoint {
	var a secp256k1.JacobianPoint
	a.Set(&p.value)
	a.ToAffine()
	return &a
}

// p.XScalar() returns the affine x-coordinate of p reduced modulo the group order. This is the r
// component of an ECDSA signature for the nonce point p. Panics if p is the point at infinity.
func (p *point) XScalar() Scalar {
	if p.IsIdentity() {
		panic("XScalar called on the point at infinity")
	}
	a := p.affine()
	xBytes := a.X.Bytes()
	r := NewScalar()
	r.value.SetBytes(xBytes) // reduction mod order is intended here
	return r
}

// p.Bytes() returns the 33-byte compressed SEC1 encoding of p, with the point at infinity encoded
// as 33 zero bytes.
func (p *point) Bytes() []byte {
	if p.IsIdentity() {
		return make([]byte, PointSize)
	}
	a := p.affine()
	return secp256k1.NewPublicKey(&a.X, &a.Y).SerializeCompressed()
}

// p.SetBytes(b) sets p to the point encoded by the 33-byte slice b, and returns p. The all-zero
// string decodes to the point at infinity; any other off-curve encoding is rejected.
func (p *point) SetBytes(b []byte) (Point, error) {
	if len(b) != PointSize {
		return nil, errInvalidPoint
	}
	if isAllZero(b) {
		p.value = secp256k1.JacobianPoint{}
		return p, nil
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, errInvalidPoint
	}
	pub.AsJacobian(&p.value)
	return p, nil
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// PublicKey returns p as a secp256k1 public key. Panics if p is the point at infinity.
func (p *point) PublicKey() *secp256k1.PublicKey {
	if p.IsIdentity() {
		panic("the point at infinity is not a valid public key")
	}
	a := p.affine()
	return secp256k1.NewPublicKey(&a.X, &a.Y)
}

// MarshalTo writes the compressed encoding of p to the provided codec.Target.
func (p *point) MarshalTo(target codec.Target) {
	target.WriteBytes(p.Bytes())
}

// UnmarshalFrom reads the compressed encoding of a point from the provided codec.Source, sets it
// to p, and returns p. Panics on invalid encodings.
func (p *point) UnmarshalFrom(source codec.Source) Point {
	b := source.ReadBytes(PointSize)
	if _, err := p.SetBytes(b); err != nil {
		panic(err)
	}
	return p
}

// MarshalTo writes the compressed encodings of all points in the slice to the provided
// codec.Target.
func (ps Points) MarshalTo(target codec.Target) {
	for _, p := range ps {
		p.MarshalTo(target)
	}
}

// Sum returns the sum of all points in the slice. If the slice is empty, Sum returns the point at
// infinity.
func (ps Points) Sum() Point {
	result := NewPoint()
	for _, p := range ps {
		result.Add(p)
	}
	return result
}
