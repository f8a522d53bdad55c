// Package zkp implements the non-interactive Schnorr proof of knowledge of a discrete logarithm
// used to attest knowledge of polynomial coefficients and key shares.
package zkp

import (
	"io"

	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/xof"
)

// Proof is a Schnorr proof of knowledge of x with X = x * G. The challenge is derived from a
// caller-provided transcript, which must bind the proof context (session id, prover id and proof
// position) and must be fresh for every Prove and Verify call.
type Proof struct {
	T math.Point
	Z math.Scalar
}

var _ codec.Codec[*Proof] = &Proof{}

// Prove creates a proof of knowledge of x. The statement X = x * G and the nonce commitment are
// folded into the transcript before the challenge is extracted.
func Prove(rand io.Reader, transcript xof.XOF, x math.Scalar) (*Proof, error) {
	k, err := math.NewScalar().SetRandom(rand)
	if err != nil {
		return nil, err
	}
	defer k.Zeroize()

	X := math.NewPoint().ScalarBaseMult(x)
	T := math.NewPoint().ScalarBaseMult(k)

	c := challenge(transcript, X, T)
	z := c.Multiply(x).Add(k)
	return &Proof{T, z}, nil
}

// Verify checks the proof against the statement X = x * G. The transcript must be constructed
// exactly as for the corresponding Prove call.
func (p *Proof) Verify(transcript xof.XOF, X math.Point) bool {
	if p == nil || p.T == nil || p.Z == nil || p.T.IsIdentity() {
		return false
	}
	c := challenge(transcript, X, p.T)
	lhs := math.NewPoint().ScalarBaseMult(p.Z)
	rhs := X.Clone().ScalarMult(c).Add(p.T)
	return lhs.Equal(rhs)
}

func challenge(transcript xof.XOF, X, T math.Point) math.Scalar {
	transcript.WriteBytes(X.Bytes())
	transcript.WriteBytes(T.Bytes())
	return math.HashToScalar(transcript)
}

func (p *Proof) IsNil() bool {
	return p == nil
}

func (p *Proof) MarshalTo(target codec.Target) {
	p.T.MarshalTo(target)
	p.Z.MarshalTo(target)
}

func (p *Proof) UnmarshalFrom(source codec.Source) *Proof {
	return &Proof{
		T: math.NewPoint().UnmarshalFrom(source),
		Z: math.NewScalar().UnmarshalFrom(source),
	}
}
