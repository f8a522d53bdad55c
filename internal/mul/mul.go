// Package mul implements the pairwise two-party multiplication protocol executed during signing.
// A SoftSpoken-style extension stretches the stored all-but-one tree seeds into one random OT per
// correlation row, with the receiver's choice bits taken from the bits of its multiplier. A
// Gilboa combination over the rows then turns the row pads into additive shares of the products,
// two independent multiplier/multiplicand pairs per invocation.
//
// Terminology follows the stored seed material: the Receiver holds the full trees (it acted as
// base OT sender during key generation) and contributes the multiplier; the Sender holds the
// punctured trees and contributes the two multiplicands.
package mul

import (
	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/ot"
	"github.com/silencelabs/dkls23/internal/xof"
)

const (
	// NumInputs is the number of multiplicands processed per invocation.
	NumInputs = 2

	rows = ot.Kappa

	dstMulPRG = "dkls23/mul/prg"
	dstMulPad = "dkls23/mul/pad"
)

// Round1 is the receiver's opening message, carrying the correction vector of every tree.
type Round1 struct {
	U [ot.NumInstances][32]byte
}

// Round2 is the sender's reply, carrying one masked multiplicand pair per correlation row.
type Round2 struct {
	Z [NumInputs][rows]math.Scalar
}

var _ codec.Codec[*Round1] = &Round1{}
var _ codec.Codec[*Round2] = &Round2{}

// Receiver is the multiplier-contributing side of one multiplication instance.
type Receiver struct {
	sessionID [32]byte
	chi       math.Scalar
	w         [rows][32]byte // column vectors, indexed by 2*instance + selection bit
}

// NewReceiver expands the stored trees for this session and produces the opening message. The
// multiplier chi must be freshly sampled for every session.
func NewReceiver(sessionID [32]byte, seeds *ot.SenderSeeds, chi math.Scalar) (*Receiver, *Round1) {
	r := &Receiver{sessionID: sessionID, chi: chi.Clone()}
	round1 := &Round1{}
	chiBytes := chi.Bytes32()

	for j := 0; j < ot.NumInstances; j++ {
		leaves := ot.ExpandLeaves(&seeds.Roots[j])
		var ρ [ot.NumLeaves][32]byte
		for x := 0; x < ot.NumLeaves; x++ {
			ρ[x] = expandRow(sessionID, j, x, &leaves[x])
		}

		for t := 0; t < 32; t++ {
			round1.U[j][t] = ρ[0][t] ^ ρ[1][t] ^ ρ[2][t] ^ ρ[3][t] ^ chiBytes[t]
			r.w[2*j][t] = ρ[1][t] ^ ρ[3][t]   // leaves with the low index bit set
			r.w[2*j+1][t] = ρ[2][t] ^ ρ[3][t] // leaves with the high index bit set
		}
	}
	return r, round1
}

// SenderProcess runs the sender's single step: it derives its side of the row correlation from
// the punctured trees and the opening message, and masks the two multiplicands row by row. It
// returns the reply message and the sender's additive shares, satisfying
// alpha[l] + beta[l] = inputs[l] * chi.
func SenderProcess(sessionID [32]byte, seeds *ot.ReceiverSeeds, round1 *Round1, inputs *[NumInputs]math.Scalar) (*Round2, *[NumInputs]math.Scalar, error) {
	var q [rows][32]byte
	var nabla [32]byte

	for j := 0; j < ot.NumInstances; j++ {
		punctured := int(seeds.Delta[j])
		var ρ [ot.NumLeaves][32]byte
		for x := 0; x < ot.NumLeaves; x++ {
			if x == punctured {
				continue
			}
			ρ[x] = expandRow(sessionID, j, x, &seeds.Leaves[j][x])
		}

		for β := 0; β < 2; β++ {
			if punctured&(1<<β) != 0 {
				setColumnBit(&nabla, 2*j+β)
			}
		}

		for t := 0; t < 32; t++ {
			// The correction term reduces to the punctured row XOR the receiver's
			// multiplier bits.
			σ := ρ[0][t] ^ ρ[1][t] ^ ρ[2][t] ^ ρ[3][t]
			corr := round1.U[j][t] ^ σ

			p0 := ρ[1][t] ^ ρ[3][t]
			p1 := ρ[2][t] ^ ρ[3][t]
			if punctured&1 != 0 {
				p0 ^= corr
			}
			if punctured&2 != 0 {
				p1 ^= corr
			}
			q[2*j][t] = p0
			q[2*j+1][t] = p1
		}
	}

	qRows := transpose(&q)

	round2 := &Round2{}
	two := math.NewScalarFromUint(2)
	var alpha [NumInputs]math.Scalar
	for l := 0; l < NumInputs; l++ {
		alpha[l] = math.NewScalar()
	}

	for t := rows - 1; t >= 0; t-- {
		var qAlt [32]byte
		xorBytes(&qAlt, &qRows[t], &nabla)

		pad0 := padScalars(sessionID, t, &qRows[t])
		pad1 := padScalars(sessionID, t, &qAlt)

		for l := 0; l < NumInputs; l++ {
			alpha[l].Multiply(two).Add(pad0[l])
			round2.Z[l][t] = inputs[l].Clone().Add(pad0[l]).Subtract(pad1[l])
		}
	}
	for l := 0; l < NumInputs; l++ {
		alpha[l].Negate()
	}
	return round2, &alpha, nil
}

// Process runs the receiver's final step, deriving its additive shares from the reply message.
func (r *Receiver) Process(round2 *Round2) *[NumInputs]math.Scalar {
	wRows := transpose(&r.w)
	chiBytes := r.chi.Bytes32()

	two := math.NewScalarFromUint(2)
	var beta [NumInputs]math.Scalar
	for l := 0; l < NumInputs; l++ {
		beta[l] = math.NewScalar()
	}

	for t := rows - 1; t >= 0; t-- {
		pads := padScalars(r.sessionID, t, &wRows[t])
		xt := scalarBit(&chiBytes, t)

		for l := 0; l < NumInputs; l++ {
			beta[l].Multiply(two).Add(pads[l])
			if xt == 1 {
				beta[l].Add(round2.Z[l][t])
			}
		}
	}
	r.chi.Zeroize()
	return &beta
}

// expandRow stretches one leaf seed into its 256 correlation row bits for this session.
func expandRow(sessionID [32]byte, instance, leaf int, seed *[ot.SeedSize]byte) [32]byte {
	h := xof.New(dstMulPRG)
	h.WriteBytes(sessionID[:])
	h.WriteInt(instance)
	h.WriteInt(leaf)
	h.WriteBytes(seed[:])
	return h.Digest32()
}

// padScalars derives the two row pad scalars bound to the given row vector.
func padScalars(sessionID [32]byte, row int, vector *[32]byte) [NumInputs]math.Scalar {
	h := xof.New(dstMulPad)
	h.WriteBytes(sessionID[:])
	h.WriteInt(row)
	h.WriteBytes(vector[:])
	var pads [NumInputs]math.Scalar
	for l := 0; l < NumInputs; l++ {
		pads[l] = math.HashToScalar(h)
	}
	return pads
}

// scalarBit returns bit t of the big-endian scalar encoding, so that Σ 2ᵗ * bit(t) recovers the
// scalar value.
func scalarBit(enc *[32]byte, t int) byte {
	return (enc[31-t/8] >> (t % 8)) & 1
}

func setColumnBit(v *[32]byte, column int) {
	v[31-column/8] |= 1 << (column % 8)
}

// transpose flips a 256 x 256 bit matrix between column-major and row-major layout.
func transpose(in *[rows][32]byte) [rows][32]byte {
	var out [rows][32]byte
	for column := 0; column < rows; column++ {
		for t := 0; t < rows; t++ {
			if scalarBit(&in[column], t) == 1 {
				setColumnBit(&out[t], column)
			}
		}
	}
	return out
}

func xorBytes(dst, a, b *[32]byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func (m *Round1) IsNil() bool { return m == nil }

func (m *Round1) MarshalTo(target codec.Target) {
	for j := range m.U {
		target.WriteBytes(m.U[j][:])
	}
}

func (m *Round1) UnmarshalFrom(source codec.Source) *Round1 {
	result := &Round1{}
	for j := range result.U {
		source.ReadBytesInto(result.U[j][:])
	}
	return result
}

func (m *Round2) IsNil() bool { return m == nil }

func (m *Round2) MarshalTo(target codec.Target) {
	for l := range m.Z {
		for t := range m.Z[l] {
			m.Z[l][t].MarshalTo(target)
		}
	}
}

func (m *Round2) UnmarshalFrom(source codec.Source) *Round2 {
	result := &Round2{}
	for l := range result.Z {
		for t := range result.Z[l] {
			result.Z[l][t] = math.NewScalar().UnmarshalFrom(source)
		}
	}
	return result
}
