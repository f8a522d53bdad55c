package ot

import (
	"io"

	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/xof"
)

// Endemic one-out-of-two base OT over secp256k1. The receiver opens the exchange by publishing,
// per instance, a pair of points of which it knows the discrete logarithm of exactly one (the one
// selected by its choice bit). The other point is derived from a hash and has no known discrete
// logarithm. The sender replies with a Diffie-Hellman contribution per instance and derives both
// seeds; the receiver can derive only the chosen one.

const (
	dstBaseOTPoint = "dkls23/baseot/point"
	dstBaseOTSeed  = "dkls23/baseot/seed"
)

// BaseReceiverMsg is the receiver's opening message, one point pair per instance.
type BaseReceiverMsg struct {
	Pairs [Kappa][2][math.PointSize]byte
}

// BaseSenderMsg is the sender's reply, one Diffie-Hellman contribution per instance.
type BaseSenderMsg struct {
	Points [Kappa][math.PointSize]byte
}

var _ codec.Codec[*BaseReceiverMsg] = &BaseReceiverMsg{}
var _ codec.Codec[*BaseSenderMsg] = &BaseSenderMsg{}

// BaseReceiver holds the receiver's ephemeral state between its two steps.
type BaseReceiver struct {
	sessionID [32]byte
	choices   [Kappa / 8]byte
	secrets   math.Scalars
}

// NewBaseReceiver samples the per-instance secrets for the given choice bits and produces the
// receiver's opening message. Bit j of choices (little-endian within each byte) is the choice bit
// of instance j.
func NewBaseReceiver(rand io.Reader, sessionID [32]byte, choices [Kappa / 8]byte) (*BaseReceiver, *BaseReceiverMsg, error) {
	r := &BaseReceiver{sessionID: sessionID, choices: choices, secrets: make(math.Scalars, Kappa)}
	msg := &BaseReceiverMsg{}

	var padSeed [32]byte
	for j := 0; j < Kappa; j++ {
		ρ, err := math.NewScalar().SetRandom(rand)
		if err != nil {
			return nil, nil, err
		}
		r.secrets[j] = ρ

		if _, err := io.ReadFull(rand, padSeed[:]); err != nil {
			return nil, nil, err
		}
		h := xof.New(dstBaseOTPoint)
		h.WriteBytes(sessionID[:])
		h.WriteInt(j)
		h.WriteBytes(padSeed[:])

		choice := bit(choices[:], j)
		copy(msg.Pairs[j][choice][:], math.NewPoint().ScalarBaseMult(ρ).Bytes())
		copy(msg.Pairs[j][1-choice][:], math.HashToPoint(h).Bytes())
	}
	return r, msg, nil
}

// ProcessBaseReceiverMsg runs the sender's single step: it derives both seeds of every instance
// and produces the sender's reply message.
func ProcessBaseReceiverMsg(rand io.Reader, sessionID [32]byte, msg *BaseReceiverMsg) (*BaseSenderMsg, *[Kappa][2][SeedSize]byte, error) {
	reply := &BaseSenderMsg{}
	seeds := &[Kappa][2][SeedSize]byte{}

	for j := 0; j < Kappa; j++ {
		a, err := math.NewScalar().SetRandom(rand)
		if err != nil {
			return nil, nil, err
		}
		copy(reply.Points[j][:], math.NewPoint().ScalarBaseMult(a).Bytes())

		for b := 0; b < 2; b++ {
			m, err := math.NewPoint().SetBytes(msg.Pairs[j][b][:])
			if err != nil {
				return nil, nil, err
			}
			seeds[j][b] = deriveSeed(sessionID, j, b, m.ScalarMult(a))
		}
		a.Zeroize()
	}
	return reply, seeds, nil
}

// ProcessBaseSenderMsg runs the receiver's final step, deriving the seed of the chosen branch of
// every instance.
func (r *BaseReceiver) ProcessBaseSenderMsg(msg *BaseSenderMsg) (*[Kappa][SeedSize]byte, error) {
	seeds := &[Kappa][SeedSize]byte{}
	for j := 0; j < Kappa; j++ {
		A, err := math.NewPoint().SetBytes(msg.Points[j][:])
		if err != nil {
			return nil, err
		}
		choice := bit(r.choices[:], j)
		seeds[j] = deriveSeed(r.sessionID, j, int(choice), A.ScalarMult(r.secrets[j]))
		r.secrets[j].Zeroize()
	}
	return seeds, nil
}

func (r *BaseReceiver) IsNil() bool { return r == nil }

func (r *BaseReceiver) MarshalTo(target codec.Target) {
	target.WriteBytes(r.sessionID[:])
	target.WriteBytes(r.choices[:])
	r.secrets.MarshalTo(target)
}

// UnmarshalBaseReceiver restores a receiver state written by MarshalTo.
func UnmarshalBaseReceiver(source codec.Source) *BaseReceiver {
	r := &BaseReceiver{secrets: make(math.Scalars, Kappa)}
	source.ReadBytesInto(r.sessionID[:])
	source.ReadBytesInto(r.choices[:])
	for j := range r.secrets {
		r.secrets[j] = math.NewScalar().UnmarshalFrom(source)
	}
	return r
}

func deriveSeed(sessionID [32]byte, instance, branch int, shared math.Point) [SeedSize]byte {
	h := xof.New(dstBaseOTSeed)
	h.WriteBytes(sessionID[:])
	h.WriteInt(instance)
	h.WriteInt(branch)
	h.WriteBytes(shared.Bytes())
	return h.Digest32()
}

func bit(b []byte, i int) byte {
	return (b[i/8] >> (i % 8)) & 1
}

func (m *BaseReceiverMsg) IsNil() bool { return m == nil }

func (m *BaseReceiverMsg) MarshalTo(target codec.Target) {
	for j := range m.Pairs {
		target.WriteBytes(m.Pairs[j][0][:])
		target.WriteBytes(m.Pairs[j][1][:])
	}
}

func (m *BaseReceiverMsg) UnmarshalFrom(source codec.Source) *BaseReceiverMsg {
	result := &BaseReceiverMsg{}
	for j := range result.Pairs {
		source.ReadBytesInto(result.Pairs[j][0][:])
		source.ReadBytesInto(result.Pairs[j][1][:])
	}
	return result
}

func (m *BaseSenderMsg) IsNil() bool { return m == nil }

func (m *BaseSenderMsg) MarshalTo(target codec.Target) {
	for j := range m.Points {
		target.WriteBytes(m.Points[j][:])
	}
}

func (m *BaseSenderMsg) UnmarshalFrom(source codec.Source) *BaseSenderMsg {
	result := &BaseSenderMsg{}
	for j := range result.Points {
		source.ReadBytesInto(result.Points[j][:])
	}
	return result
}
