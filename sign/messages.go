package sign

import (
	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/mul"
)

// Wire bodies of the four signing exchanges, without the payload header. All vector lengths are
// fixed by the protocol parameters, so none are encoded.

// msg1 is broadcast and opens the signing session: a random session id contribution and a binding
// commitment to the sender's nonce point.
type msg1 struct {
	SessionID  [32]byte
	Commitment [32]byte
}

// msg2 is sent point-to-point and carries the sender's view of the final session id together with
// the opening message of the pairwise multiplication in which the sender multiplies.
type msg2 struct {
	FinalSessionID [32]byte
	MtA            *mul.Round1
}

// msg3 is sent point-to-point: the multiplication reply, the sender's view of the round 1
// transcript digest, its signing key point and nonce point opening, and the consistency values the
// receiver checks its multiplication shares against.
type msg3 struct {
	MtA    *mul.Round2
	Digest [32]byte
	PK     math.Point
	BigR   math.Point
	Blind  [32]byte
	GammaU math.Point
	GammaV math.Point
	Psi    math.Scalar
}

// msg4 is the final broadcast carrying the sender's partial signature terms for an agreed message
// hash.
type msg4 struct {
	FinalSessionID [32]byte
	S0             math.Scalar
	S1             math.Scalar
}

func (m *msg1) MarshalTo(target codec.Target) {
	target.WriteBytes(m.SessionID[:])
	target.WriteBytes(m.Commitment[:])
}

func unmarshalMsg1(source codec.Source) *msg1 {
	m := &msg1{}
	source.ReadBytesInto(m.SessionID[:])
	source.ReadBytesInto(m.Commitment[:])
	return m
}

func (m *msg2) MarshalTo(target codec.Target) {
	target.WriteBytes(m.FinalSessionID[:])
	m.MtA.MarshalTo(target)
}

func unmarshalMsg2(source codec.Source) *msg2 {
	m := &msg2{}
	source.ReadBytesInto(m.FinalSessionID[:])
	m.MtA = (&mul.Round1{}).UnmarshalFrom(source)
	return m
}

func (m *msg3) MarshalTo(target codec.Target) {
	m.MtA.MarshalTo(target)
	target.WriteBytes(m.Digest[:])
	m.PK.MarshalTo(target)
	m.BigR.MarshalTo(target)
	target.WriteBytes(m.Blind[:])
	m.GammaU.MarshalTo(target)
	m.GammaV.MarshalTo(target)
	m.Psi.MarshalTo(target)
}

func unmarshalMsg3(source codec.Source) *msg3 {
	m := &msg3{}
	m.MtA = (&mul.Round2{}).UnmarshalFrom(source)
	source.ReadBytesInto(m.Digest[:])
	m.PK = math.NewPoint().UnmarshalFrom(source)
	m.BigR = math.NewPoint().UnmarshalFrom(source)
	source.ReadBytesInto(m.Blind[:])
	m.GammaU = math.NewPoint().UnmarshalFrom(source)
	m.GammaV = math.NewPoint().UnmarshalFrom(source)
	m.Psi = math.NewScalar().UnmarshalFrom(source)
	return m
}

func (m *msg4) MarshalTo(target codec.Target) {
	target.WriteBytes(m.FinalSessionID[:])
	m.S0.MarshalTo(target)
	m.S1.MarshalTo(target)
}

func unmarshalMsg4(source codec.Source) *msg4 {
	m := &msg4{}
	source.ReadBytesInto(m.FinalSessionID[:])
	m.S0 = math.NewScalar().UnmarshalFrom(source)
	m.S1 = math.NewScalar().UnmarshalFrom(source)
	return m
}
