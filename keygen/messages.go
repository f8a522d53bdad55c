package keygen

import (
	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/ot"
	"github.com/silencelabs/dkls23/internal/zkp"
)

// Wire bodies of the four message exchanges, without the payload header. Vector lengths are fixed
// by the session parameters, so they are not encoded; the codec's trailing-byte check rejects
// truncated or padded bodies.

// msg1 is broadcast and opens the session: a random session id contribution and a binding
// commitment to the sender's polynomial commitment vector and blind factor.
type msg1 struct {
	SessionID  [32]byte
	Commitment [32]byte
}

// msg2 is sent point-to-point and opens the round 1 commitment. The polynomial commitment vector,
// blind and proofs are identical towards every peer; the commitment check against the round 1
// broadcast ensures a consistent opening. The base OT part is peer specific.
type msg2 struct {
	Commitments         math.PolynomialCommitment // one point per polynomial coefficient
	Blind               [32]byte
	Proofs              []*zkp.Proof // one proof per polynomial coefficient
	ChainCodeCommitment [32]byte
	BaseOT              *ot.BaseReceiverMsg
}

// msg3 is sent point-to-point. It carries the sender's view of the aggregated commitment vector,
// the receiver's secret polynomial share, the second base OT flow together with the tree transfer,
// the chain code opening, and, towards higher-id peers only, a fresh pairwise masking seed.
type msg3 struct {
	Commitments math.PolynomialCommitment // aggregated over all parties
	Share       math.Scalar
	BaseOT      *ot.BaseSenderMsg
	Trees       *ot.PPRFMsg
	ChainCode   [32]byte
	Blind       [32]byte

	// HasSeed is set only towards peers with a higher party id; the receiver rejects a flag
	// inconsistent with the id order.
	HasSeed      bool
	PairwiseSeed [32]byte
}

// msg4 is the final broadcast carrying the sender's view of the public key, its public share value
// and a proof of knowledge of the corresponding secret share.
type msg4 struct {
	PublicKey math.Point
	BigS      math.Point
	Proof     *zkp.Proof
}

func (m *msg1) IsNil() bool { return m == nil }

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
	m.Commitments.MarshalTo(target)
	target.WriteBytes(m.Blind[:])
	for _, proof := range m.Proofs {
		proof.MarshalTo(target)
	}
	target.WriteBytes(m.ChainCodeCommitment[:])
	m.BaseOT.MarshalTo(target)
}

func unmarshalMsg2(source codec.Source, threshold int) *msg2 {
	m := &msg2{Commitments: make(math.PolynomialCommitment, threshold)}
	for i := range m.Commitments {
		m.Commitments[i] = math.NewPoint().UnmarshalFrom(source)
	}
	source.ReadBytesInto(m.Blind[:])
	m.Proofs = make([]*zkp.Proof, threshold)
	for i := range m.Proofs {
		m.Proofs[i] = (&zkp.Proof{}).UnmarshalFrom(source)
	}
	source.ReadBytesInto(m.ChainCodeCommitment[:])
	m.BaseOT = (&ot.BaseReceiverMsg{}).UnmarshalFrom(source)
	return m
}

func (m *msg3) MarshalTo(target codec.Target) {
	m.Commitments.MarshalTo(target)
	m.Share.MarshalTo(target)
	m.BaseOT.MarshalTo(target)
	m.Trees.MarshalTo(target)
	target.WriteBytes(m.ChainCode[:])
	target.WriteBytes(m.Blind[:])
	target.WriteBool(m.HasSeed)
	if m.HasSeed {
		target.WriteBytes(m.PairwiseSeed[:])
	}
}

func unmarshalMsg3(source codec.Source, threshold int) *msg3 {
	m := &msg3{Commitments: make(math.PolynomialCommitment, threshold)}
	for i := range m.Commitments {
		m.Commitments[i] = math.NewPoint().UnmarshalFrom(source)
	}
	m.Share = math.NewScalar().UnmarshalFrom(source)
	m.BaseOT = (&ot.BaseSenderMsg{}).UnmarshalFrom(source)
	m.Trees = (&ot.PPRFMsg{}).UnmarshalFrom(source)
	source.ReadBytesInto(m.ChainCode[:])
	source.ReadBytesInto(m.Blind[:])
	m.HasSeed = source.ReadBool()
	if m.HasSeed {
		source.ReadBytesInto(m.PairwiseSeed[:])
	}
	return m
}

func (m *msg4) MarshalTo(target codec.Target) {
	m.PublicKey.MarshalTo(target)
	m.BigS.MarshalTo(target)
	m.Proof.MarshalTo(target)
}

func unmarshalMsg4(source codec.Source) *msg4 {
	return &msg4{
		PublicKey: math.NewPoint().UnmarshalFrom(source),
		BigS:      math.NewPoint().UnmarshalFrom(source),
		Proof:     (&zkp.Proof{}).UnmarshalFrom(source),
	}
}
