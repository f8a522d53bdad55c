package sign

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"

	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/protocol"
)

// PreSignature is the message-independent result of a completed signing session. It is bound to
// one signer subset and one nonce, and must be consumed by exactly one call to Finish; reusing it
// for a second message leaks the secret share.
type PreSignature struct {
	PartyID        uint8
	FinalSessionID [32]byte
	PublicKey      math.Point
	BigR           math.Point
	Phi            math.Scalar
	S0             math.Scalar
	S1             math.Scalar
}

// PartialSignature is one party's share of an ECDSA signature over a concrete message hash.
type PartialSignature struct {
	PartyID        uint8
	FinalSessionID [32]byte
	PublicKey      math.Point
	MessageHash    [32]byte
	BigR           math.Point
	S0             math.Scalar
	S1             math.Scalar
}

const preSignatureMagic = "DKLSv1ps"

// Finish folds the message hash into the pre-signature, consuming it. It returns the local
// partial signature together with the broadcast carrying the signature terms; the caller combines
// the partials with Combine once the co-signers' broadcasts arrived.
func (p *PreSignature) Finish(messageHash [32]byte) (*PartialSignature, *protocol.Message, error) {
	if p.S0 == nil || p.S1 == nil || p.Phi == nil {
		return nil, nil, errors.Wrap(protocol.ErrInvalidState, "sign: pre-signature already consumed")
	}

	m := reduceHash(messageHash)
	s0 := m.Multiply(p.Phi).Add(p.S0)

	partial := &PartialSignature{
		PartyID:        p.PartyID,
		FinalSessionID: p.FinalSessionID,
		PublicKey:      p.PublicKey,
		MessageHash:    messageHash,
		BigR:           p.BigR,
		S0:             s0,
		S1:             p.S1.Clone(),
	}

	body := &msg4{FinalSessionID: p.FinalSessionID, S0: partial.S0, S1: partial.S1}
	encoded, err := codec.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	msg := &protocol.Message{
		From:    p.PartyID,
		To:      protocol.Broadcast,
		Payload: append(protocol.EncodeHeader(protocol.TypeSign, 4), encoded...),
	}

	p.Zeroize()
	return partial, msg, nil
}

// Combine assembles the final ECDSA signature from the local partial signature and the co-signers'
// round 4 broadcasts. The signature is normalized to the low-s form and verified against the
// partial signature's public key before it is returned.
func Combine(partial *PartialSignature, msgs []*protocol.Message) (*ecdsa.Signature, error) {
	if partial == nil || partial.S0 == nil || partial.S1 == nil {
		return nil, errors.Wrap(protocol.ErrInvalidState, "sign: missing partial signature")
	}

	sumS0 := partial.S0.Clone()
	sumS1 := partial.S1.Clone()

	seen := map[uint8]bool{partial.PartyID: true}
	for _, msg := range msgs {
		if msg == nil || !msg.IsBroadcast() {
			return nil, errors.Wrap(protocol.ErrInvalidMessage, "sign: partial signature not broadcast")
		}
		if seen[msg.From] {
			return nil, errors.Wrapf(protocol.ErrInvalidMessage, "sign: duplicate partial signature from party %d", msg.From)
		}
		seen[msg.From] = true

		body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeSign, 4)
		if err != nil {
			return nil, protocol.Abort(msg.From, err)
		}
		m, err := codec.UnmarshalUsing(body, unmarshalMsg4)
		if err != nil {
			return nil, protocol.Abort(msg.From, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err))
		}
		if m.FinalSessionID != partial.FinalSessionID {
			return nil, protocol.Abort(msg.From, errors.Wrap(protocol.ErrInvalidMessage, "final session id mismatch"))
		}
		sumS0.Add(m.S0)
		sumS1.Add(m.S1)
	}

	inv, ok := sumS1.InverseVarTime()
	if !ok {
		return nil, errors.Wrap(protocol.ErrInvalidSignature, "sign: nonce terms sum to zero")
	}
	sValue := sumS0.Multiply(inv)
	rValue := partial.BigR.XScalar()
	if rValue.IsZero() || sValue.IsZero() {
		return nil, errors.Wrap(protocol.ErrInvalidSignature, "sign: degenerate signature")
	}
	if sValue.IsOverHalfOrder() {
		sValue.Negate()
	}

	signature := ecdsa.NewSignature(rValue.Inner(), sValue.Inner())
	if !signature.Verify(partial.MessageHash[:], partial.PublicKey.PublicKey()) {
		return nil, errors.Wrap(protocol.ErrInvalidSignature, "sign: combined signature does not verify")
	}
	return signature, nil
}

// reduceHash interprets a message hash as a big-endian integer reduced modulo the group order.
func reduceHash(hash [32]byte) math.Scalar {
	m := math.NewScalar()
	m.Inner().SetBytes(&hash)
	return m
}

// Zeroize overwrites the pre-signature's secret material and marks it consumed.
func (p *PreSignature) Zeroize() {
	if p.Phi != nil {
		p.Phi.Zeroize()
		p.Phi = nil
	}
	if p.S0 != nil {
		p.S0.Zeroize()
		p.S0 = nil
	}
	if p.S1 != nil {
		p.S1.Zeroize()
		p.S1 = nil
	}
}

// Zeroize overwrites the partial signature's secret terms.
func (p *PartialSignature) Zeroize() {
	if p.S0 != nil {
		p.S0.Zeroize()
	}
	if p.S1 != nil {
		p.S1.Zeroize()
	}
}

var _ codec.Marshaler = &PreSignature{}

// Bytes returns the canonical serialization of the pre-signature, for callers that store
// pre-signatures until a message arrives.
func (p *PreSignature) Bytes() ([]byte, error) {
	return codec.Marshal(p)
}

// PreSignatureFromBytes decodes a pre-signature produced by Bytes.
func PreSignatureFromBytes(data []byte) (*PreSignature, error) {
	pre, err := codec.UnmarshalUsing(data, unmarshalPreSignature)
	if err != nil {
		return nil, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err)
	}
	return pre, nil
}

func (p *PreSignature) MarshalTo(target codec.Target) {
	target.WriteString(preSignatureMagic)
	target.WriteUint8(p.PartyID)
	target.WriteBytes(p.FinalSessionID[:])
	p.PublicKey.MarshalTo(target)
	p.BigR.MarshalTo(target)
	p.Phi.MarshalTo(target)
	p.S0.MarshalTo(target)
	p.S1.MarshalTo(target)
}

func unmarshalPreSignature(source codec.Source) *PreSignature {
	if source.ReadString() != preSignatureMagic {
		panic("not a pre-signature encoding")
	}
	p := &PreSignature{}
	p.PartyID = source.ReadUint8()
	source.ReadBytesInto(p.FinalSessionID[:])
	p.PublicKey = math.NewPoint().UnmarshalFrom(source)
	p.BigR = math.NewPoint().UnmarshalFrom(source)
	if p.PublicKey.IsIdentity() || p.BigR.IsIdentity() {
		panic("pre-signature with identity point")
	}
	p.Phi = math.NewScalar().UnmarshalFrom(source)
	p.S0 = math.NewScalar().UnmarshalFrom(source)
	p.S1 = math.NewScalar().UnmarshalFrom(source)
	return p
}
