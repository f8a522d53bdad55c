package keygen

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/ot"
	"github.com/silencelabs/dkls23/protocol"
)

const sessionMagic = "DKLSv1kg"

// Bytes returns a canonical snapshot of the session's full state so that a party can persist an
// in-progress key generation between rounds. Snapshots contain secret material; protecting them at
// rest is the caller's responsibility. A failed session cannot be snapshotted.
func (s *Session) Bytes() ([]byte, error) {
	if s.failed {
		return nil, errors.Wrap(protocol.ErrInvalidState, "keygen: session failed")
	}
	return codec.Marshal(s)
}

// SessionFromBytes restores a session snapshot produced by Bytes. The observability options are
// not part of the snapshot and are supplied again by the caller.
func SessionFromBytes(data []byte, opts *Options) (*Session, error) {
	s, err := codec.UnmarshalUsing(data, func(source codec.Source) *Session {
		return unmarshalSession(source, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, protocol.ErrInvalidMessage)
	}
	return s, nil
}

func (s *Session) MarshalTo(target codec.Target) {
	target.WriteString(sessionMagic)
	target.WriteUint8(uint8(s.mode))
	target.WriteUint8(s.threshold)
	target.WriteUint8(s.partyID)
	target.WriteUint8(uint8(s.n))
	for _, rank := range s.ranks {
		target.WriteUint8(rank)
	}
	for id := 0; id < s.n; id++ {
		target.WriteBool(s.lost[uint8(id)])
	}
	target.WriteUint8(uint8(s.round))

	target.WriteOptional(s.constant)
	target.WriteBool(s.lambda != nil)
	if s.lambda != nil {
		for _, c := range s.lambda {
			target.WriteOptional(c)
		}
	}
	target.WriteBool(s.oldBigS != nil)
	if s.oldBigS != nil {
		s.oldBigS.MarshalTo(target)
	}
	target.WriteOptional(s.expectedPublicKey)
	target.WriteBytes(s.expectedChainCode[:])

	target.WriteBytes(s.sessionID[:])
	target.WriteBytes(s.blind[:])
	target.WriteBool(s.poly != nil)
	if s.poly != nil {
		s.poly.MarshalTo(target)
	}

	for _, m := range s.received1 {
		target.WriteOptional(m)
	}
	target.WriteBytes(s.finalSessionID[:])
	target.WriteBytes(s.chainCode[:])
	target.WriteBytes(s.blind2[:])
	target.WriteBytes(s.commitment2[:])

	for _, F := range s.dealerCommitments {
		target.WriteBool(F != nil)
		if F != nil {
			F.MarshalTo(target)
		}
	}
	for i := range s.chainCommitments {
		target.WriteBytes(s.chainCommitments[i][:])
	}
	target.WriteBool(s.aggregateCommitment != nil)
	if s.aggregateCommitment != nil {
		s.aggregateCommitment.MarshalTo(target)
	}

	for _, r := range s.baseReceivers {
		target.WriteOptional(r)
	}
	for i := range s.choices {
		target.WriteBytes(s.choices[i][:])
	}
	for _, seeds := range s.seedOTSenders {
		target.WriteOptional(seeds)
	}
	for _, seeds := range s.seedOTReceivers {
		target.WriteOptional(seeds)
	}
	for i := range s.sentSeeds {
		target.WriteBytes(s.sentSeeds[i][:])
	}
	for i := range s.receivedSeeds {
		target.WriteBytes(s.receivedSeeds[i][:])
	}

	target.WriteOptional(s.secretShare)
	target.WriteOptional(s.publicKey)
	target.WriteBool(s.bigSList != nil)
	if s.bigSList != nil {
		s.bigSList.MarshalTo(target)
	}
	target.WriteBytes(s.rootChainCode[:])

	target.WriteBool(s.result != nil)
	if s.result != nil {
		s.result.MarshalTo(target)
	}
}

func unmarshalSession(source codec.Source, opts *Options) *Session {
	if source.ReadString() != sessionMagic {
		panic("not a keygen session encoding")
	}
	m := mode(source.ReadUint8())
	if m > modeRecover {
		panic("invalid session mode")
	}
	threshold := source.ReadUint8()
	partyID := source.ReadUint8()
	n := int(source.ReadUint8())
	if n < 2 || n > protocol.MaxParties {
		panic("invalid party count")
	}
	ranks := make([]uint8, n)
	for i := range ranks {
		ranks[i] = source.ReadUint8()
	}
	var lost []uint8
	for id := 0; id < n; id++ {
		if source.ReadBool() {
			lost = append(lost, uint8(id))
		}
	}

	s, err := newSession(m, threshold, partyID, ranks, lost, opts)
	if err != nil {
		panic(err)
	}
	s.round = int(source.ReadUint8())
	if s.round > 5 {
		panic("invalid session round")
	}

	s.constant, _ = codec.ReadOptionalValue(source, math.NewScalar())
	if source.ReadBool() {
		s.lambda = make(math.Scalars, n)
		for i := range s.lambda {
			s.lambda[i], _ = codec.ReadOptionalValue(source, math.NewScalar())
		}
	}
	if source.ReadBool() {
		s.oldBigS = readPoints(source, n)
	}
	s.expectedPublicKey, _ = codec.ReadOptionalValue(source, math.NewPoint())
	source.ReadBytesInto(s.expectedChainCode[:])

	source.ReadBytesInto(s.sessionID[:])
	source.ReadBytesInto(s.blind[:])
	if source.ReadBool() {
		s.poly = make(math.Polynomial, threshold)
		for i := range s.poly {
			s.poly[i] = math.NewScalar().UnmarshalFrom(source)
		}
	}

	for id := range s.received1 {
		if source.ReadBool() {
			s.received1[id] = unmarshalMsg1(source)
		}
	}
	source.ReadBytesInto(s.finalSessionID[:])
	source.ReadBytesInto(s.chainCode[:])
	source.ReadBytesInto(s.blind2[:])
	source.ReadBytesInto(s.commitment2[:])

	for id := range s.dealerCommitments {
		if source.ReadBool() {
			s.dealerCommitments[id] = readPoints(source, int(threshold))
		}
	}
	for i := range s.chainCommitments {
		source.ReadBytesInto(s.chainCommitments[i][:])
	}
	if source.ReadBool() {
		s.aggregateCommitment = readPoints(source, int(threshold))
	}

	for i := range s.baseReceivers {
		if source.ReadBool() {
			s.baseReceivers[i] = ot.UnmarshalBaseReceiver(source)
		}
	}
	for i := range s.choices {
		source.ReadBytesInto(s.choices[i][:])
	}
	for i := range s.seedOTSenders {
		s.seedOTSenders[i], _ = codec.ReadOptionalValue(source, &ot.SenderSeeds{})
	}
	for i := range s.seedOTReceivers {
		s.seedOTReceivers[i], _ = codec.ReadOptionalValue(source, &ot.ReceiverSeeds{})
	}
	for i := range s.sentSeeds {
		source.ReadBytesInto(s.sentSeeds[i][:])
	}
	for i := range s.receivedSeeds {
		source.ReadBytesInto(s.receivedSeeds[i][:])
	}

	s.secretShare, _ = codec.ReadOptionalValue(source, math.NewScalar())
	s.publicKey, _ = codec.ReadOptionalValue(source, math.NewPoint())
	if source.ReadBool() {
		s.bigSList = readPoints(source, n)
	}
	source.ReadBytesInto(s.rootChainCode[:])

	if source.ReadBool() {
		s.result = unmarshalKeyshare(source)
	}
	return s
}

func readPoints(source codec.Source, n int) math.Points {
	points := make(math.Points, n)
	for i := range points {
		points[i] = math.NewPoint().UnmarshalFrom(source)
	}
	return points
}
