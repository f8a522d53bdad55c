// Package sign implements distributed ECDSA signing for keyshares produced by the keygen package.
// A session runs among exactly threshold parties, chosen by whoever routes the round 1 broadcast,
// and produces a message-independent pre-signature after three message rounds. Folding in a
// message hash and combining the resulting partial signatures are local operations. Like keygen
// sessions, a signing session performs no I/O, consumes injected randomness only, and is
// invalidated by the first error.
package sign

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/silencelabs/dkls23/internal/bip32"
	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/mul"
	"github.com/silencelabs/dkls23/internal/pairs"
	"github.com/silencelabs/dkls23/internal/telemetry"
	"github.com/silencelabs/dkls23/internal/xof"
	"github.com/silencelabs/dkls23/keygen"
	"github.com/silencelabs/dkls23/protocol"
)

const (
	dstSignSID        = "dkls23/sign/sid"
	dstSignCommitment = "dkls23/sign/commitment"
	dstSignDigest     = "dkls23/sign/digest"
	dstSignMul        = "dkls23/sign/mul"
	dstSignZeta       = "dkls23/sign/zeta"
)

// Options carries the optional observability hooks of a session. The zero value disables both.
type Options struct {
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// multiplier is the receiving side of one pairwise multiplication, together with the multiplier
// scalar it contributed.
type multiplier struct {
	receiver *mul.Receiver
	chi      math.Scalar
}

// Session is the per-party state of one signing run. Sessions are not safe for concurrent use;
// all secret intermediates are zeroized on abort.
type Session struct {
	share *keygen.Keyshare

	additiveOffset   math.Scalar
	derivedPublicKey math.Point

	log     logrus.FieldLogger
	metrics *telemetry.Metrics

	// round is the message round expected next: 0 before the first message was created, 4 once
	// the pre-signature is available.
	round  int
	failed bool

	sessionID [32]byte
	blind     [32]byte
	phi       math.Scalar
	nonce     math.Scalar
	bigR      math.Point

	// signers collects the round 1 broadcasts, own entry included. Its key set is the signing
	// subset for the remainder of the session.
	signers *pairs.Pairs[*msg1]

	finalSessionID [32]byte
	digest         [32]byte

	multipliers *pairs.Pairs[*multiplier]

	signingKey math.Scalar // Birkhoff-weighted share plus derivation offset and pairwise mask
	keyPoint   math.Point

	senderShares []*[mul.NumInputs]math.Scalar

	result *PreSignature
}

// NewSession creates a signing session for the given keyshare. The derivation path selects the
// child key to sign under; "m" signs under the root key. The session consumes the keyshare: on
// success the caller's share is zeroized and a later NewSession on it fails, so every session
// needs its own Clone of the share.
func NewSession(share *keygen.Keyshare, derivationPath string, opts *Options) (*Session, error) {
	if share == nil || share.SecretShare == nil {
		return nil, errors.Wrap(protocol.ErrInvalidKey, "sign: missing keyshare")
	}

	offset, derived, err := bip32.DerivePath(share.PublicKey, share.RootChainCode, derivationPath)
	if err != nil {
		return nil, errors.Wrap(err, "sign: key derivation")
	}
	// Every signer folds the offset into its additive key share, so it is distributed across the
	// threshold number of contributions.
	thresholdInv, ok := math.NewScalarFromUint(uint32(share.Threshold)).InverseVarTime()
	if !ok {
		return nil, errors.Wrapf(protocol.ErrInvalidKey, "sign: invalid threshold %d", share.Threshold)
	}
	offset.Multiply(thresholdInv)

	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	owned := share.Clone()
	share.Zeroize()
	share.SecretShare = nil

	return &Session{
		share:            owned,
		additiveOffset:   offset,
		derivedPublicKey: derived,
		log:              log.WithFields(logrus.Fields{"protocol": "sign", "party": owned.PartyID}),
		metrics:          telemetry.For(opts.Registerer),
		signers:          pairs.WithCapacity[*msg1](int(owned.Threshold)),
		multipliers:      pairs.WithCapacity[*multiplier](int(owned.Threshold) - 1),
		senderShares:     make([]*[mul.NumInputs]math.Scalar, 0, int(owned.Threshold)-1),
	}, nil
}

// CreateFirstMessage samples the session's nonce material and returns the round 1 broadcast. It
// must be called exactly once, before any call to HandleMessages.
func (s *Session) CreateFirstMessage(rand io.Reader) (*protocol.Message, error) {
	if s.failed || s.round != 0 {
		return nil, errors.Wrap(protocol.ErrInvalidState, "sign: first message already created")
	}

	if _, err := io.ReadFull(rand, s.sessionID[:]); err != nil {
		return nil, s.abort(err)
	}
	if _, err := io.ReadFull(rand, s.blind[:]); err != nil {
		return nil, s.abort(err)
	}
	phi, err := math.NewScalar().SetRandom(rand)
	if err != nil {
		return nil, s.abort(err)
	}
	nonce, err := math.NewScalar().SetRandom(rand)
	if err != nil {
		return nil, s.abort(err)
	}
	s.phi = phi
	s.nonce = nonce
	s.bigR = math.NewPoint().ScalarBaseMult(s.nonce)

	m := &msg1{SessionID: s.sessionID}
	m.Commitment = commitmentHash(s.sessionID, s.share.PartyID, s.bigR, s.blind)
	s.signers.Push(s.share.PartyID, m)

	s.round = 1
	s.metrics.Started(telemetry.ProtocolSign)
	s.log.Debug("sign session started")
	return s.outgoing(1, protocol.Broadcast, m)
}

// HandleMessages consumes the complete message batch of the current round and returns the
// messages of the next round. The final call (round 3 input) returns no messages; the result is
// then available from PreSignature. Any error invalidates the session.
func (s *Session) HandleMessages(rand io.Reader, msgs []*protocol.Message) ([]*protocol.Message, error) {
	if s.failed || s.round < 1 || s.round > 3 {
		return nil, errors.Wrap(protocol.ErrInvalidState, "sign: no round in progress")
	}
	if err := s.checkRoundMessages(msgs); err != nil {
		return nil, s.abort(err)
	}
	sorted := append([]*protocol.Message(nil), msgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	var out []*protocol.Message
	var err error
	switch s.round {
	case 1:
		out, err = s.handleRound1(rand, sorted)
	case 2:
		out, err = s.handleRound2(rand, sorted)
	case 3:
		out, err = s.handleRound3(sorted)
	}
	if err != nil {
		return nil, s.abort(err)
	}
	s.round++
	return out, nil
}

// PreSignature returns the message-independent signing result after the session completed. The
// session gives up ownership; subsequent calls fail.
func (s *Session) PreSignature() (*PreSignature, error) {
	if s.result == nil {
		return nil, errors.Wrap(protocol.ErrInvalidState, "sign: session not complete")
	}
	pre := s.result
	s.result = nil
	return pre, nil
}

// checkRoundMessages verifies that msgs contains exactly one message per co-signer, with valid
// sender ids and no duplicates. The signer subset itself is fixed by the round 1 batch.
func (s *Session) checkRoundMessages(msgs []*protocol.Message) error {
	expected := int(s.share.Threshold) - 1
	if len(msgs) != expected {
		return errors.Wrapf(protocol.ErrMissingMessage, "expected %d messages, got %d", expected, len(msgs))
	}
	seen := make(map[uint8]bool, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			return errors.Wrap(protocol.ErrInvalidMessage, "nil message")
		}
		if msg.From == s.share.PartyID {
			return errors.Wrap(protocol.ErrInvalidMessage, "message from self")
		}
		if msg.From >= s.share.TotalParties {
			return errors.Wrapf(protocol.ErrInvalidMessage, "message from unknown party %d", msg.From)
		}
		if seen[msg.From] {
			return errors.Wrapf(protocol.ErrInvalidMessage, "duplicate message from party %d", msg.From)
		}
		if !msg.IsBroadcast() && msg.To != s.share.PartyID {
			return errors.Wrapf(protocol.ErrInvalidMessage, "message addressed to party %d", msg.To)
		}
		if s.round > 1 {
			if _, err := s.signers.Find(msg.From); err != nil {
				return protocol.Abort(msg.From, errors.Wrap(protocol.ErrInvalidMessage, "sender is not a signer"))
			}
		}
		seen[msg.From] = true
	}
	return nil
}

func (s *Session) handleRound1(rand io.Reader, msgs []*protocol.Message) ([]*protocol.Message, error) {
	for _, msg := range msgs {
		if !msg.IsBroadcast() {
			return nil, protocol.Abort(msg.From, errors.Wrap(protocol.ErrInvalidMessage, "round 1 message not broadcast"))
		}
		m, err := s.decode1(msg)
		if err != nil {
			return nil, err
		}
		s.signers.Push(msg.From, m)
	}

	h := xof.New(dstSignSID)
	s.signers.Iter(func(id uint8, m *msg1) {
		h.WriteInt(int(id))
		h.WriteBytes(m.SessionID[:])
	})
	s.finalSessionID = h.Digest32()

	h = xof.New(dstSignDigest)
	s.signers.Iter(func(id uint8, m *msg1) {
		h.WriteInt(int(id))
		h.WriteBytes(m.SessionID[:])
		h.WriteBytes(m.Commitment[:])
	})
	s.digest = h.Digest32()

	out := make([]*protocol.Message, 0, s.signers.Len()-1)
	for _, peer := range s.coSigners() {
		chi, err := math.NewScalar().SetRandom(rand)
		if err != nil {
			return nil, err
		}
		// The peer multiplies; we contribute the multiplier against the full trees stored for
		// this pair.
		sid := s.mulSessionID(peer, s.share.PartyID)
		receiver, opening := mul.NewReceiver(sid, s.share.SeedOTSenders[s.share.PeerIndex(peer)], chi)
		s.multipliers.Push(peer, &multiplier{receiver: receiver, chi: chi})

		msg, err := s.outgoing(2, peer, &msg2{FinalSessionID: s.finalSessionID, MtA: opening})
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	s.log.Debug("round 1 complete")
	return out, nil
}

func (s *Session) handleRound2(rand io.Reader, msgs []*protocol.Message) ([]*protocol.Message, error) {
	coeff, err := s.signerCoefficient()
	if err != nil {
		return nil, err
	}
	s.signingKey = coeff.Multiply(s.share.SecretShare).Add(s.additiveOffset).Add(s.zeta())
	s.keyPoint = math.NewPoint().ScalarBaseMult(s.signingKey)

	out := make([]*protocol.Message, 0, len(msgs))
	for _, msg := range msgs {
		peer := msg.From
		if msg.IsBroadcast() {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "round 2 message not point-to-point"))
		}
		m, err := s.decode2(msg)
		if err != nil {
			return nil, err
		}
		if m.FinalSessionID != s.finalSessionID {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "final session id mismatch"))
		}

		sid := s.mulSessionID(s.share.PartyID, peer)
		inputs := [mul.NumInputs]math.Scalar{s.nonce, s.signingKey}
		reply, alpha, err := mul.SenderProcess(sid, s.share.SeedOTReceivers[s.share.PeerIndex(peer)], m.MtA, &inputs)
		if err != nil {
			return nil, protocol.Abort(peer, errors.Wrapf(protocol.ErrInvalidMessage, "multiplication: %v", err))
		}
		s.senderShares = append(s.senderShares, alpha)

		r := &msg3{
			MtA:    reply,
			Digest: s.digest,
			PK:     s.keyPoint,
			BigR:   s.bigR,
			Blind:  s.blind,
			GammaU: math.NewPoint().ScalarBaseMult(alpha[0]),
			GammaV: math.NewPoint().ScalarBaseMult(alpha[1]),
			Psi:    s.phi.Clone().Subtract(s.multipliers.MustFind(peer).chi),
		}
		reply2, err := s.outgoing(3, peer, r)
		if err != nil {
			return nil, err
		}
		out = append(out, reply2)
	}
	s.log.Debug("round 2 complete")
	return out, nil
}

func (s *Session) handleRound3(msgs []*protocol.Message) ([]*protocol.Message, error) {
	bigR := math.NewPoint().Set(s.bigR)
	sumPK := math.NewPoint().Set(s.keyPoint)
	sumPsi := math.NewScalar()
	sumU := math.NewScalar()
	sumV := math.NewScalar()

	for _, msg := range msgs {
		peer := msg.From
		if msg.IsBroadcast() {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "round 3 message not point-to-point"))
		}
		m, err := s.decode3(msg)
		if err != nil {
			return nil, err
		}
		mult, err := s.multipliers.Pop(peer)
		if err != nil {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "no multiplication in progress"))
		}
		d := mult.receiver.Process(m.MtA)

		opened := s.signers.MustFind(peer)
		if commitmentHash(opened.SessionID, peer, m.BigR, m.Blind) != opened.Commitment {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidCommitment, "nonce commitment"))
		}
		if m.Digest != s.digest {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "round 1 digest mismatch"))
		}

		// The peer's multiplication shares must be consistent with its claimed nonce and key
		// points: chi * X = d * G + Gamma for both input slots.
		if !m.BigR.Clone().ScalarMult(mult.chi).Equal(math.NewPoint().ScalarBaseMult(d[0]).Add(m.GammaU)) {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidProof, "nonce share consistency"))
		}
		if !m.PK.Clone().ScalarMult(mult.chi).Equal(math.NewPoint().ScalarBaseMult(d[1]).Add(m.GammaV)) {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidProof, "key share consistency"))
		}
		mult.chi.Zeroize()

		bigR.Add(m.BigR)
		sumPK.Add(m.PK)
		sumPsi.Add(m.Psi)
		sumU.Add(d[0])
		sumV.Add(d[1])
		d[0].Zeroize()
		d[1].Zeroize()
	}

	if !sumPK.Equal(s.derivedPublicKey) {
		return nil, errors.Wrap(protocol.ErrInvalidKey, "sign: signers do not share the expected key")
	}
	if bigR.IsIdentity() {
		return nil, errors.Wrap(protocol.ErrInvalidSignature, "sign: nonce point is the identity")
	}

	for _, alpha := range s.senderShares {
		sumU.Add(alpha[0])
		sumV.Add(alpha[1])
		alpha[0].Zeroize()
		alpha[1].Zeroize()
	}
	s.senderShares = nil

	rx := bigR.XScalar()
	phiPlusPsi := s.phi.Clone().Add(sumPsi)
	s0 := s.signingKey.Clone().Multiply(phiPlusPsi).Add(sumV).Multiply(rx)
	s1 := s.nonce.Clone().Multiply(phiPlusPsi).Add(sumU)

	s.result = &PreSignature{
		PartyID:        s.share.PartyID,
		FinalSessionID: s.finalSessionID,
		PublicKey:      s.derivedPublicKey.Clone(),
		BigR:           bigR,
		Phi:            s.phi,
		S0:             s0,
		S1:             s1,
	}
	s.phi = nil
	s.signingKey.Zeroize()
	s.nonce.Zeroize()
	phiPlusPsi.Zeroize()
	sumU.Zeroize()
	sumV.Zeroize()

	s.metrics.Completed(telemetry.ProtocolSign)
	s.log.Debug("sign session complete")
	return nil, nil
}

// coSigners returns the signer subset without the own party, in id order.
func (s *Session) coSigners() []uint8 {
	ids := make([]uint8, 0, s.signers.Len()-1)
	s.signers.Iter(func(id uint8, _ *msg1) {
		if id != s.share.PartyID {
			ids = append(ids, id)
		}
	})
	return ids
}

// signerCoefficient computes the interpolation coefficient of the own share over the signing
// subset, ordered by rank so that higher derivatives constrain later rows.
func (s *Session) signerCoefficient() (math.Scalar, error) {
	ids := make([]uint8, 0, s.signers.Len())
	s.signers.Iter(func(id uint8, _ *msg1) { ids = append(ids, id) })
	sort.Slice(ids, func(i, j int) bool {
		if s.share.RankList[ids[i]] != s.share.RankList[ids[j]] {
			return s.share.RankList[ids[i]] < s.share.RankList[ids[j]]
		}
		return ids[i] < ids[j]
	})

	xs := make(math.Scalars, len(ids))
	rks := make([]uint8, len(ids))
	own := -1
	for i, id := range ids {
		xs[i] = s.share.XIList[id]
		rks[i] = s.share.RankList[id]
		if id == s.share.PartyID {
			own = i
		}
	}
	coeffs, err := math.BirkhoffCoeffs(xs, rks)
	if err != nil {
		return nil, errors.Wrap(err, "sign: signer coefficients")
	}
	return coeffs[own], nil
}

// zeta derives this party's pairwise zero-sum mask: for every co-signer the shared seed and the
// round 1 digest are hashed to a scalar, added for lower-id peers and subtracted for higher-id
// ones, so that the masks of all signers sum to zero.
func (s *Session) zeta() math.Scalar {
	zeta := math.NewScalar()
	for _, peer := range s.coSigners() {
		seed := s.share.SharedSeed(peer)
		h := xof.New(dstSignZeta)
		h.WriteBytes(seed[:])
		h.WriteBytes(s.digest[:])
		v := math.HashToScalar(h)
		if peer < s.share.PartyID {
			zeta.Add(v)
		} else {
			zeta.Subtract(v)
		}
	}
	return zeta
}

// Zeroize overwrites all secret state still held by the session, including the owned keyshare
// copy and an unretrieved result.
func (s *Session) Zeroize() {
	if s.share != nil {
		s.share.Zeroize()
	}
	if s.phi != nil {
		s.phi.Zeroize()
	}
	if s.nonce != nil {
		s.nonce.Zeroize()
	}
	if s.signingKey != nil {
		s.signingKey.Zeroize()
	}
	if s.additiveOffset != nil {
		s.additiveOffset.Zeroize()
	}
	s.multipliers.Iter(func(_ uint8, m *multiplier) {
		m.chi.Zeroize()
	})
	for _, alpha := range s.senderShares {
		alpha[0].Zeroize()
		alpha[1].Zeroize()
	}
	if s.result != nil {
		s.result.Zeroize()
		s.result = nil
	}
}

func (s *Session) abort(err error) error {
	s.failed = true
	s.Zeroize()
	s.metrics.Aborted(telemetry.ProtocolSign)
	var abortErr *protocol.AbortError
	if errors.As(err, &abortErr) {
		s.log.WithField("banned", abortErr.Party).Warn(err.Error())
	} else {
		s.log.Warn(err.Error())
	}
	return err
}

func (s *Session) outgoing(round uint8, to uint8, body codec.Marshaler) (*protocol.Message, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &protocol.Message{
		From:    s.share.PartyID,
		To:      to,
		Payload: append(protocol.EncodeHeader(protocol.TypeSign, round), encoded...),
	}, nil
}

func (s *Session) decode1(msg *protocol.Message) (*msg1, error) {
	body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeSign, 1)
	if err != nil {
		return nil, protocol.Abort(msg.From, err)
	}
	m, err := codec.UnmarshalUsing(body, unmarshalMsg1)
	if err != nil {
		return nil, protocol.Abort(msg.From, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err))
	}
	return m, nil
}

func (s *Session) decode2(msg *protocol.Message) (*msg2, error) {
	body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeSign, 2)
	if err != nil {
		return nil, protocol.Abort(msg.From, err)
	}
	m, err := codec.UnmarshalUsing(body, unmarshalMsg2)
	if err != nil {
		return nil, protocol.Abort(msg.From, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err))
	}
	return m, nil
}

func (s *Session) decode3(msg *protocol.Message) (*msg3, error) {
	body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeSign, 3)
	if err != nil {
		return nil, protocol.Abort(msg.From, err)
	}
	m, err := codec.UnmarshalUsing(body, unmarshalMsg3)
	if err != nil {
		return nil, protocol.Abort(msg.From, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err))
	}
	return m, nil
}

// mulSessionID derives the transcript binding of the multiplication instance in which sender
// multiplies towards receiver.
func (s *Session) mulSessionID(sender, receiver uint8) [32]byte {
	h := xof.New(dstSignMul)
	h.WriteBytes(s.finalSessionID[:])
	h.WriteInt(int(sender))
	h.WriteInt(int(receiver))
	return h.Digest32()
}

func commitmentHash(sessionID [32]byte, party uint8, bigR math.Point, blind [32]byte) [32]byte {
	h := xof.New(dstSignCommitment)
	h.WriteBytes(sessionID[:])
	h.WriteInt(int(party))
	h.WriteBytes(bigR.Bytes())
	h.WriteBytes(blind[:])
	return h.Digest32()
}
