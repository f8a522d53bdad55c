// Package keygen implements distributed key generation for threshold ECDSA over secp256k1,
// together with the key rotation and lost share recovery variants built on the same round
// structure. A session is a sequential five round state machine driven by the caller: it performs
// no I/O and no background work, all randomness is injected explicitly, and message transport is
// left to the application.
package keygen

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/ot"
	"github.com/silencelabs/dkls23/internal/telemetry"
	"github.com/silencelabs/dkls23/internal/xof"
	"github.com/silencelabs/dkls23/internal/zkp"
	"github.com/silencelabs/dkls23/protocol"
)

const (
	dstKeygenSID        = "dkls23/keygen/sid"
	dstKeygenCommitment = "dkls23/keygen/commitment"
	dstKeygenChainCode  = "dkls23/keygen/chaincode-commitment"
	dstKeygenDLog       = "dkls23/keygen/dlog"
	dstKeygenDLogShare  = "dkls23/keygen/dlog-share"
	dstKeygenBaseOT     = "dkls23/keygen/baseot"
)

type mode int

const (
	// modeFresh generates a new key from scratch.
	modeFresh mode = iota

	// modeReshare re-deals an existing share so that the public key and root chain code are
	// preserved. Used for key rotation and, with a non-empty lost set, by the surviving parties
	// of a lost share recovery.
	modeReshare

	// modeRecover is the lost party's side of a recovery: it holds no share and contributes a
	// zero constant, receiving a fresh share of the unchanged public key.
	modeRecover
)

// Options carries the optional observability hooks of a session. The zero value disables both.
type Options struct {
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// Session is the per-party state of one key generation run. Sessions are not safe for concurrent
// use and are invalidated by the first error; all secret intermediates are zeroized on abort.
type Session struct {
	n         int
	threshold uint8
	partyID   uint8
	ranks     []uint8
	mode      mode
	lost      map[uint8]bool

	// Resharing inputs. The constant is the polynomial's constant coefficient; nil means a
	// fresh random secret is sampled when the first message is created.
	constant          math.Scalar
	lambda            math.Scalars // per party id, nil entries for lost parties
	oldBigS           math.Points
	expectedPublicKey math.Point
	expectedChainCode [32]byte

	log     logrus.FieldLogger
	metrics *telemetry.Metrics

	// round is the message round expected next: 0 before the first message was created, 5 once
	// the session completed.
	round  int
	failed bool

	xList math.Scalars // evaluation point per party id

	sessionID [32]byte
	blind     [32]byte
	poly      math.Polynomial

	received1      []*msg1 // by party id, own entry included
	finalSessionID [32]byte

	chainCode   [32]byte
	blind2      [32]byte
	commitment2 [32]byte

	dealerCommitments   []math.PolynomialCommitment // by party id, own entry included
	chainCommitments    [][32]byte                  // by party id
	aggregateCommitment math.PolynomialCommitment

	// Pairwise state, indexed by the dense peer index.
	baseReceivers   []*ot.BaseReceiver
	choices         [][ot.Kappa / 8]byte
	seedOTSenders   []*ot.SenderSeeds
	seedOTReceivers []*ot.ReceiverSeeds

	sentSeeds     [][32]byte
	receivedSeeds [][32]byte

	secretShare   math.Scalar
	publicKey     math.Point
	bigSList      math.Points
	rootChainCode [32]byte

	result *Keyshare
}

// NewSession creates a fresh key generation session for the party with the given id. The ranks
// slice assigns a Birkhoff rank to every party and fixes the total number of parties; rank zero
// everywhere yields plain threshold Shamir sharing.
func NewSession(threshold, partyID uint8, ranks []uint8, opts *Options) (*Session, error) {
	return newSession(modeFresh, threshold, partyID, ranks, nil, opts)
}

// NewRotationSession creates a session that re-deals the given keyshare among the same parties.
// The resulting shares are fresh and incompatible with the old ones, while the public key and root
// chain code are preserved. The input keyshare is not consumed; the caller retires it after the
// rotation completed.
func NewRotationSession(share *Keyshare, opts *Options) (*Session, error) {
	return NewRecoverySession(share, nil, opts)
}

// NewRecoverySession creates the surviving party's session of a lost share recovery. The parties
// listed in lostParties participate without a share and receive a fresh one; at least threshold
// parties must remain. With an empty lost set this is a key rotation.
func NewRecoverySession(share *Keyshare, lostParties []uint8, opts *Options) (*Session, error) {
	if share == nil {
		return nil, errors.Wrap(protocol.ErrInvalidKey, "keygen: nil keyshare")
	}
	s, err := newSession(modeReshare, share.Threshold, share.PartyID, share.RankList, lostParties, opts)
	if err != nil {
		return nil, err
	}
	if s.lost[share.PartyID] {
		return nil, errors.Wrap(protocol.ErrInvalidState, "keygen: own party listed as lost")
	}

	if err := s.prepareReshare(share.PublicKey, share.BigSList); err != nil {
		return nil, err
	}
	s.constant = s.lambda[share.PartyID].Clone().Multiply(share.SecretShare)
	s.expectedChainCode = share.RootChainCode
	return s, nil
}

// NewLostShareSession creates the lost party's session of a recovery. Only the public parameters
// and the key's public point are required; the session contributes a zero constant and yields a
// fresh share of the same key.
func NewLostShareSession(threshold, partyID uint8, ranks []uint8, publicKey math.Point, lostParties []uint8, opts *Options) (*Session, error) {
	if publicKey == nil || publicKey.IsIdentity() {
		return nil, errors.Wrap(protocol.ErrInvalidKey, "keygen: missing public key")
	}
	s, err := newSession(modeRecover, threshold, partyID, ranks, lostParties, opts)
	if err != nil {
		return nil, err
	}
	if !s.lost[partyID] {
		return nil, errors.Wrap(protocol.ErrInvalidState, "keygen: own party not listed as lost")
	}
	s.constant = math.NewScalar()
	s.expectedPublicKey = publicKey.Clone()
	return s, nil
}

func newSession(mode mode, threshold, partyID uint8, ranks []uint8, lostParties []uint8, opts *Options) (*Session, error) {
	n := len(ranks)
	if n < 2 || n > protocol.MaxParties {
		return nil, errors.Wrapf(protocol.ErrInvalidState, "keygen: unsupported party count %d", n)
	}
	if threshold < 2 || int(threshold) > n {
		return nil, errors.Wrapf(protocol.ErrInvalidState, "keygen: invalid threshold %d of %d", threshold, n)
	}
	if int(partyID) >= n {
		return nil, errors.Wrapf(protocol.ErrInvalidState, "keygen: invalid party id %d", partyID)
	}
	for id, rank := range ranks {
		if rank >= threshold {
			return nil, errors.Wrapf(protocol.ErrInvalidState, "keygen: rank %d of party %d exceeds threshold", rank, id)
		}
	}

	lost := make(map[uint8]bool, len(lostParties))
	for _, id := range lostParties {
		if int(id) >= n || lost[id] {
			return nil, errors.Wrapf(protocol.ErrInvalidState, "keygen: invalid lost party id %d", id)
		}
		lost[id] = true
	}
	if n-len(lost) < int(threshold) {
		return nil, errors.Wrap(protocol.ErrInvalidState, "keygen: fewer than threshold parties remaining")
	}

	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	s := &Session{
		n:         n,
		threshold: threshold,
		partyID:   partyID,
		ranks:     append([]uint8(nil), ranks...),
		mode:      mode,
		lost:      lost,
		log:       log.WithFields(logrus.Fields{"protocol": "keygen", "party": partyID}),
		metrics:   telemetry.For(opts.Registerer),

		xList: make(math.Scalars, n),

		received1:         make([]*msg1, n),
		dealerCommitments: make([]math.PolynomialCommitment, n),
		chainCommitments:  make([][32]byte, n),

		baseReceivers:   make([]*ot.BaseReceiver, n-1),
		choices:         make([][ot.Kappa / 8]byte, n-1),
		seedOTSenders:   make([]*ot.SenderSeeds, n-1),
		seedOTReceivers: make([]*ot.ReceiverSeeds, n-1),

		sentSeeds:     make([][32]byte, n-1-int(partyID)),
		receivedSeeds: make([][32]byte, int(partyID)),
	}
	for id := range s.xList {
		s.xList[id] = math.NewScalarFromUint(uint32(id) + 1)
	}
	return s, nil
}

// prepareReshare computes the Birkhoff coefficients of the surviving parties and the per-dealer
// constant commitments expected from them.
func (s *Session) prepareReshare(publicKey math.Point, bigSList math.Points) error {
	var xs math.Scalars
	var rks []uint8
	var ids []uint8
	for id := 0; id < s.n; id++ {
		if s.lost[uint8(id)] {
			continue
		}
		xs = append(xs, s.xList[id])
		rks = append(rks, s.ranks[id])
		ids = append(ids, uint8(id))
	}
	coeffs, err := math.BirkhoffCoeffs(xs, rks)
	if err != nil {
		return errors.Wrap(err, "keygen: resharing coefficients")
	}

	s.lambda = make(math.Scalars, s.n)
	for i, id := range ids {
		s.lambda[id] = coeffs[i]
	}
	s.expectedPublicKey = publicKey.Clone()
	s.oldBigS = make(math.Points, s.n)
	for id := range s.oldBigS {
		s.oldBigS[id] = bigSList[id].Clone()
	}
	return nil
}

// CreateFirstMessage samples the session's secrets and returns the round 1 broadcast. It must be
// called exactly once, before any call to HandleMessages.
func (s *Session) CreateFirstMessage(rand io.Reader) (*protocol.Message, error) {
	if s.failed || s.round != 0 {
		return nil, errors.Wrap(protocol.ErrInvalidState, "keygen: first message already created")
	}

	if _, err := io.ReadFull(rand, s.sessionID[:]); err != nil {
		return nil, s.abort(err)
	}
	if _, err := io.ReadFull(rand, s.blind[:]); err != nil {
		return nil, s.abort(err)
	}
	if s.constant == nil {
		secret, err := math.NewScalar().SetRandom(rand)
		if err != nil {
			return nil, s.abort(err)
		}
		s.constant = secret
	}

	poly, err := math.RandomPolynomial(rand, int(s.threshold), s.constant)
	if err != nil {
		return nil, s.abort(err)
	}
	s.poly = poly
	s.constant.Zeroize()
	s.constant = nil
	s.dealerCommitments[s.partyID] = s.poly.Commitment()

	m := &msg1{SessionID: s.sessionID}
	m.Commitment = commitmentHash(s.sessionID, s.partyID, s.ranks[s.partyID], s.xList[s.partyID],
		s.dealerCommitments[s.partyID], s.blind)
	s.received1[s.partyID] = m

	s.round = 1
	s.metrics.Started(telemetry.ProtocolKeygen)
	s.log.Debug("keygen session started")
	return s.outgoing(1, protocol.Broadcast, m)
}

// HandleMessages consumes the complete message batch of the current round and returns the
// messages of the next round. The final call (round 4 input) returns no messages; the keyshare is
// then available from Keyshare. Any error invalidates the session.
func (s *Session) HandleMessages(rand io.Reader, msgs []*protocol.Message) ([]*protocol.Message, error) {
	if s.failed || s.round < 1 || s.round > 4 {
		return nil, errors.Wrap(protocol.ErrInvalidState, "keygen: no round in progress")
	}
	if err := protocol.CheckRoundMessages(msgs, s.partyID, s.n); err != nil {
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
		out, err = s.handleRound3(rand, sorted)
	case 4:
		out, err = s.handleRound4(sorted)
	}
	if err != nil {
		return nil, s.abort(err)
	}
	s.round++
	return out, nil
}

// ChainCodeCommitment returns this party's binding commitment to its chain code contribution. It
// is available once the round 1 batch was processed and stays constant afterwards.
func (s *Session) ChainCodeCommitment() ([32]byte, error) {
	if s.failed || s.round < 2 {
		return [32]byte{}, errors.Wrap(protocol.ErrInvalidState, "keygen: chain code commitment not yet computed")
	}
	return s.commitment2, nil
}

// Keyshare returns the generated keyshare after the session completed. The session gives up
// ownership; subsequent calls fail.
func (s *Session) Keyshare() (*Keyshare, error) {
	if s.result == nil {
		return nil, errors.Wrap(protocol.ErrInvalidState, "keygen: session not complete")
	}
	share := s.result
	s.result = nil
	return share, nil
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
		s.received1[msg.From] = m
	}

	h := xof.New(dstKeygenSID)
	h.WriteInt(s.n)
	h.WriteInt(int(s.threshold))
	h.WriteBytes(s.ranks)
	for id := 0; id < s.n; id++ {
		h.WriteBytes(s.received1[id].SessionID[:])
	}
	s.finalSessionID = h.Digest32()

	switch s.mode {
	case modeFresh:
		if _, err := io.ReadFull(rand, s.chainCode[:]); err != nil {
			return nil, err
		}
	case modeReshare:
		s.chainCode = s.expectedChainCode
	case modeRecover:
		// No chain code to contribute; the commitment binds an all-zero value.
	}
	if _, err := io.ReadFull(rand, s.blind2[:]); err != nil {
		return nil, err
	}
	s.commitment2 = chainCodeHash(s.finalSessionID, s.partyID, s.chainCode, s.blind2)

	proofs := make([]*zkp.Proof, s.threshold)
	for k := range proofs {
		proof, err := zkp.Prove(rand, s.dlogTranscript(s.partyID, k), s.poly[k])
		if err != nil {
			return nil, err
		}
		proofs[k] = proof
	}

	shared := &msg2{
		Commitments:         s.dealerCommitments[s.partyID],
		Blind:               s.blind,
		Proofs:              proofs,
		ChainCodeCommitment: s.commitment2,
	}

	out := make([]*protocol.Message, 0, s.n-1)
	for id := 0; id < s.n; id++ {
		peer := uint8(id)
		if peer == s.partyID {
			continue
		}
		idx := s.peerIndex(peer)
		if _, err := io.ReadFull(rand, s.choices[idx][:]); err != nil {
			return nil, err
		}
		receiver, otMsg, err := ot.NewBaseReceiver(rand, s.baseOTSessionID(s.partyID, peer), s.choices[idx])
		if err != nil {
			return nil, err
		}
		s.baseReceivers[idx] = receiver

		m := *shared
		m.BaseOT = otMsg
		msg, err := s.outgoing(2, peer, &m)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	s.log.Debug("round 1 complete")
	return out, nil
}

func (s *Session) handleRound2(rand io.Reader, msgs []*protocol.Message) ([]*protocol.Message, error) {
	s.aggregateCommitment = make(math.PolynomialCommitment, s.threshold)
	for k, F := range s.dealerCommitments[s.partyID] {
		s.aggregateCommitment[k] = F.Clone()
	}

	type reply struct {
		peer uint8
		m    *msg3
	}
	replies := make([]reply, 0, s.n-1)

	for _, msg := range msgs {
		peer := msg.From
		if msg.IsBroadcast() {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "round 2 message not point-to-point"))
		}
		m, err := s.decode2(msg)
		if err != nil {
			return nil, err
		}

		expected := commitmentHash(s.received1[peer].SessionID, peer, s.ranks[peer], s.xList[peer],
			m.Commitments, m.Blind)
		if expected != s.received1[peer].Commitment {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidCommitment, "round 1 commitment"))
		}
		if err := s.checkDealerConstant(peer, m.Commitments[0]); err != nil {
			return nil, err
		}
		for k, proof := range m.Proofs {
			if !proof.Verify(s.dlogTranscript(peer, k), m.Commitments[k]) {
				return nil, protocol.Abort(peer, errors.Wrapf(protocol.ErrInvalidProof, "coefficient %d", k))
			}
		}

		s.dealerCommitments[peer] = m.Commitments
		s.chainCommitments[peer] = m.ChainCodeCommitment
		for k := range s.aggregateCommitment {
			s.aggregateCommitment[k].Add(m.Commitments[k])
		}

		sid := s.baseOTSessionID(peer, s.partyID)
		otReply, baseSeeds, err := ot.ProcessBaseReceiverMsg(rand, sid, m.BaseOT)
		if err != nil {
			return nil, protocol.Abort(peer, errors.Wrapf(protocol.ErrInvalidMessage, "base OT: %v", err))
		}
		senderSeeds, trees, err := ot.ExpandSender(rand, sid, baseSeeds)
		if err != nil {
			return nil, err
		}
		s.seedOTSenders[s.peerIndex(peer)] = senderSeeds

		// The aggregate slice is still being summed; its points are mutated in place, so
		// every reply sees the complete aggregate by the time it is marshaled.
		r := &msg3{
			Commitments: s.aggregateCommitment,
			Share:       s.poly.EvalDerivative(int(s.ranks[peer]), s.xList[peer]),
			BaseOT:      otReply,
			Trees:       trees,
			ChainCode:   s.chainCode,
			Blind:       s.blind2,
		}
		if peer > s.partyID {
			k := int(peer) - int(s.partyID) - 1
			if _, err := io.ReadFull(rand, s.sentSeeds[k][:]); err != nil {
				return nil, err
			}
			r.HasSeed = true
			r.PairwiseSeed = s.sentSeeds[k]
		}
		replies = append(replies, reply{peer, r})
	}

	if s.mode != modeFresh {
		if !s.aggregateCommitment[0].Equal(s.expectedPublicKey) {
			return nil, errors.Wrap(protocol.ErrInvalidKey, "keygen: resharing changed the public key")
		}
	}

	s.secretShare = s.poly.EvalDerivative(int(s.ranks[s.partyID]), s.xList[s.partyID])

	out := make([]*protocol.Message, 0, len(replies))
	for _, r := range replies {
		msg, err := s.outgoing(3, r.peer, r.m)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	s.poly.Zeroize()
	s.poly = nil
	s.log.Debug("round 2 complete")
	return out, nil
}

// checkDealerConstant enforces the mode-dependent constraint on a dealer's constant coefficient
// commitment: non-identity for a fresh key, the rescaled old share value for a resharing dealer,
// the identity for a dealer recovering its share.
func (s *Session) checkDealerConstant(peer uint8, F0 math.Point) error {
	switch s.mode {
	case modeFresh:
		if F0.IsIdentity() {
			return protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidKey, "zero key contribution"))
		}
	case modeReshare:
		if s.lost[peer] {
			if !F0.IsIdentity() {
				return protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidKey, "lost party contributed a secret"))
			}
			return nil
		}
		expected := s.oldBigS[peer].Clone().ScalarMult(s.lambda[peer])
		if !F0.Equal(expected) {
			return protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidKey, "resharing constant mismatch"))
		}
	case modeRecover:
		// Only the aggregate can be checked against the public key; lost peers still must not
		// contribute a secret.
		if s.lost[peer] && !F0.IsIdentity() {
			return protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidKey, "lost party contributed a secret"))
		}
	}
	return nil
}

func (s *Session) handleRound3(rand io.Reader, msgs []*protocol.Message) ([]*protocol.Message, error) {
	chainCodes := make([][32]byte, s.n)
	chainCodes[s.partyID] = s.chainCode

	for _, msg := range msgs {
		peer := msg.From
		if msg.IsBroadcast() {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "round 3 message not point-to-point"))
		}
		m, err := s.decode3(msg)
		if err != nil {
			return nil, err
		}

		if m.HasSeed != (peer < s.partyID) {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "unexpected pairwise seed"))
		}
		if m.HasSeed {
			s.receivedSeeds[peer] = m.PairwiseSeed
		}

		for k := range s.aggregateCommitment {
			if !m.Commitments[k].Equal(s.aggregateCommitment[k]) {
				return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidCommitment, "aggregated commitment mismatch"))
			}
		}
		if chainCodeHash(s.finalSessionID, peer, m.ChainCode, m.Blind) != s.chainCommitments[peer] {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidCommitment, "chain code commitment"))
		}
		chainCodes[peer] = m.ChainCode

		// The received evaluation must open the dealer's committed polynomial at our point.
		expected := math.EvalCommitmentDerivative(s.dealerCommitments[peer], int(s.ranks[s.partyID]), s.xList[s.partyID])
		if !math.NewPoint().ScalarBaseMult(m.Share).Equal(expected) {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidCommitment, "share does not match commitment"))
		}
		s.secretShare.Add(m.Share)
		m.Share.Zeroize()

		idx := s.peerIndex(peer)
		baseSeeds, err := s.baseReceivers[idx].ProcessBaseSenderMsg(m.BaseOT)
		if err != nil {
			return nil, protocol.Abort(peer, errors.Wrapf(protocol.ErrInvalidMessage, "base OT: %v", err))
		}
		receiverSeeds, err := ot.ProcessPPRFMsg(s.baseOTSessionID(s.partyID, peer), s.choices[idx], baseSeeds, m.Trees)
		if err != nil {
			return nil, protocol.Abort(peer, errors.Wrapf(protocol.ErrInvalidProof, "%v", err))
		}
		s.seedOTReceivers[idx] = receiverSeeds
	}

	if err := s.combineChainCodes(chainCodes); err != nil {
		return nil, err
	}

	s.publicKey = s.aggregateCommitment[0].Clone()
	if s.publicKey.IsIdentity() {
		return nil, errors.Wrap(protocol.ErrInvalidKey, "keygen: public key is the identity")
	}
	s.bigSList = make(math.Points, s.n)
	for id := 0; id < s.n; id++ {
		s.bigSList[id] = math.EvalCommitmentDerivative(s.aggregateCommitment, int(s.ranks[id]), s.xList[id])
	}

	proof, err := zkp.Prove(rand, s.shareTranscript(s.partyID), s.secretShare)
	if err != nil {
		return nil, err
	}
	final := &msg4{
		PublicKey: s.publicKey,
		BigS:      s.bigSList[s.partyID],
		Proof:     proof,
	}
	msg, err := s.outgoing(4, protocol.Broadcast, final)
	if err != nil {
		return nil, err
	}
	s.log.Debug("round 3 complete")
	return []*protocol.Message{msg}, nil
}

// combineChainCodes derives the root chain code. A fresh key combines every party's contribution;
// rotation and recovery require the surviving parties to agree on the stored value.
func (s *Session) combineChainCodes(chainCodes [][32]byte) error {
	switch s.mode {
	case modeFresh:
		for _, cc := range chainCodes {
			for i := range s.rootChainCode {
				s.rootChainCode[i] ^= cc[i]
			}
		}
	case modeReshare:
		for id := 0; id < s.n; id++ {
			if s.lost[uint8(id)] || uint8(id) == s.partyID {
				continue
			}
			if chainCodes[id] != s.expectedChainCode {
				return protocol.Abort(uint8(id), errors.Wrap(protocol.ErrInvalidCommitment, "chain code mismatch"))
			}
		}
		s.rootChainCode = s.expectedChainCode
	case modeRecover:
		first := -1
		for id := 0; id < s.n; id++ {
			if s.lost[uint8(id)] {
				continue
			}
			if first == -1 {
				first = id
				continue
			}
			if chainCodes[id] != chainCodes[first] {
				return errors.Wrap(protocol.ErrInvalidCommitment, "keygen: surviving parties disagree on the chain code")
			}
		}
		s.rootChainCode = chainCodes[first]
	}
	return nil
}

func (s *Session) handleRound4(msgs []*protocol.Message) ([]*protocol.Message, error) {
	for _, msg := range msgs {
		peer := msg.From
		if !msg.IsBroadcast() {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidMessage, "round 4 message not broadcast"))
		}
		m, err := s.decode4(msg)
		if err != nil {
			return nil, err
		}
		if !m.PublicKey.Equal(s.publicKey) {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidKey, "public key mismatch"))
		}
		if !m.BigS.Equal(s.bigSList[peer]) {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidCommitment, "public share mismatch"))
		}
		if !m.Proof.Verify(s.shareTranscript(peer), m.BigS) {
			return nil, protocol.Abort(peer, errors.Wrap(protocol.ErrInvalidProof, "share proof"))
		}
	}

	if err := s.checkSecretRecovery(); err != nil {
		return nil, err
	}

	share := &Keyshare{
		TotalParties:    uint8(s.n),
		Threshold:       s.threshold,
		PartyID:         s.partyID,
		RankList:        s.ranks,
		FinalSessionID:  s.finalSessionID,
		PublicKey:       s.publicKey,
		RootChainCode:   s.rootChainCode,
		SecretShare:     s.secretShare,
		BigSList:        s.bigSList,
		XIList:          s.xList,
		SeedOTReceivers: s.seedOTReceivers,
		SeedOTSenders:   s.seedOTSenders,
		SentSeeds:       s.sentSeeds,
		ReceivedSeeds:   s.receivedSeeds,
	}
	s.secretShare = nil
	s.seedOTReceivers = nil
	s.seedOTSenders = nil
	s.sentSeeds = nil
	s.receivedSeeds = nil
	s.result = share

	s.metrics.Completed(telemetry.ProtocolKeygen)
	s.log.Debug("keygen session complete")
	return nil, nil
}

// checkSecretRecovery verifies that a threshold subset of the public share values interpolates to
// the public key, taking the parties with the lowest ranks as representatives.
func (s *Session) checkSecretRecovery() error {
	order := make([]int, s.n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		if s.ranks[order[i]] != s.ranks[order[j]] {
			return s.ranks[order[i]] < s.ranks[order[j]]
		}
		return order[i] < order[j]
	})

	xs := make(math.Scalars, s.threshold)
	rks := make([]uint8, s.threshold)
	for i := 0; i < int(s.threshold); i++ {
		xs[i] = s.xList[order[i]]
		rks[i] = s.ranks[order[i]]
	}
	coeffs, err := math.BirkhoffCoeffs(xs, rks)
	if err != nil {
		return errors.Wrap(err, "keygen: recovery coefficients")
	}

	sum := math.NewPoint()
	for i := 0; i < int(s.threshold); i++ {
		sum.Add(s.bigSList[order[i]].Clone().ScalarMult(coeffs[i]))
	}
	if !sum.Equal(s.publicKey) {
		return errors.Wrap(protocol.ErrInvalidKey, "keygen: shares do not recover the public key")
	}
	return nil
}

// Zeroize overwrites all secret state still held by the session, including an unretrieved result.
func (s *Session) Zeroize() {
	if s.constant != nil {
		s.constant.Zeroize()
	}
	if s.poly != nil {
		s.poly.Zeroize()
	}
	if s.secretShare != nil {
		s.secretShare.Zeroize()
	}
	for _, seeds := range s.seedOTSenders {
		if seeds != nil {
			seeds.Zeroize()
		}
	}
	for _, seeds := range s.seedOTReceivers {
		if seeds != nil {
			seeds.Zeroize()
		}
	}
	for i := range s.sentSeeds {
		s.sentSeeds[i] = [32]byte{}
	}
	for i := range s.receivedSeeds {
		s.receivedSeeds[i] = [32]byte{}
	}
	if s.result != nil {
		s.result.Zeroize()
		s.result = nil
	}
}

func (s *Session) abort(err error) error {
	s.failed = true
	s.Zeroize()
	s.metrics.Aborted(telemetry.ProtocolKeygen)
	var abortErr *protocol.AbortError
	if errors.As(err, &abortErr) {
		s.log.WithField("banned", abortErr.Party).Warn(err.Error())
	} else {
		s.log.Warn(err.Error())
	}
	return err
}

// peerIndex maps a peer's party id to its dense index in the pairwise state slices.
func (s *Session) peerIndex(peer uint8) int {
	if peer > s.partyID {
		return int(peer) - 1
	}
	return int(peer)
}

func (s *Session) outgoing(round uint8, to uint8, body codec.Marshaler) (*protocol.Message, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &protocol.Message{
		From:    s.partyID,
		To:      to,
		Payload: append(protocol.EncodeHeader(protocol.TypeKeygen, round), encoded...),
	}, nil
}

func (s *Session) decode1(msg *protocol.Message) (*msg1, error) {
	body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeKeygen, 1)
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
	body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeKeygen, 2)
	if err != nil {
		return nil, protocol.Abort(msg.From, err)
	}
	m, err := codec.UnmarshalUsing(body, func(source codec.Source) *msg2 {
		return unmarshalMsg2(source, int(s.threshold))
	})
	if err != nil {
		return nil, protocol.Abort(msg.From, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err))
	}
	return m, nil
}

func (s *Session) decode3(msg *protocol.Message) (*msg3, error) {
	body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeKeygen, 3)
	if err != nil {
		return nil, protocol.Abort(msg.From, err)
	}
	m, err := codec.UnmarshalUsing(body, func(source codec.Source) *msg3 {
		return unmarshalMsg3(source, int(s.threshold))
	})
	if err != nil {
		return nil, protocol.Abort(msg.From, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err))
	}
	return m, nil
}

func (s *Session) decode4(msg *protocol.Message) (*msg4, error) {
	body, err := protocol.DecodeHeader(msg.Payload, protocol.TypeKeygen, 4)
	if err != nil {
		return nil, protocol.Abort(msg.From, err)
	}
	m, err := codec.UnmarshalUsing(body, unmarshalMsg4)
	if err != nil {
		return nil, protocol.Abort(msg.From, errors.Wrapf(protocol.ErrInvalidMessage, "%v", err))
	}
	return m, nil
}

func (s *Session) dlogTranscript(party uint8, coefficient int) xof.XOF {
	h := xof.New(dstKeygenDLog)
	h.WriteBytes(s.finalSessionID[:])
	h.WriteInt(int(party))
	h.WriteInt(coefficient)
	return h
}

func (s *Session) shareTranscript(party uint8) xof.XOF {
	h := xof.New(dstKeygenDLogShare)
	h.WriteBytes(s.finalSessionID[:])
	h.WriteInt(int(party))
	return h
}

// baseOTSessionID derives the transcript binding of the base OT instance in which receiver takes
// the receiving role against sender.
func (s *Session) baseOTSessionID(receiver, sender uint8) [32]byte {
	h := xof.New(dstKeygenBaseOT)
	h.WriteBytes(s.finalSessionID[:])
	h.WriteInt(int(receiver))
	h.WriteInt(int(sender))
	return h.Digest32()
}

func commitmentHash(sessionID [32]byte, party, rank uint8, x math.Scalar, F math.PolynomialCommitment, blind [32]byte) [32]byte {
	h := xof.New(dstKeygenCommitment)
	h.WriteBytes(sessionID[:])
	h.WriteInt(int(party))
	h.WriteInt(int(rank))
	h.WriteBytes(x.Bytes())
	for _, P := range F {
		h.WriteBytes(P.Bytes())
	}
	h.WriteBytes(blind[:])
	return h.Digest32()
}

func chainCodeHash(finalSessionID [32]byte, party uint8, chainCode, blind [32]byte) [32]byte {
	h := xof.New(dstKeygenChainCode)
	h.WriteBytes(finalSessionID[:])
	h.WriteInt(int(party))
	h.WriteBytes(chainCode[:])
	h.WriteBytes(blind[:])
	return h.Digest32()
}
