package sign

import (
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/silencelabs/dkls23/internal/bip32"
	"github.com/silencelabs/dkls23/internal/testutil"
	"github.com/silencelabs/dkls23/internal/xof"
	"github.com/silencelabs/dkls23/keygen"
	"github.com/silencelabs/dkls23/protocol"
)

// generateShares runs a full key generation among all parties and returns the keyshares.
func generateShares(t *testing.T, seed string, threshold uint8, ranks []uint8) map[uint8]*keygen.Keyshare {
	t.Helper()

	var ids []uint8
	sessions := make(map[uint8]*keygen.Session, len(ranks))
	rands := make(map[uint8]io.Reader, len(ranks))
	for id := range ranks {
		s, err := keygen.NewSession(threshold, uint8(id), ranks, nil)
		require.NoError(t, err)
		sessions[uint8(id)] = s
		rands[uint8(id)] = testutil.Rand(fmt.Sprintf("%s/keygen-%d", seed, id))
		ids = append(ids, uint8(id))
	}

	inboxes := testutil.Inboxes(ids)
	for _, id := range ids {
		msg, err := sessions[id].CreateFirstMessage(rands[id])
		require.NoError(t, err)
		testutil.Route(inboxes, []*protocol.Message{msg})
	}
	for round := 1; round <= 4; round++ {
		outs := make(map[uint8][]*protocol.Message, len(ids))
		for _, id := range ids {
			out, err := sessions[id].HandleMessages(rands[id], inboxes[id])
			require.NoError(t, err, "party %d round %d", id, round)
			outs[id] = out
		}
		inboxes = testutil.Inboxes(ids)
		for _, id := range ids {
			testutil.Route(inboxes, outs[id])
		}
	}

	shares := make(map[uint8]*keygen.Keyshare, len(ids))
	for _, id := range ids {
		share, err := sessions[id].Keyshare()
		require.NoError(t, err)
		shares[id] = share
	}
	return shares
}

// runSigning drives a signing session among the given signer subset and returns the resulting
// pre-signatures.
func runSigning(t *testing.T, seed string, shares map[uint8]*keygen.Keyshare, signers []uint8, path string) map[uint8]*PreSignature {
	t.Helper()

	sessions := make(map[uint8]*Session, len(signers))
	rands := make(map[uint8]io.Reader, len(signers))
	for _, id := range signers {
		s, err := NewSession(shares[id].Clone(), path, nil)
		require.NoError(t, err)
		sessions[id] = s
		rands[id] = testutil.Rand(fmt.Sprintf("%s/sign-%d", seed, id))
	}

	inboxes := testutil.Inboxes(signers)
	for _, id := range signers {
		msg, err := sessions[id].CreateFirstMessage(rands[id])
		require.NoError(t, err)
		testutil.Route(inboxes, []*protocol.Message{msg})
	}
	for round := 1; round <= 3; round++ {
		outs := make(map[uint8][]*protocol.Message, len(signers))
		for _, id := range signers {
			out, err := sessions[id].HandleMessages(rands[id], inboxes[id])
			require.NoError(t, err, "party %d round %d", id, round)
			outs[id] = out
		}
		inboxes = testutil.Inboxes(signers)
		for _, id := range signers {
			testutil.Route(inboxes, outs[id])
		}
	}

	pres := make(map[uint8]*PreSignature, len(signers))
	for _, id := range signers {
		pre, err := sessions[id].PreSignature()
		require.NoError(t, err)
		require.Equal(t, id, pre.PartyID)
		pres[id] = pre
	}
	return pres
}

// finishAndCombine folds the message hash into every pre-signature and combines the partials at
// every party, requiring all parties to arrive at the same valid signature.
func finishAndCombine(t *testing.T, pres map[uint8]*PreSignature, messageHash [32]byte) {
	t.Helper()

	partials := make(map[uint8]*PartialSignature, len(pres))
	broadcasts := make(map[uint8]*protocol.Message, len(pres))
	for id, pre := range pres {
		partial, msg, err := pre.Finish(messageHash)
		require.NoError(t, err)
		partials[id] = partial
		broadcasts[id] = msg
	}

	var reference []byte
	for id, partial := range partials {
		var others []*protocol.Message
		for peer, msg := range broadcasts {
			if peer != id {
				others = append(others, msg)
			}
		}
		signature, err := Combine(partial, others)
		require.NoError(t, err)
		require.True(t, signature.Verify(messageHash[:], partial.PublicKey.PublicKey()))

		encoded := signature.Serialize()
		if reference == nil {
			reference = encoded
		} else {
			require.Equal(t, reference, encoded)
		}
	}
}

func messageHash(label string) [32]byte {
	h := xof.New("test/sign-message")
	h.WriteString(label)
	return h.Digest32()
}

func TestSignTwoOfTwo(t *testing.T) {
	shares := generateShares(t, "sign-2of2", 2, []uint8{0, 0})
	pres := runSigning(t, "sign-2of2", shares, []uint8{0, 1}, "m")
	finishAndCombine(t, pres, messageHash("two of two"))
}

func TestSignTwoOfThreeSubsets(t *testing.T) {
	shares := generateShares(t, "sign-2of3", 2, []uint8{0, 0, 0})
	for _, signers := range [][]uint8{{0, 1}, {0, 2}, {1, 2}} {
		name := fmt.Sprintf("signers-%d-%d", signers[0], signers[1])
		t.Run(name, func(t *testing.T) {
			pres := runSigning(t, "sign-2of3/"+name, shares, signers, "m")
			finishAndCombine(t, pres, messageHash(name))
		})
	}
}

func TestSignThreeOfFive(t *testing.T) {
	shares := generateShares(t, "sign-3of5", 3, []uint8{0, 0, 0, 0, 0})
	pres := runSigning(t, "sign-3of5", shares, []uint8{1, 2, 4}, "m")
	finishAndCombine(t, pres, messageHash("three of five"))
}

func TestSignWithRanks(t *testing.T) {
	shares := generateShares(t, "sign-ranks", 2, []uint8{0, 0, 1})
	for _, signers := range [][]uint8{{0, 1}, {0, 2}, {1, 2}} {
		name := fmt.Sprintf("signers-%d-%d", signers[0], signers[1])
		t.Run(name, func(t *testing.T) {
			pres := runSigning(t, "sign-ranks/"+name, shares, signers, "m")
			finishAndCombine(t, pres, messageHash(name))
		})
	}
}

func TestSignDerivedKey(t *testing.T) {
	shares := generateShares(t, "sign-derived", 2, []uint8{0, 0})

	offset, child, err := bip32.DerivePath(shares[0].PublicKey, shares[0].RootChainCode, "m/0/1")
	require.NoError(t, err)
	require.False(t, offset.IsZero())

	pres := runSigning(t, "sign-derived", shares, []uint8{0, 1}, "m/0/1")
	require.True(t, pres[0].PublicKey.Equal(child))
	finishAndCombine(t, pres, messageHash("derived key"))
}

func TestSessionValidation(t *testing.T) {
	shares := generateShares(t, "sign-validation", 2, []uint8{0, 0})

	_, err := NewSession(nil, "m", nil)
	require.ErrorIs(t, err, protocol.ErrInvalidKey)

	_, err = NewSession(shares[0], "m/0'", nil)
	require.Error(t, err)

	s, err := NewSession(shares[0], "m", nil)
	require.NoError(t, err)
	rand := testutil.Rand("sign-validation")
	_, err = s.CreateFirstMessage(rand)
	require.NoError(t, err)
	_, err = s.CreateFirstMessage(rand)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	// a short batch invalidates the session
	_, err = s.HandleMessages(rand, nil)
	require.ErrorIs(t, err, protocol.ErrMissingMessage)
	_, err = s.HandleMessages(rand, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)
}

func TestSessionConsumesKeyshare(t *testing.T) {
	shares := generateShares(t, "sign-consume", 2, []uint8{0, 0})

	// a failed validation leaves the share untouched
	_, err := NewSession(shares[0], "m/0'", nil)
	require.Error(t, err)

	_, err = NewSession(shares[0], "m", nil)
	require.NoError(t, err)
	require.Nil(t, shares[0].SecretShare)
	_, err = NewSession(shares[0], "m", nil)
	require.ErrorIs(t, err, protocol.ErrInvalidKey)

	// clones are independent of the consumed original
	clone := shares[1].Clone()
	_, err = NewSession(shares[1], "m", nil)
	require.NoError(t, err)
	_, err = NewSession(clone, "m", nil)
	require.NoError(t, err)
}

func TestNonSignerRejected(t *testing.T) {
	shares := generateShares(t, "sign-nonsigner", 2, []uint8{0, 0, 0})
	signers := []uint8{0, 1}

	sessions := make(map[uint8]*Session, len(signers))
	rands := make(map[uint8]io.Reader, len(signers))
	inboxes := testutil.Inboxes(signers)
	for _, id := range signers {
		s, err := NewSession(shares[id], "m", nil)
		require.NoError(t, err)
		sessions[id] = s
		rands[id] = testutil.Rand(fmt.Sprintf("sign-nonsigner/%d", id))
		msg, err := s.CreateFirstMessage(rands[id])
		require.NoError(t, err)
		testutil.Route(inboxes, []*protocol.Message{msg})
	}

	out0, err := sessions[0].HandleMessages(rands[0], inboxes[0])
	require.NoError(t, err)
	_, err = sessions[1].HandleMessages(rands[1], inboxes[1])
	require.NoError(t, err)

	// a round 2 message from outside the signer subset is attributed to its sender
	forged := &protocol.Message{From: 2, To: 1, Payload: out0[0].Payload}
	_, err = sessions[1].HandleMessages(rands[1], []*protocol.Message{forged})
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)

	var abortErr *protocol.AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, uint8(2), abortErr.Party)
}

func TestTamperedRoundThreeBansSender(t *testing.T) {
	shares := generateShares(t, "sign-tamper", 2, []uint8{0, 0})
	signers := []uint8{0, 1}

	sessions := make(map[uint8]*Session, len(signers))
	rands := make(map[uint8]io.Reader, len(signers))
	inboxes := testutil.Inboxes(signers)
	for _, id := range signers {
		s, err := NewSession(shares[id], "m", nil)
		require.NoError(t, err)
		sessions[id] = s
		rands[id] = testutil.Rand(fmt.Sprintf("sign-tamper/%d", id))
		msg, err := s.CreateFirstMessage(rands[id])
		require.NoError(t, err)
		testutil.Route(inboxes, []*protocol.Message{msg})
	}
	for round := 1; round <= 2; round++ {
		outs := make(map[uint8][]*protocol.Message, len(signers))
		for _, id := range signers {
			out, err := sessions[id].HandleMessages(rands[id], inboxes[id])
			require.NoError(t, err)
			outs[id] = out
		}
		inboxes = testutil.Inboxes(signers)
		for _, id := range signers {
			testutil.Route(inboxes, outs[id])
		}
	}

	// corrupt party 0's multiplication reply towards party 1
	for _, msg := range inboxes[1] {
		if msg.From == 0 {
			msg.Payload[4] ^= 0x01
		}
	}
	_, err := sessions[1].HandleMessages(rands[1], inboxes[1])
	require.Error(t, err)

	var abortErr *protocol.AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, uint8(0), abortErr.Party)
}

func TestPreSignatureSerialization(t *testing.T) {
	shares := generateShares(t, "presig-serde", 2, []uint8{0, 0})
	pres := runSigning(t, "presig-serde", shares, []uint8{0, 1}, "m")

	data, err := pres[0].Bytes()
	require.NoError(t, err)
	decoded, err := PreSignatureFromBytes(data)
	require.NoError(t, err)
	require.Equal(t, pres[0].PartyID, decoded.PartyID)
	require.Equal(t, pres[0].FinalSessionID, decoded.FinalSessionID)
	require.True(t, decoded.PublicKey.Equal(pres[0].PublicKey))
	require.True(t, decoded.S0.Equal(pres[0].S0))

	// signing with the decoded pre-signature still yields a valid signature
	pres[0] = decoded
	finishAndCombine(t, pres, messageHash("round tripped"))

	_, err = PreSignatureFromBytes(nil)
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	_, err = PreSignatureFromBytes(data[:len(data)/2])
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	_, err = PreSignatureFromBytes(append(data, 0x00))
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestFinishConsumesPreSignature(t *testing.T) {
	shares := generateShares(t, "presig-consume", 2, []uint8{0, 0})
	pres := runSigning(t, "presig-consume", shares, []uint8{0, 1}, "m")

	_, _, err := pres[0].Finish(messageHash("first"))
	require.NoError(t, err)
	_, _, err = pres[0].Finish(messageHash("second"))
	require.ErrorIs(t, err, protocol.ErrInvalidState)
}

func TestCombineRejectsForeignSession(t *testing.T) {
	shares := generateShares(t, "combine-foreign", 2, []uint8{0, 0})
	presA := runSigning(t, "combine-foreign/a", shares, []uint8{0, 1}, "m")
	presB := runSigning(t, "combine-foreign/b", shares, []uint8{0, 1}, "m")

	hash := messageHash("foreign session")
	partialA, _, err := presA[0].Finish(hash)
	require.NoError(t, err)
	_, msgB, err := presB[1].Finish(hash)
	require.NoError(t, err)

	_, err = Combine(partialA, []*protocol.Message{msgB})
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)

	var abortErr *protocol.AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, uint8(1), abortErr.Party)
}

func TestCombineRejectsDuplicates(t *testing.T) {
	shares := generateShares(t, "combine-dup", 2, []uint8{0, 0, 0})
	pres := runSigning(t, "combine-dup", shares, []uint8{0, 1}, "m")

	hash := messageHash("duplicates")
	partial, _, err := pres[0].Finish(hash)
	require.NoError(t, err)
	_, msg, err := pres[1].Finish(hash)
	require.NoError(t, err)

	_, err = Combine(partial, []*protocol.Message{msg, msg})
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
}
