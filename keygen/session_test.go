package keygen

import (
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/testutil"
	"github.com/silencelabs/dkls23/protocol"
)

// runSessions drives a set of sessions through all five rounds, routing every produced message,
// and collects the resulting keyshares.
func runSessions(t *testing.T, seed string, sessions map[uint8]*Session) map[uint8]*Keyshare {
	t.Helper()

	var ids []uint8
	rands := make(map[uint8]io.Reader, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
		rands[id] = testutil.Rand(fmt.Sprintf("%s/party-%d", seed, id))
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

	shares := make(map[uint8]*Keyshare, len(ids))
	for _, id := range ids {
		share, err := sessions[id].Keyshare()
		require.NoError(t, err)
		require.Equal(t, id, share.PartyID)
		shares[id] = share
	}
	return shares
}

func freshSessions(t *testing.T, threshold uint8, ranks []uint8) map[uint8]*Session {
	t.Helper()
	sessions := make(map[uint8]*Session, len(ranks))
	for id := range ranks {
		s, err := NewSession(threshold, uint8(id), ranks, nil)
		require.NoError(t, err)
		sessions[uint8(id)] = s
	}
	return sessions
}

// reconstruct interpolates the secret from the given subset of shares and checks it against the
// shared public key.
func reconstruct(t *testing.T, shares map[uint8]*Keyshare, subset []uint8) {
	t.Helper()

	var xs math.Scalars
	var rks []uint8
	for _, id := range subset {
		xs = append(xs, shares[id].XIList[id])
		rks = append(rks, shares[id].RankList[id])
	}
	coeffs, err := math.BirkhoffCoeffs(xs, rks)
	require.NoError(t, err)

	secret := math.NewScalar()
	for i, id := range subset {
		secret.Add(coeffs[i].Clone().Multiply(shares[id].SecretShare))
	}
	require.True(t, math.NewPoint().ScalarBaseMult(secret).Equal(shares[subset[0]].PublicKey))
}

func checkConsistency(t *testing.T, shares map[uint8]*Keyshare) {
	t.Helper()

	var first *Keyshare
	for _, share := range shares {
		if first == nil {
			first = share
			continue
		}
		require.True(t, share.PublicKey.Equal(first.PublicKey))
		require.Equal(t, first.RootChainCode, share.RootChainCode)
		require.Equal(t, first.FinalSessionID, share.FinalSessionID)
		for id := range shares {
			require.True(t, share.BigSList[id].Equal(first.BigSList[id]))
		}
	}
	for id, share := range shares {
		require.True(t, math.NewPoint().ScalarBaseMult(share.SecretShare).Equal(share.BigSList[id]))
	}
}

func TestKeygen(t *testing.T) {
	cases := []struct {
		name      string
		threshold uint8
		ranks     []uint8
		subsets   [][]uint8
	}{
		{"2of2", 2, []uint8{0, 0}, [][]uint8{{0, 1}}},
		{"2of3", 2, []uint8{0, 0, 0}, [][]uint8{{0, 1}, {1, 2}, {0, 2}}},
		{"3of5", 3, []uint8{0, 0, 0, 0, 0}, [][]uint8{{0, 1, 2}, {2, 3, 4}, {0, 2, 4}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shares := runSessions(t, "keygen-"+tc.name, freshSessions(t, tc.threshold, tc.ranks))
			checkConsistency(t, shares)
			for _, subset := range tc.subsets {
				reconstruct(t, shares, subset)
			}
		})
	}
}

func TestKeygenWithRanks(t *testing.T) {
	shares := runSessions(t, "keygen-ranks", freshSessions(t, 2, []uint8{0, 1, 1}))
	checkConsistency(t, shares)

	// any subset containing the rank zero party recovers the key
	reconstruct(t, shares, []uint8{0, 1})
	reconstruct(t, shares, []uint8{0, 2})
}

func TestSessionParameterValidation(t *testing.T) {
	_, err := NewSession(2, 0, []uint8{0}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	_, err = NewSession(4, 0, []uint8{0, 0, 0}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	_, err = NewSession(2, 3, []uint8{0, 0, 0}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	// a rank at or above the threshold makes the share unusable
	_, err = NewSession(2, 0, []uint8{0, 2, 0}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)
}

func TestRotationPreservesKey(t *testing.T) {
	old := runSessions(t, "rotation-initial", freshSessions(t, 2, []uint8{0, 0, 0}))

	sessions := make(map[uint8]*Session, len(old))
	for id, share := range old {
		s, err := NewRotationSession(share, nil)
		require.NoError(t, err)
		sessions[id] = s
	}
	fresh := runSessions(t, "rotation-redeal", sessions)
	checkConsistency(t, fresh)

	for id := range fresh {
		require.True(t, fresh[id].PublicKey.Equal(old[id].PublicKey))
		require.Equal(t, old[id].RootChainCode, fresh[id].RootChainCode)
		require.NotEqual(t, old[id].FinalSessionID, fresh[id].FinalSessionID)
		require.False(t, fresh[id].SecretShare.Equal(old[id].SecretShare))
	}
	reconstruct(t, fresh, []uint8{0, 1})
	reconstruct(t, fresh, []uint8{1, 2})
}

func TestLostShareRecovery(t *testing.T) {
	old := runSessions(t, "recovery-initial", freshSessions(t, 2, []uint8{0, 0, 0}))
	publicKey := old[0].PublicKey
	lost := []uint8{1}

	sessions := make(map[uint8]*Session, len(old))
	for _, id := range []uint8{0, 2} {
		s, err := NewRecoverySession(old[id], lost, nil)
		require.NoError(t, err)
		sessions[id] = s
	}
	lostSession, err := NewLostShareSession(2, 1, []uint8{0, 0, 0}, publicKey, lost, nil)
	require.NoError(t, err)
	sessions[1] = lostSession

	fresh := runSessions(t, "recovery-redeal", sessions)
	checkConsistency(t, fresh)

	require.True(t, fresh[1].PublicKey.Equal(publicKey))
	require.Equal(t, old[0].RootChainCode, fresh[1].RootChainCode)
	reconstruct(t, fresh, []uint8{0, 1})
	reconstruct(t, fresh, []uint8{1, 2})
}

func TestRecoverySessionValidation(t *testing.T) {
	shares := runSessions(t, "recovery-validation", freshSessions(t, 2, []uint8{0, 0, 0}))

	_, err := NewRecoverySession(nil, nil, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidKey)

	// a party cannot both hold a share and be listed as lost
	_, err = NewRecoverySession(shares[0], []uint8{0}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	// losing two of three parties leaves fewer than threshold survivors
	_, err = NewRecoverySession(shares[0], []uint8{1, 2}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	_, err = NewLostShareSession(2, 1, []uint8{0, 0, 0}, shares[0].PublicKey, nil, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	_, err = NewLostShareSession(2, 1, []uint8{0, 0, 0}, math.NewPoint(), []uint8{1}, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidKey)
}

func TestKeyshareSerialization(t *testing.T) {
	shares := runSessions(t, "keyshare-serde", freshSessions(t, 2, []uint8{0, 0}))
	share := shares[0]

	data, err := share.Bytes()
	require.NoError(t, err)

	decoded, err := FromBytes(data)
	require.NoError(t, err)
	require.Equal(t, share.TotalParties, decoded.TotalParties)
	require.Equal(t, share.Threshold, decoded.Threshold)
	require.Equal(t, share.PartyID, decoded.PartyID)
	require.Equal(t, share.FinalSessionID, decoded.FinalSessionID)
	require.True(t, decoded.PublicKey.Equal(share.PublicKey))
	require.True(t, decoded.SecretShare.Equal(share.SecretShare))

	reencoded, err := decoded.Bytes()
	require.NoError(t, err)
	require.Equal(t, data, reencoded)

	_, err = FromBytes(nil)
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	_, err = FromBytes(data[:len(data)/2])
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	_, err = FromBytes(append([]byte("XX"), data[2:]...))
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestSessionSnapshotResume(t *testing.T) {
	sessions := freshSessions(t, 2, []uint8{0, 0, 0})
	ids := []uint8{0, 1, 2}
	rands := make(map[uint8]io.Reader, len(ids))
	for _, id := range ids {
		rands[id] = testutil.Rand(fmt.Sprintf("snapshot/party-%d", id))
	}

	inboxes := testutil.Inboxes(ids)
	for _, id := range ids {
		msg, err := sessions[id].CreateFirstMessage(rands[id])
		require.NoError(t, err)
		testutil.Route(inboxes, []*protocol.Message{msg})
	}

	for round := 1; round <= 4; round++ {
		// persist party 0 between rounds and continue from the restored state
		data, err := sessions[0].Bytes()
		require.NoError(t, err)
		restored, err := SessionFromBytes(data, nil)
		require.NoError(t, err)
		sessions[0] = restored

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

	shares := make(map[uint8]*Keyshare, len(ids))
	for _, id := range ids {
		share, err := sessions[id].Keyshare()
		require.NoError(t, err)
		shares[id] = share
	}
	checkConsistency(t, shares)
	reconstruct(t, shares, []uint8{0, 1})
	reconstruct(t, shares, []uint8{0, 2})
}

func TestSessionSnapshotValidation(t *testing.T) {
	sessions := freshSessions(t, 2, []uint8{0, 0})
	data, err := sessions[0].Bytes()
	require.NoError(t, err)

	_, err = SessionFromBytes(nil, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	_, err = SessionFromBytes(data[:len(data)/2], nil)
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	_, err = SessionFromBytes(append([]byte("XX"), data[2:]...), nil)
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	_, err = SessionFromBytes(append(append([]byte(nil), data...), 0x00), nil)
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestChainCodeCommitmentAvailability(t *testing.T) {
	sessions := freshSessions(t, 2, []uint8{0, 0})
	ids := []uint8{0, 1}
	rands := make(map[uint8]io.Reader, len(ids))
	for _, id := range ids {
		rands[id] = testutil.Rand(fmt.Sprintf("cc-commitment/party-%d", id))
	}

	_, err := sessions[0].ChainCodeCommitment()
	require.ErrorIs(t, err, protocol.ErrInvalidState)

	inboxes := testutil.Inboxes(ids)
	for _, id := range ids {
		msg, err := sessions[id].CreateFirstMessage(rands[id])
		require.NoError(t, err)
		testutil.Route(inboxes, []*protocol.Message{msg})
	}
	for _, id := range ids {
		_, err := sessions[id].HandleMessages(rands[id], inboxes[id])
		require.NoError(t, err)
	}

	commitment, err := sessions[0].ChainCodeCommitment()
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, commitment)

	// the commitment survives a snapshot round trip
	data, err := sessions[0].Bytes()
	require.NoError(t, err)
	restored, err := SessionFromBytes(data, nil)
	require.NoError(t, err)
	restoredCommitment, err := restored.ChainCodeCommitment()
	require.NoError(t, err)
	require.Equal(t, commitment, restoredCommitment)
}

func TestMissingMessagesRejected(t *testing.T) {
	sessions := freshSessions(t, 2, []uint8{0, 0, 0})
	rand := testutil.Rand("missing-messages")
	_, err := sessions[0].CreateFirstMessage(rand)
	require.NoError(t, err)

	_, err = sessions[0].HandleMessages(rand, nil)
	require.ErrorIs(t, err, protocol.ErrMissingMessage)

	// the failure invalidates the session
	_, err = sessions[0].HandleMessages(rand, nil)
	require.ErrorIs(t, err, protocol.ErrInvalidState)
}

func TestTamperedOpeningBansDealer(t *testing.T) {
	sessions := freshSessions(t, 2, []uint8{0, 0, 0})
	ids := []uint8{0, 1, 2}
	rands := make(map[uint8]io.Reader, len(ids))
	for _, id := range ids {
		rands[id] = testutil.Rand(fmt.Sprintf("tampered-opening/party-%d", id))
	}

	inboxes := testutil.Inboxes(ids)
	for _, id := range ids {
		msg, err := sessions[id].CreateFirstMessage(rands[id])
		require.NoError(t, err)
		testutil.Route(inboxes, []*protocol.Message{msg})
	}

	outs := make(map[uint8][]*protocol.Message, len(ids))
	for _, id := range ids {
		out, err := sessions[id].HandleMessages(rands[id], inboxes[id])
		require.NoError(t, err)
		outs[id] = out
	}
	inboxes = testutil.Inboxes(ids)
	for _, id := range ids {
		testutil.Route(inboxes, outs[id])
	}

	// flip a bit of the blind factor in party 0's opening towards party 1
	for _, msg := range inboxes[1] {
		if msg.From == 0 {
			msg.Payload[4+2*math.PointSize] ^= 0x01
		}
	}

	_, err := sessions[1].HandleMessages(rands[1], inboxes[1])
	require.ErrorIs(t, err, protocol.ErrInvalidCommitment)

	var abortErr *protocol.AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, uint8(0), abortErr.Party)
}
