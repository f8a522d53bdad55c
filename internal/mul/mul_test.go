package mul

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/ot"
	"github.com/silencelabs/dkls23/internal/testutil"
	"github.com/silencelabs/dkls23/internal/xof"
)

// setupSeeds runs the full base OT and tree expansion to produce matching multiplication seed
// material for a party pair.
func setupSeeds(t *testing.T, rand io.Reader) (*ot.SenderSeeds, *ot.ReceiverSeeds) {
	t.Helper()

	sessionID := xof.New("test/mul-setup").Digest32()
	var choices [ot.Kappa / 8]byte
	_, err := io.ReadFull(rand, choices[:])
	require.NoError(t, err)

	baseReceiver, msg1, err := ot.NewBaseReceiver(rand, sessionID, choices)
	require.NoError(t, err)
	msg2, senderBaseSeeds, err := ot.ProcessBaseReceiverMsg(rand, sessionID, msg1)
	require.NoError(t, err)
	receiverBaseSeeds, err := baseReceiver.ProcessBaseSenderMsg(msg2)
	require.NoError(t, err)
	senderSeeds, msg3, err := ot.ExpandSender(rand, sessionID, senderBaseSeeds)
	require.NoError(t, err)
	receiverSeeds, err := ot.ProcessPPRFMsg(sessionID, choices, receiverBaseSeeds, msg3)
	require.NoError(t, err)

	return senderSeeds, receiverSeeds
}

func TestMultiplicationShares(t *testing.T) {
	rand := testutil.Rand("mul-e2e")
	fullTrees, puncturedTrees := setupSeeds(t, rand)

	chi, err := math.NewScalar().SetRandom(rand)
	require.NoError(t, err)
	var inputs [NumInputs]math.Scalar
	for l := range inputs {
		inputs[l], err = math.NewScalar().SetRandom(rand)
		require.NoError(t, err)
	}

	mulSession := xof.New("test/mul-session").Digest32()
	receiver, round1 := NewReceiver(mulSession, fullTrees, chi)

	round2, alpha, err := SenderProcess(mulSession, puncturedTrees, round1, &inputs)
	require.NoError(t, err)

	beta := receiver.Process(round2)

	for l := 0; l < NumInputs; l++ {
		product := inputs[l].Clone().Multiply(chi)
		require.True(t, alpha[l].Clone().Add(beta[l]).Equal(product), "input slot %d", l)
	}
}

func TestFreshSessionsGiveFreshShares(t *testing.T) {
	rand := testutil.Rand("mul-fresh")
	fullTrees, puncturedTrees := setupSeeds(t, rand)

	chi, err := math.NewScalar().SetRandom(rand)
	require.NoError(t, err)
	inputs := [NumInputs]math.Scalar{math.NewScalarFromUint(3), math.NewScalarFromUint(5)}

	sidA := xof.New("test/mul-session-a").Digest32()
	sidB := xof.New("test/mul-session-b").Digest32()

	_, round1A := NewReceiver(sidA, fullTrees, chi)
	_, alphaA, err := SenderProcess(sidA, puncturedTrees, round1A, &inputs)
	require.NoError(t, err)

	_, round1B := NewReceiver(sidB, fullTrees, chi)
	_, alphaB, err := SenderProcess(sidB, puncturedTrees, round1B, &inputs)
	require.NoError(t, err)

	require.False(t, alphaA[0].Equal(alphaB[0]))
}

func TestSessionMismatchBreaksCorrelation(t *testing.T) {
	rand := testutil.Rand("mul-mismatch")
	fullTrees, puncturedTrees := setupSeeds(t, rand)

	chi, err := math.NewScalar().SetRandom(rand)
	require.NoError(t, err)
	inputs := [NumInputs]math.Scalar{math.NewScalarFromUint(7), math.NewScalarFromUint(11)}

	sidA := xof.New("test/mul-session-a").Digest32()
	sidB := xof.New("test/mul-session-b").Digest32()

	receiver, round1 := NewReceiver(sidA, fullTrees, chi.Clone())
	round2, alpha, err := SenderProcess(sidB, puncturedTrees, round1, &inputs)
	require.NoError(t, err)
	beta := receiver.Process(round2)

	product := inputs[0].Clone().Multiply(chi)
	require.False(t, alpha[0].Clone().Add(beta[0]).Equal(product))
}
