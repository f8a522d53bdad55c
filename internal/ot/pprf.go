package ot

import (
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/chacha20"

	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/xof"
)

// All-but-one PPRF expansion on top of the base OT seeds. The sender expands a random root into a
// depth-2 GGM tree per instance and transfers all leaves but one: per tree level, the XOR sums of
// the sibling nodes are masked under the base OT seeds of that level, so the receiver can unmask
// exactly the sums matching its base OT choice bits and reconstruct every leaf except the one
// indexed by the complement of its choices. Per-leaf binding hashes let the receiver detect an
// inconsistent expansion and attribute it to the sender.

const (
	dstPPRFMask = "dkls23/pprf/mask"
	dstPPRFLeaf = "dkls23/pprf/leaf"
)

// PPRFMsg carries the masked node sums and the leaf binding hashes of all trees.
type PPRFMsg struct {
	// Level1 and Level2 hold, per tree, the masked XOR sums selecting on the high and low bit
	// of the leaf index respectively.
	Level1 [NumInstances][2][SeedSize]byte
	Level2 [NumInstances][2][SeedSize]byte
	Tau    [NumInstances][NumLeaves][SeedSize]byte
}

var _ codec.Codec[*PPRFMsg] = &PPRFMsg{}

// ExpandSender derives a fresh tree per instance from the given randomness and produces the
// transfer message. Instance j consumes the base OT seed pairs 2j+1 (high bit) and 2j (low bit).
func ExpandSender(rand io.Reader, sessionID [32]byte, baseSeeds *[Kappa][2][SeedSize]byte) (*SenderSeeds, *PPRFMsg, error) {
	sender := &SenderSeeds{}
	msg := &PPRFMsg{}

	for j := 0; j < NumInstances; j++ {
		if _, err := io.ReadFull(rand, sender.Roots[j][:]); err != nil {
			return nil, nil, err
		}
		leaves := ExpandLeaves(&sender.Roots[j])
		n0, n1 := expandNode(&sender.Roots[j])

		for b := 0; b < 2; b++ {
			mask1 := maskPad(sessionID, j, 1, b, &baseSeeds[2*j+1][b])
			mask2 := maskPad(sessionID, j, 2, b, &baseSeeds[2*j][b])

			var level1 [SeedSize]byte
			if b == 0 {
				level1 = n0
			} else {
				level1 = n1
			}
			xorInto(msg.Level1[j][b][:], level1[:], mask1[:])

			// XOR of the two leaves whose low index bit equals b.
			var level2 [SeedSize]byte
			xorInto(level2[:], leaves[b][:], leaves[2+b][:])
			xorInto(msg.Level2[j][b][:], level2[:], mask2[:])
		}

		for x := 0; x < NumLeaves; x++ {
			msg.Tau[j][x] = leafHash(sessionID, j, x, &leaves[x])
		}
	}
	return sender, msg, nil
}

// ProcessPPRFMsg reconstructs, per instance, all leaves except the punctured one and verifies the
// leaf binding hashes. An error indicates an inconsistent expansion by the sender.
func ProcessPPRFMsg(sessionID [32]byte, choices [Kappa / 8]byte, baseSeeds *[Kappa][SeedSize]byte, msg *PPRFMsg) (*ReceiverSeeds, error) {
	receiver := &ReceiverSeeds{}

	for j := 0; j < NumInstances; j++ {
		c0 := int(bit(choices[:], 2*j))
		c1 := int(bit(choices[:], 2*j+1))

		mask1 := maskPad(sessionID, j, 1, c1, &baseSeeds[2*j+1])
		mask2 := maskPad(sessionID, j, 2, c0, &baseSeeds[2*j])

		// Unmask the known level-1 node and expand it into its two leaves.
		var known [SeedSize]byte
		xorInto(known[:], msg.Level1[j][c1][:], mask1[:])
		l0, l1 := expandNode(&known)
		receiver.Leaves[j][2*c1] = l0
		receiver.Leaves[j][2*c1+1] = l1

		// Recover the sibling branch leaf with the known low index bit.
		var k2 [SeedSize]byte
		xorInto(k2[:], msg.Level2[j][c0][:], mask2[:])
		missing := 1 - c1
		xorInto(receiver.Leaves[j][2*missing+c0][:], k2[:], receiver.Leaves[j][2*c1+c0][:])

		punctured := 2*missing + (1 - c0)
		receiver.Delta[j] = byte(punctured)

		for x := 0; x < NumLeaves; x++ {
			if x == punctured {
				continue
			}
			tau := leafHash(sessionID, j, x, &receiver.Leaves[j][x])
			if subtle.ConstantTimeCompare(tau[:], msg.Tau[j][x][:]) != 1 {
				return nil, errInconsistentExpansion
			}
		}
	}
	return receiver, nil
}

// ExpandLeaves re-derives the four leaves of a tree from its root.
func ExpandLeaves(root *[SeedSize]byte) [NumLeaves][SeedSize]byte {
	var leaves [NumLeaves][SeedSize]byte
	n0, n1 := expandNode(root)
	leaves[0], leaves[1] = expandNode(&n0)
	leaves[2], leaves[3] = expandNode(&n1)
	return leaves
}

// expandNode derives the two children of a GGM node using the ChaCha20 keystream under the node
// seed.
func expandNode(node *[SeedSize]byte) ([SeedSize]byte, [SeedSize]byte) {
	var nonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(node[:], nonce[:])
	if err != nil {
		panic("chacha20 initialization failed: " + err.Error())
	}
	var stream [2 * SeedSize]byte
	cipher.XORKeyStream(stream[:], stream[:])

	var left, right [SeedSize]byte
	copy(left[:], stream[:SeedSize])
	copy(right[:], stream[SeedSize:])
	return left, right
}

func maskPad(sessionID [32]byte, instance, level, branch int, seed *[SeedSize]byte) [SeedSize]byte {
	h := xof.New(dstPPRFMask)
	h.WriteBytes(sessionID[:])
	h.WriteInt(instance)
	h.WriteInt(level)
	h.WriteInt(branch)
	h.WriteBytes(seed[:])
	return h.Digest32()
}

func leafHash(sessionID [32]byte, instance, leaf int, seed *[SeedSize]byte) [SeedSize]byte {
	h := xof.New(dstPPRFLeaf)
	h.WriteBytes(sessionID[:])
	h.WriteInt(instance)
	h.WriteInt(leaf)
	h.WriteBytes(seed[:])
	return h.Digest32()
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func (m *PPRFMsg) IsNil() bool { return m == nil }

func (m *PPRFMsg) MarshalTo(target codec.Target) {
	for j := range m.Level1 {
		target.WriteBytes(m.Level1[j][0][:])
		target.WriteBytes(m.Level1[j][1][:])
		target.WriteBytes(m.Level2[j][0][:])
		target.WriteBytes(m.Level2[j][1][:])
		for x := range m.Tau[j] {
			target.WriteBytes(m.Tau[j][x][:])
		}
	}
}

func (m *PPRFMsg) UnmarshalFrom(source codec.Source) *PPRFMsg {
	result := &PPRFMsg{}
	for j := range result.Level1 {
		source.ReadBytesInto(result.Level1[j][0][:])
		source.ReadBytesInto(result.Level1[j][1][:])
		source.ReadBytesInto(result.Level2[j][0][:])
		source.ReadBytesInto(result.Level2[j][1][:])
		for x := range result.Tau[j] {
			source.ReadBytesInto(result.Tau[j][x][:])
		}
	}
	return result
}
