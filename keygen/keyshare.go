package keygen

import (
	"fmt"

	"github.com/silencelabs/dkls23/internal/codec"
	"github.com/silencelabs/dkls23/internal/math"
	"github.com/silencelabs/dkls23/internal/ot"
	"github.com/silencelabs/dkls23/protocol"
)

// Keyshare is one party's share of a distributed key, produced by a completed key generation,
// rotation or recovery session. It contains the secret share, the public verification material of
// all parties, and the pairwise seed material consumed by signing sessions.
type Keyshare struct {
	TotalParties uint8
	Threshold    uint8
	PartyID      uint8
	RankList     []uint8

	FinalSessionID [32]byte
	PublicKey      math.Point
	RootChainCode  [32]byte

	SecretShare math.Scalar
	BigSList    math.Points  // per-party public share values, indexed by party id
	XIList      math.Scalars // per-party evaluation points, indexed by party id

	// Pairwise multiplication seed material, indexed by PeerIndex.
	SeedOTReceivers []*ot.ReceiverSeeds
	SeedOTSenders   []*ot.SenderSeeds

	// Pairwise masking seeds. SentSeeds[k] is shared with party PartyID+1+k, ReceivedSeeds[k]
	// with party k.
	SentSeeds     [][32]byte
	ReceivedSeeds [][32]byte
}

const keyshareMagic = "DKLSv1ks"

// PeerIndex maps a peer's party id to its dense index in the pairwise seed slices.
func (k *Keyshare) PeerIndex(peer uint8) int {
	if peer > k.PartyID {
		return int(peer) - 1
	}
	return int(peer)
}

// SharedSeed returns the pairwise masking seed shared with the given peer.
func (k *Keyshare) SharedSeed(peer uint8) [32]byte {
	if peer > k.PartyID {
		return k.SentSeeds[int(peer)-int(k.PartyID)-1]
	}
	return k.ReceivedSeeds[int(peer)]
}

// Clone returns an independent deep copy of the keyshare. Clones carry their own secret material
// and are zeroized separately.
func (k *Keyshare) Clone() *Keyshare {
	c := &Keyshare{
		TotalParties:    k.TotalParties,
		Threshold:       k.Threshold,
		PartyID:         k.PartyID,
		RankList:        append([]uint8(nil), k.RankList...),
		FinalSessionID:  k.FinalSessionID,
		PublicKey:       k.PublicKey.Clone(),
		RootChainCode:   k.RootChainCode,
		SecretShare:     k.SecretShare.Clone(),
		BigSList:        make(math.Points, len(k.BigSList)),
		XIList:          make(math.Scalars, len(k.XIList)),
		SeedOTReceivers: make([]*ot.ReceiverSeeds, len(k.SeedOTReceivers)),
		SeedOTSenders:   make([]*ot.SenderSeeds, len(k.SeedOTSenders)),
		SentSeeds:       append([][32]byte(nil), k.SentSeeds...),
		ReceivedSeeds:   append([][32]byte(nil), k.ReceivedSeeds...),
	}
	for i, p := range k.BigSList {
		c.BigSList[i] = p.Clone()
	}
	for i, x := range k.XIList {
		c.XIList[i] = x.Clone()
	}
	for i, s := range k.SeedOTReceivers {
		seeds := *s
		c.SeedOTReceivers[i] = &seeds
	}
	for i, s := range k.SeedOTSenders {
		seeds := *s
		c.SeedOTSenders[i] = &seeds
	}
	return c
}

// Zeroize overwrites the share's secret material.
func (k *Keyshare) Zeroize() {
	if k.SecretShare != nil {
		k.SecretShare.Zeroize()
	}
	for _, s := range k.SeedOTReceivers {
		s.Zeroize()
	}
	for _, s := range k.SeedOTSenders {
		s.Zeroize()
	}
	for i := range k.SentSeeds {
		for j := range k.SentSeeds[i] {
			k.SentSeeds[i][j] = 0
		}
	}
	for i := range k.ReceivedSeeds {
		for j := range k.ReceivedSeeds[i] {
			k.ReceivedSeeds[i][j] = 0
		}
	}
}

var _ codec.Marshaler = &Keyshare{}

// Bytes returns the canonical serialization of the keyshare. The encoding starts with a magic
// string and is rejected on any structural mismatch by FromBytes.
func (k *Keyshare) Bytes() ([]byte, error) {
	return codec.Marshal(k)
}

// FromBytes decodes a keyshare produced by Bytes.
func FromBytes(data []byte) (*Keyshare, error) {
	share, err := codec.UnmarshalUsing(data, unmarshalKeyshare)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, protocol.ErrInvalidMessage)
	}
	return share, nil
}

func (k *Keyshare) MarshalTo(target codec.Target) {
	target.WriteString(keyshareMagic)
	target.WriteUint8(k.TotalParties)
	target.WriteUint8(k.Threshold)
	target.WriteUint8(k.PartyID)
	for _, rank := range k.RankList {
		target.WriteUint8(rank)
	}
	target.WriteBytes(k.FinalSessionID[:])
	k.PublicKey.MarshalTo(target)
	target.WriteBytes(k.RootChainCode[:])
	k.SecretShare.MarshalTo(target)
	k.BigSList.MarshalTo(target)
	k.XIList.MarshalTo(target)
	for _, s := range k.SeedOTReceivers {
		s.MarshalTo(target)
	}
	for _, s := range k.SeedOTSenders {
		s.MarshalTo(target)
	}
	for i := range k.SentSeeds {
		target.WriteBytes(k.SentSeeds[i][:])
	}
	for i := range k.ReceivedSeeds {
		target.WriteBytes(k.ReceivedSeeds[i][:])
	}
}

func unmarshalKeyshare(source codec.Source) *Keyshare {
	if source.ReadString() != keyshareMagic {
		panic("not a keyshare encoding")
	}
	k := &Keyshare{}
	k.TotalParties = source.ReadUint8()
	k.Threshold = source.ReadUint8()
	k.PartyID = source.ReadUint8()

	n := int(k.TotalParties)
	if n < 2 || int(k.Threshold) < 2 || int(k.Threshold) > n || int(k.PartyID) >= n {
		panic("inconsistent keyshare parameters")
	}

	k.RankList = make([]uint8, n)
	for i := range k.RankList {
		k.RankList[i] = source.ReadUint8()
	}
	source.ReadBytesInto(k.FinalSessionID[:])
	k.PublicKey = math.NewPoint().UnmarshalFrom(source)
	if k.PublicKey.IsIdentity() {
		panic("keyshare public key is the identity")
	}
	source.ReadBytesInto(k.RootChainCode[:])
	k.SecretShare = math.NewScalar().UnmarshalFrom(source)

	k.BigSList = make(math.Points, n)
	for i := range k.BigSList {
		k.BigSList[i] = math.NewPoint().UnmarshalFrom(source)
	}
	k.XIList = make(math.Scalars, n)
	for i := range k.XIList {
		k.XIList[i] = math.NewScalar().UnmarshalFrom(source)
	}

	k.SeedOTReceivers = make([]*ot.ReceiverSeeds, n-1)
	for i := range k.SeedOTReceivers {
		k.SeedOTReceivers[i] = (&ot.ReceiverSeeds{}).UnmarshalFrom(source)
	}
	k.SeedOTSenders = make([]*ot.SenderSeeds, n-1)
	for i := range k.SeedOTSenders {
		k.SeedOTSenders[i] = (&ot.SenderSeeds{}).UnmarshalFrom(source)
	}

	k.SentSeeds = make([][32]byte, n-1-int(k.PartyID))
	for i := range k.SentSeeds {
		source.ReadBytesInto(k.SentSeeds[i][:])
	}
	k.ReceivedSeeds = make([][32]byte, int(k.PartyID))
	for i := range k.ReceivedSeeds {
		source.ReadBytesInto(k.ReceivedSeeds[i][:])
	}
	return k
}
