// Package ot implements the oblivious transfer stack underlying the pairwise multiplication
// protocol: an endemic base OT executed once per ordered party pair during key generation, and an
// all-but-one PPRF expansion whose outputs are stored in the keyshare and consumed by the
// SoftSpoken-style extension during signing.
package ot

import (
	"errors"

	"github.com/silencelabs/dkls23/internal/codec"
)

// errInconsistentExpansion is returned when a leaf binding hash does not match the reconstructed
// leaf. The caller attributes the failure to the sending party.
var errInconsistentExpansion = errors.New("inconsistent tree expansion")

const (
	// Kappa is the computational security parameter and the number of base OT instances per
	// ordered party pair. It equals the number of correlation rows of the extension.
	Kappa = 256

	// NumInstances is the number of PPRF trees per ordered party pair. Each tree consumes two
	// base OT instances and spans NumLeaves leaves.
	NumInstances = Kappa / 2

	// NumLeaves is the number of leaves of a single depth-2 PPRF tree.
	NumLeaves = 4

	// SeedSize is the byte length of all PPRF node and leaf seeds.
	SeedSize = 32
)

// SenderSeeds is the signing-time multiplication material of the party that acted as base OT
// sender towards a peer. The party knows every leaf of every tree; leaves are re-derived from the
// stored roots on demand.
type SenderSeeds struct {
	Roots [NumInstances][SeedSize]byte
}

// ReceiverSeeds is the signing-time multiplication material of the party that acted as base OT
// receiver towards a peer. For every tree the party knows all leaves except the punctured one.
type ReceiverSeeds struct {
	// Delta holds the punctured leaf index of each tree, in [0, NumLeaves).
	Delta [NumInstances]byte

	// Leaves holds the leaf seeds; the punctured entry of each tree is all zero.
	Leaves [NumInstances][NumLeaves][SeedSize]byte
}

var _ codec.Codec[*SenderSeeds] = &SenderSeeds{}
var _ codec.Codec[*ReceiverSeeds] = &ReceiverSeeds{}

func (s *SenderSeeds) IsNil() bool { return s == nil }

func (s *SenderSeeds) MarshalTo(target codec.Target) {
	for i := range s.Roots {
		target.WriteBytes(s.Roots[i][:])
	}
}

func (s *SenderSeeds) UnmarshalFrom(source codec.Source) *SenderSeeds {
	result := &SenderSeeds{}
	for i := range result.Roots {
		source.ReadBytesInto(result.Roots[i][:])
	}
	return result
}

// Zeroize overwrites all stored roots.
func (s *SenderSeeds) Zeroize() {
	for i := range s.Roots {
		zero(s.Roots[i][:])
	}
}

func (r *ReceiverSeeds) IsNil() bool { return r == nil }

func (r *ReceiverSeeds) MarshalTo(target codec.Target) {
	target.WriteBytes(r.Delta[:])
	for i := range r.Leaves {
		for x := range r.Leaves[i] {
			target.WriteBytes(r.Leaves[i][x][:])
		}
	}
}

func (r *ReceiverSeeds) UnmarshalFrom(source codec.Source) *ReceiverSeeds {
	result := &ReceiverSeeds{}
	source.ReadBytesInto(result.Delta[:])
	for i := range result.Delta {
		if result.Delta[i] >= NumLeaves {
			panic("punctured leaf index out of range")
		}
	}
	for i := range result.Leaves {
		for x := range result.Leaves[i] {
			source.ReadBytesInto(result.Leaves[i][x][:])
		}
	}
	return result
}

// Zeroize overwrites all stored leaf seeds.
func (r *ReceiverSeeds) Zeroize() {
	for i := range r.Leaves {
		for x := range r.Leaves[i] {
			zero(r.Leaves[i][x][:])
		}
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
