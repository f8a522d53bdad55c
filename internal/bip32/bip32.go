// Package bip32 implements non-hardened BIP32 public key derivation as an additive offset. A
// threshold key never exists in one place, so derivation is expressed as the tweak Σ tᵢ added to
// the distributed secret rather than as child private keys. Hardened derivation requires the
// parent private key and is therefore not supported.
package bip32

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/silencelabs/dkls23/internal/math"
)

const hardenedBit = 1 << 31

// DeriveChild computes the additive tweak and child chain code for one non-hardened derivation
// step. An error is returned for hardened indices and for the (negligibly likely) invalid tweak
// values the derivation function can produce.
func DeriveChild(parent math.Point, chainCode [32]byte, index uint32) (tweak math.Scalar, childChainCode [32]byte, err error) {
	if index >= hardenedBit {
		return nil, childChainCode, fmt.Errorf("hardened derivation index %d not supported", index)
	}

	mac := hmac.New(sha512.New, chainCode[:])
	mac.Write(parent.Bytes())
	_ = binary.Write(mac, binary.BigEndian, index)
	i := mac.Sum(nil)

	tweak, err = math.NewScalar().SetBytes(i[:32])
	if err != nil {
		return nil, childChainCode, fmt.Errorf("derived tweak out of range for index %d", index)
	}
	if math.NewPoint().ScalarBaseMult(tweak).Clone().Add(parent).IsIdentity() {
		return nil, childChainCode, fmt.Errorf("derived child key is invalid for index %d", index)
	}
	copy(childChainCode[:], i[32:])
	return tweak, childChainCode, nil
}

// DerivePath walks a full derivation path, returning the accumulated additive offset and the
// derived child public key. The path must start with "m"; an empty remainder ("m") yields a zero
// offset and the parent key unchanged.
func DerivePath(parent math.Point, chainCode [32]byte, path string) (offset math.Scalar, child math.Point, err error) {
	indices, err := ParsePath(path)
	if err != nil {
		return nil, nil, err
	}

	offset = math.NewScalar()
	child = parent.Clone()
	cc := chainCode
	for _, index := range indices {
		var tweak math.Scalar
		tweak, cc, err = DeriveChild(child, cc, index)
		if err != nil {
			return nil, nil, err
		}
		offset.Add(tweak)
		child.Add(math.NewPoint().ScalarBaseMult(tweak))
		if child.IsIdentity() {
			return nil, nil, fmt.Errorf("derived child key is the identity")
		}
	}
	return offset, child, nil
}

// ParsePath parses a derivation path of the form "m", "m/0/1", ... into its child indices.
// Hardened components ("0'" or "0h") are rejected.
func ParsePath(path string) ([]uint32, error) {
	components := strings.Split(path, "/")
	if components[0] != "m" {
		return nil, fmt.Errorf("derivation path must start with \"m\": %q", path)
	}
	indices := make([]uint32, 0, len(components)-1)
	for _, c := range components[1:] {
		if strings.HasSuffix(c, "'") || strings.HasSuffix(c, "h") || strings.HasSuffix(c, "H") {
			return nil, fmt.Errorf("hardened path component %q not supported", c)
		}
		index, err := strconv.ParseUint(c, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid path component %q: %w", c, err)
		}
		if index >= hardenedBit {
			return nil, fmt.Errorf("path component %q out of range", c)
		}
		indices = append(indices, uint32(index))
	}
	return indices, nil
}
