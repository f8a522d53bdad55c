package math

import (
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// HashToScalar derives a scalar from the given XOF stream by rejection sampling. The stream is
// read in 32-byte candidates until one below the group order is found, so the result is
// deterministic for a fixed stream.
func HashToScalar(stream io.Reader) Scalar {
	s := NewScalar()
	if _, err := s.SetRandom(stream); err != nil {
		panic("xof stream read failed: " + err.Error())
	}
	return s
}

// HashToPoint derives a curve point with unknown discrete logarithm from the given XOF stream.
// Candidate x-coordinates are read from the stream until one on the curve is found; the parity of
// an additional stream byte selects the y-coordinate. Deterministic for a fixed stream.
func HashToPoint(stream io.Reader) Point {
	var b [PointSize + 1]byte
	for {
		if _, err := io.ReadFull(stream, b[:]); err != nil {
			panic("xof stream read failed: " + err.Error())
		}
		candidate := b[:PointSize]
		candidate[0] = 0x02 | (b[PointSize] & 1)
		if pub, err := secp256k1.ParsePubKey(candidate); err == nil {
			p := NewPoint()
			pub.AsJacobian(&p.value)
			return p
		}
	}
}
