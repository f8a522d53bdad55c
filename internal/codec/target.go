package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// target accumulates an encoding. Writers append and never fail; the only
// panic is an int outside the 32-bit range, which indicates a caller bug.
type target struct {
	buffer []byte
}

// WriteOptional writes a presence flag followed, for a non-nil object, by the
// object itself.
func (t *target) WriteOptional(object MarshalerWithNilSupport) {
	if object == nil || object.IsNil() {
		t.WriteBool(false)
	} else {
		t.WriteBool(true)
		object.MarshalTo(t)
	}
}

func (t *target) WriteInt(value int) {
	if value > math.MaxInt32 || value < math.MinInt32 {
		panic(fmt.Sprintf("WriteInt called with value %d, which is out of range of int32", value))
	}
	t.buffer = binary.BigEndian.AppendUint32(t.buffer, uint32(value))
}

func (t *target) WriteUint8(value uint8) {
	t.buffer = append(t.buffer, value)
}

func (t *target) WriteBool(value bool) {
	if value {
		t.buffer = append(t.buffer, 1)
	} else {
		t.buffer = append(t.buffer, 0)
	}
}

func (t *target) WriteBytes(value []byte) {
	t.buffer = append(t.buffer, value...)
}

func (t *target) WriteString(value string) {
	t.WriteInt(len(value))
	t.buffer = append(t.buffer, value...)
}
