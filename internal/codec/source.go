package codec

import (
	"encoding/binary"
	"fmt"
)

// source consumes an encoding from the front of its buffer. Readers panic on
// exhausted input or non-canonical values; UnmarshalUsing recovers the panic
// into an error.
type source struct {
	buffer []byte
}

// Available returns the number of unread bytes.
func (s *source) Available() int {
	return len(s.buffer)
}

// ReadInt reads a big-endian 32-bit signed integer.
func (s *source) ReadInt() int {
	if len(s.buffer) < IntSize {
		panic(fmt.Sprintf("ReadInt called, %d bytes required, but only %d bytes available", IntSize, len(s.buffer)))
	}
	value := int(int32(binary.BigEndian.Uint32(s.buffer)))
	s.buffer = s.buffer[IntSize:]
	return value
}

// ReadUint8 reads a single byte.
func (s *source) ReadUint8() uint8 {
	if len(s.buffer) < 1 {
		panic("ReadUint8 called on empty source buffer")
	}
	value := s.buffer[0]
	s.buffer = s.buffer[1:]
	return value
}

// ReadBool reads a boolean. Only 0x00 and 0x01 are accepted, so boolean
// encodings stay canonical.
func (s *source) ReadBool() bool {
	switch s.ReadUint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		panic("ReadBool call failed, invalid boolean encoding")
	}
}

// ReadBytes reads length bytes and returns them as a slice of the source's
// buffer without copying. The capacity is clipped so an append by the caller
// cannot overwrite unread input.
func (s *source) ReadBytes(length int) []byte {
	if len(s.buffer) < length {
		panic(fmt.Sprintf("ReadBytes called with length %d, but only %d bytes available", length, len(s.buffer)))
	}
	value := s.buffer[:length:length]
	s.buffer = s.buffer[length:]
	return value
}

// ReadBytesInto fills the provided buffer from the source.
func (s *source) ReadBytesInto(buffer []byte) {
	if len(s.buffer) < len(buffer) {
		panic(fmt.Sprintf("ReadBytesInto called with buffer length %d, but only %d bytes available", len(buffer), len(s.buffer)))
	}
	copy(buffer, s.buffer[:len(buffer)])
	s.buffer = s.buffer[len(buffer):]
}

// ReadString reads a length-prefixed string.
func (s *source) ReadString() string {
	length := s.ReadInt()
	if length < 0 {
		panic("ReadString call failed, negative length field")
	}
	if len(s.buffer) < length {
		panic(fmt.Sprintf("ReadString call failed, requested %d bytes, but only %d bytes available", length, len(s.buffer)))
	}

	value := string(s.buffer[:length])
	s.buffer = s.buffer[length:]
	return value
}
