// Package codec implements the canonical byte encoding used for wire message
// bodies, keyshares, pre-signatures and session snapshots. Values marshal
// field by field into a growing buffer and unmarshal by consuming it in the
// same order; there is no reflection and no self-description, so both sides
// must agree on the field layout. Malformed input makes the reading side
// panic; the package entry points recover the panic into an error and reject
// any unconsumed trailing bytes.
package codec

import "fmt"

const IntSize = 4

type Marshaler interface {
	MarshalTo(target Target)
}

type MarshalerWithNilSupport interface {
	Marshaler

	// IsNil reports whether the object is nil.
	IsNil() bool
}

type Unmarshaler[T any] interface {
	UnmarshalFrom(source Source) T
}

type Codec[T any] interface {
	MarshalerWithNilSupport
	Unmarshaler[T]
}

type Target = *target
type Source = *source

// Marshal encodes the given non-nil object. Panics raised while marshaling
// child objects are recovered and returned as errors.
func Marshal(object Marshaler) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic during marshaling: %v", r)
		}
	}()

	t := &target{}
	object.MarshalTo(t)
	return t.buffer, nil
}

// Unmarshal decodes a value of type T from data. Every input byte must be
// consumed; trailing bytes are an error.
func Unmarshal[T any](data []byte, unmarshaler Unmarshaler[T]) (T, error) {
	return UnmarshalUsing(data, unmarshaler.UnmarshalFrom)
}

// UnmarshalUsing decodes a value of type T from data with the given function.
// Decoding panics are recovered into errors and trailing bytes are rejected.
func UnmarshalUsing[T any](data []byte, unmarshalFunc func(Source) T) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic while unmarshaling: %v", r)
		}
	}()

	src := &source{data}
	result = unmarshalFunc(src)

	if src.Available() > 0 {
		var zero T
		return zero, fmt.Errorf(
			"unmarshaling did not consume all bytes, %d bytes remaining", src.Available(),
		)
	}
	return result, nil
}

// ReadOptionalValue reads a presence flag followed, when set, by a value of
// type T. An absent value yields the zero value of T and false.
func ReadOptionalValue[T any](s Source, u Unmarshaler[T]) (T, bool) {
	if !s.ReadBool() {
		var zero T
		return zero, false
	}
	return u.UnmarshalFrom(s), true
}
