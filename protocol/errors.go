package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState indicates a session method was called out of order or
	// after the session was consumed or aborted.
	ErrInvalidState = errors.New("invalid session state")

	// ErrInvalidMessage indicates a message failed structural validation
	// (header, sender set, length or decoding).
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidCommitment indicates a hash commitment did not open to the
	// committed value.
	ErrInvalidCommitment = errors.New("invalid commitment")

	// ErrInvalidProof indicates a zero-knowledge proof failed verification.
	ErrInvalidProof = errors.New("invalid proof")

	// ErrInvalidKey indicates inconsistent key material, e.g. a rotation
	// producing a public key different from the original.
	ErrInvalidKey = errors.New("invalid key material")

	// ErrMissingMessage indicates an incomplete round message set.
	ErrMissingMessage = errors.New("missing message")

	// ErrInvalidSignature indicates that combining partial signatures did not
	// yield a valid ECDSA signature for the expected public key.
	ErrInvalidSignature = errors.New("invalid signature")
)

// AbortError attributes a protocol abort to a misbehaving party. Sessions
// returning an AbortError are invalid and must be discarded; the caller
// should exclude the identified party before retrying.
type AbortError struct {
	Party uint8
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("protocol aborted, ban party %d: %v", e.Party, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Abort wraps err into an AbortError attributing the failure to party.
func Abort(party uint8, err error) error {
	return &AbortError{Party: party, Err: err}
}

// Abortf is a convenience formatting variant of Abort.
func Abortf(party uint8, format string, args ...any) error {
	return &AbortError{Party: party, Err: fmt.Errorf(format, args...)}
}
