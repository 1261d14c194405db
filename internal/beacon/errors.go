package beacon

import (
	"errors"
	"fmt"
)

// ErrNotCLA is returned when a service that is not a convergence layer is
// asked for a dialable address.
var ErrNotCLA = errors.New("service is not a convergence layer")

// ErrInvalidAddress is returned when a CLA address is requested for the zero netip.Addr.
var ErrInvalidAddress = errors.New("invalid source address")

// Causes wrapped by DecodeError.
var (
	ErrTruncated    = errors.New("truncated input")
	ErrWrongType    = errors.New("wrong on-wire type")
	ErrOutOfRange   = errors.New("value out of range")
	ErrFieldCount   = errors.New("wrong field count")
	ErrTrailingData = errors.New("trailing data after beacon")
)

// DecodeError reports a malformed beacon buffer. Field names the element that
// could not be read.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding beacon %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a beacon value that cannot be represented on the wire.
type EncodeError struct {
	Field string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding beacon %s: %v", e.Field, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
