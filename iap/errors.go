package iap

import (
	"errors"
	"fmt"
)

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrTransport       = errors.New("transport error")
	ErrEncoding        = errors.New("encoding error")
)

// TransportError is returned when the verification service could not be
// reached or its response could not be read.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// EncodingError is returned when a verification request could not be built.
type EncodingError struct {
	Cause error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding error: %v", e.Cause)
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}

func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}
