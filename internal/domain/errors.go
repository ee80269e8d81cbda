package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrVendorNotFound means the referenced vendor has not been registered.
	ErrVendorNotFound = errors.New("vendor not found")

	// ErrSessionNotFound means the vendor has no provisioned session yet.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotConnected is returned when a send is attempted while the
	// vendor's connection is not open.
	ErrNotConnected = errors.New("vendor not connected")

	// ErrInvalidPhoneNumber indicates a destination that cannot be
	// normalized into a network address.
	ErrInvalidPhoneNumber = errors.New("invalid phone number")

	// ErrMaxRetriesExceeded marks a connection that failed repeatedly and
	// was abandoned; credentials are cleared as a side effect.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts reached")

	// ErrLoggedOut marks a connection the messaging network terminated;
	// a fresh pairing is required to resume.
	ErrLoggedOut = errors.New("logged out by messaging network")
)

// VendorError wraps an underlying error with vendor context.
type VendorError struct {
	VendorID string
	Op       string
	Err      error
}

func (e *VendorError) Error() string {
	if e.VendorID != "" {
		return fmt.Sprintf("vendor %s: %s: %v", e.VendorID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *VendorError) Unwrap() error {
	return e.Err
}
