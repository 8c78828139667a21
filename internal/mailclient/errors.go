package mailclient

import (
	"errors"
	"fmt"
)

// ErrAuthExpired marks a provider 401 that survived one forced token
// refresh. Fatal to the run.
var ErrAuthExpired = errors.New("provider rejected credentials")

// ProviderError is a non-2xx provider response outside the auth and
// availability classes. Folder- or page-scoped; the run continues.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// ProviderUnavailable is a network failure or provider 5xx. Transient.
type ProviderUnavailable struct {
	Cause error
}

func (e *ProviderUnavailable) Error() string {
	return fmt.Sprintf("provider unavailable: %v", e.Cause)
}

func (e *ProviderUnavailable) Unwrap() error { return e.Cause }

// ConversionError means one message failed normalization. Message-scoped;
// it never fails the page.
type ConversionError struct {
	MessageID string
	Cause     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert message %s: %v", e.MessageID, e.Cause)
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// IsFatal reports whether an error must abort the whole run rather than a
// folder or page.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsTransient reports whether the failure is worth retrying later in the
// same run (network or provider 5xx).
func IsTransient(err error) bool {
	var unavail *ProviderUnavailable
	return errors.As(err, &unavail)
}
