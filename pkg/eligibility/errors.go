package eligibility

import (
	"errors"
	"fmt"
)

// Provider failures fall in two classes with different remedies. Providers
// must return errors wrapping one of these sentinels; the resolver never
// degrades either class to an empty electorate.
var (
	// ErrProviderUnavailable means the identity backend is down or timed out.
	// Retryable.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrMisconfigured means a referenced group or policy does not exist.
	// Needs an administrator, not a retry.
	ErrMisconfigured = errors.New("eligibility misconfigured")
)

const (
	unavailableMessage      = "The identity directory is currently unavailable. Try again later."
	committeeGroupMissing   = "Election committee group is not available in the identity directory. Contact an administrator."
	restrictionGroupMissing = "Eligible voters group is not available in the identity directory. Contact an administrator."
)

// Error carries a user-presentable message and an HTTP-ish status code
// alongside the underlying classified cause.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func unavailableError(err error) *Error {
	if !errors.Is(err, ErrProviderUnavailable) {
		err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return &Error{StatusCode: 503, Message: unavailableMessage, Err: err}
}

func misconfiguredError(message string, err error) *Error {
	if err == nil {
		err = ErrMisconfigured
	} else if !errors.Is(err, ErrMisconfigured) {
		err = fmt.Errorf("%w: %w", ErrMisconfigured, err)
	}
	return &Error{StatusCode: 400, Message: message, Err: err}
}

// classifyProviderError maps a raw provider failure to an *Error, treating
// anything not explicitly marked as a misconfiguration as an availability
// problem.
func classifyProviderError(err error, missingMessage string) *Error {
	if errors.Is(err, ErrMisconfigured) {
		return misconfiguredError(missingMessage, err)
	}
	return unavailableError(err)
}
