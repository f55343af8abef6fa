package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound means no identity source has a record for the
	// username or email. Expected condition, surfaced as a value rather
	// than a panic or wrapped infra error.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateUser is the uniqueness-conflict surfaced when two
	// first-sight requests race on create. Callers re-read once and treat
	// the winner's record as their own.
	ErrDuplicateUser = errors.New("user already exists")

	// ErrChallengeNotFound means no pending MFA challenge matches the
	// supplied token or code.
	ErrChallengeNotFound = errors.New("mfa challenge not found")

	// ErrLocked signals an account in the locked state.
	ErrLocked = errors.New("account is locked")

	// ErrMfaUnavailable means the gate fired for a user who has no
	// verified delivery method, so no code can be sent.
	ErrMfaUnavailable = errors.New("no verified mfa delivery method")

	// ErrBadCredentials means the mastering backend rejected the supplied
	// password. Deliberately indistinguishable in wording from an unknown
	// username at the API surface.
	ErrBadCredentials = errors.New("invalid credentials")
)

// UpstreamUnavailableError reports a server-side failure from a mastering
// backend. It is deliberately distinct from ErrUserNotFound: a backend
// outage must never be read as account nonexistence. The error carries the
// backend name and the subject for observability; never any credentials.
type UpstreamUnavailableError struct {
	Backend  string
	Username string
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable for user %s: %v", e.Backend, e.Username, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// NewUpstreamUnavailable wraps a backend infrastructure failure.
func NewUpstreamUnavailable(backend, username string, err error) error {
	return &UpstreamUnavailableError{Backend: backend, Username: username, Err: err}
}

// IsUpstreamUnavailable reports whether err is an escalated backend outage.
func IsUpstreamUnavailable(err error) bool {
	var ue *UpstreamUnavailableError
	return errors.As(err, &ue)
}

// FieldError is a structured validation conflict: the offending field, a
// machine-readable code and a human message.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"error"`
	Message string `json:"error_description"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Code, e.Message)
}

// NewFieldError builds a validation conflict for a single field.
func NewFieldError(field, code, message string) *FieldError {
	return &FieldError{Field: field, Code: code, Message: message}
}

// MFA validation reason codes, returned in place of errors so the retry UX
// stays simple.
const (
	MfaReasonMissingCode = "missingcode"
	MfaReasonInvalid     = "invalid"
	MfaReasonExpired     = "expired"
)
