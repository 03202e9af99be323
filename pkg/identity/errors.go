package identity

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAlreadyExists is returned when an identity with the same username exists.
	ErrAlreadyExists = errors.New("identity already exists")
	// ErrNotFound is returned when no identity (or account) matches the lookup.
	ErrNotFound = errors.New("identity not found")
	// ErrInvalidRole is returned for role names outside the catalog or unknown to the IdP.
	ErrInvalidRole = errors.New("invalid role")
)

// IdentityProviderError describes a failed call to the identity provider admin API.
// StatusCode is zero when the call never produced an HTTP response.
type IdentityProviderError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *IdentityProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("identity provider %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("identity provider %s failed with status %d", e.Operation, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("identity provider %s failed: %v", e.Operation, e.Err)
	default:
		return fmt.Sprintf("identity provider %s failed", e.Operation)
	}
}

func (e *IdentityProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the HTTP status is worth retrying (5xx or 429).
// Transport level faults are classified by the caller, which can inspect Err.
func (e *IdentityProviderError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// ValidationError reports invalid caller input.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// StatusCode returns the HTTP status carried by an IdentityProviderError in err's chain, or 0.
func StatusCode(err error) int {
	var idpErr *IdentityProviderError
	if errors.As(err, &idpErr) {
		return idpErr.StatusCode
	}
	return 0
}
