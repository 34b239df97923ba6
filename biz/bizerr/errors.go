package bizerr

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotConfigured   = errors.New("oauth provider not configured for server")
	ErrInvalidState            = errors.New("invalid or expired authorization state")
	ErrReauthorizationRequired = errors.New("authorization is no longer valid, reauthorize the server")
	ErrNotAuthorized           = errors.New("server is not authorized for this user")
	ErrInvalidToken            = errors.New("invalid or revoked access token")
	ErrPermissionDenied        = errors.New("permission denied")
	ErrPasswordChangeRequired  = errors.New("password change required")
	ErrPasswordExpired         = errors.New("temporary password expired")
	ErrInvalidCredentials      = errors.New("invalid email or password")
	ErrAccountDisabled         = errors.New("account is disabled")
	ErrDecryption              = errors.New("unable to decrypt stored credential")
	ErrFeatureUnavailable      = errors.New("feature unavailable in this edition")
	ErrServerNotConfigured     = errors.New("server is not configured for organization")
	ErrServerDisabled          = errors.New("server is disabled for organization")
	ErrNotFound                = errors.New("record not found")
	ErrInvalidResetToken       = errors.New("invalid or expired password reset token")
	ErrEmailTaken              = errors.New("email already registered")
	ErrRateLimited             = errors.New("too many attempts, try again later")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError is returned when an upstream OAuth provider rejects a request or cannot be
// reached. Code and Description carry the provider's own error and error_description and are
// safe to show to the caller.
type ProviderError struct {
	Code        string
	Description string
	StatusCode  int
	Retryable   bool
	Err         error
}

func (e *ProviderError) Error() string {
	msg := "oauth provider error"
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func IsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
