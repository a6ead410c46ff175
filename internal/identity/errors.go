package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for the provider boundary. Callers match with errors.Is;
// the attached messages are the user-facing strings.
var (
	ErrInvalidCredentials  = errors.New("incorrect email or password")
	ErrEmailNotConfirmed   = errors.New("email not confirmed; check your inbox")
	ErrAlreadyRegistered   = errors.New("this email is already registered")
	ErrWeakPassword        = errors.New("password must be at least 6 characters")
	ErrUnauthorized        = errors.New("invalid or expired credentials")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// mapProviderError translates a provider error response into a sentinel
// error. Raw provider text is matched here and then discarded — it never
// reaches callers beyond the generic fallback.
func mapProviderError(status int, providerMsg string) error {
	if status >= http.StatusInternalServerError {
		return ErrProviderUnavailable
	}

	msg := strings.ToLower(providerMsg)
	switch {
	case strings.Contains(msg, "invalid login credentials"):
		return ErrInvalidCredentials
	case strings.Contains(msg, "email not confirmed"):
		return ErrEmailNotConfirmed
	case strings.Contains(msg, "already registered"), strings.Contains(msg, "already been registered"):
		return ErrAlreadyRegistered
	case strings.Contains(msg, "password"):
		return ErrWeakPassword
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return fmt.Errorf("identity provider rejected the request (HTTP %d)", status)
}
