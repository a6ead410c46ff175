// Package identity wraps the external identity provider's REST API behind a
// typed client. Provider error messages are mapped to a small set of
// sentinel errors at this boundary and never leak further.
package identity

import "time"

// Identity is the provider-issued user reference. Immutable once issued.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// Session holds the provider-issued credentials for an authenticated identity.
type Session struct {
	Identity     Identity  `json:"identity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Event identifies a change in authentication state delivered on the
// subscription feed.
type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// SignUpResult distinguishes a fully authenticated signup from one that is
// pending email confirmation. Session is nil when RequiresConfirmation is set.
type SignUpResult struct {
	Session              *Session
	RequiresConfirmation bool
}
