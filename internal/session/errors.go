package session

import "errors"

var (
	// ErrStateMismatch is returned when the callback state does not match the pending login.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrMissingToken is returned when the callback fragment carries no access token.
	ErrMissingToken = errors.New("no access token in callback")

	// ErrProviderDenied is returned when the identity provider reports an error in the callback.
	ErrProviderDenied = errors.New("identity provider denied login")

	// ErrStorage is returned when session data cannot be persisted.
	ErrStorage = errors.New("session storage failed")

	// ErrNoRefreshToken is returned by Refresh when no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshInvalid is returned when the backend rejects the refresh token.
	// The session has been cleared.
	ErrRefreshInvalid = errors.New("refresh token rejected")

	// ErrRefreshTransient is returned when a refresh failed for a reason that may
	// resolve on retry. Stored tokens are preserved.
	ErrRefreshTransient = errors.New("refresh failed")
)

// IsTerminal reports whether err from Refresh means the session cannot be
// recovered without a new login.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRefreshInvalid) || errors.Is(err, ErrNoRefreshToken)
}
