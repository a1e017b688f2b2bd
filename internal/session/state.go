package session

import (
	"net/url"
	"time"

	"github.com/wolfeidau/estatedash/internal/tokencodec"
)

// Status classifies the session.
type Status int

const (
	// StatusUnknown means no local check has concluded yet.
	StatusUnknown Status = iota
	StatusUnauthenticated
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Identity is derived from the access token claims and never stored.
type Identity struct {
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func identityFromClaims(c *tokencodec.Claims) *Identity {
	return &Identity{
		Subject:   c.Subject,
		Email:     c.Email,
		Name:      c.Name,
		Roles:     c.Roles,
		ExpiresAt: c.ExpiresAt,
	}
}

// SignedOutByUser marks a session ended by Logout.
const SignedOutByUser = "logout"

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Status     Status
	Identity   *Identity
	Refreshing bool

	// SignedOut is why the last session ended, ReasonSessionExpired or
	// SignedOutByUser. It is cleared by the next sign in.
	SignedOut string
}

// Settled reports whether the initial check has concluded.
func (s Snapshot) Settled() bool {
	return s.Status != StatusUnknown
}

// Authenticated reports whether an identity is present.
func (s Snapshot) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Identity != nil
}

// LoginParams returns the login page query explaining why the session ended.
func (s Snapshot) LoginParams() url.Values {
	switch s.SignedOut {
	case SignedOutByUser:
		return url.Values{"logout": {"success"}}
	case "":
		return nil
	default:
		return url.Values{"error": {s.SignedOut}}
	}
}

func (s Snapshot) equal(o Snapshot) bool {
	if s.Status != o.Status || s.Refreshing != o.Refreshing || s.SignedOut != o.SignedOut {
		return false
	}
	if s.Identity == nil || o.Identity == nil {
		return s.Identity == o.Identity
	}
	return s.Identity.Subject == o.Identity.Subject && s.Identity.ExpiresAt.Equal(o.Identity.ExpiresAt)
}
