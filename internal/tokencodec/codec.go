// Package tokencodec decodes the claims embedded in access tokens.
//
// Tokens are parsed without verifying their signature. The gateway verifies
// every token it receives; the dashboard only needs the claims to decide what
// to display and when a token has lapsed.
package tokencodec

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken is returned when a token cannot be decoded or lacks required claims.
	ErrMalformedToken = errors.New("malformed token")

	// ErrExpired is returned by Claims.Valid once the token's expiry has passed.
	ErrExpired = errors.New("token expired")
)

// Claims holds the decoded claims of an access token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Email     string
	Name      string
	Roles     []string

	// Raw is the full claim set as decoded from the payload.
	Raw map[string]any
}

// Expired reports whether the token has lapsed at now. A token whose expiry
// equals now is expired.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Valid returns ErrExpired if the token has lapsed at now.
func (c *Claims) Valid(now time.Time) error {
	if c.Expired(now) {
		return fmt.Errorf("%w at %s", ErrExpired, c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

var parser = jwt.NewParser()

// Decode extracts the claims from token. It performs no network or storage
// access and does not check expiry.
func Decode(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, mapClaims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	sub, err := mapClaims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrMalformedToken)
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}

	claims := &Claims{
		Subject:   sub,
		ExpiresAt: exp.Time,
		Email:     stringClaim(mapClaims, "email"),
		Name:      stringClaim(mapClaims, "name"),
		Roles:     rolesClaim(mapClaims),
		Raw:       mapClaims,
	}

	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}

	return claims, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

// rolesClaim accepts either a list of strings or a single "role" string.
func rolesClaim(claims jwt.MapClaims) []string {
	switch v := claims["roles"].(type) {
	case []any:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return []string{v}
	}

	if role := stringClaim(claims, "role"); role != "" {
		return []string{role}
	}
	return nil
}
