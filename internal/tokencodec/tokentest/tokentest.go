// Package tokentest mints access tokens for tests.
package tokentest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("estatedash-test-key")

// Token returns an HS256 token for subject expiring at exp with any extra claims.
func Token(t testing.TB, subject string, exp time.Time, extra ...jwt.MapClaims) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
	for _, e := range extra {
		for k, v := range e {
			claims[k] = v
		}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err)

	return token
}

// Valid returns a token for subject that stays valid for an hour.
func Valid(t testing.TB, subject string) string {
	t.Helper()
	return Token(t, subject, time.Now().Add(time.Hour))
}

// Expired returns a token for subject that lapsed a minute ago.
func Expired(t testing.TB, subject string) string {
	t.Helper()
	return Token(t, subject, time.Now().Add(-time.Minute))
}
