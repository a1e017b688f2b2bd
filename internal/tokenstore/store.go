// Package tokenstore persists the session credentials of one dashboard profile.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Keys of the persisted values.
const (
	KeyAccessToken    = "accessToken"
	KeyRefreshToken   = "refreshToken"
	KeyExpiresIn      = "expiresIn"
	KeyTokenExpiresAt = "tokenExpiresAt"
	KeyStateNonce     = "oauthStateNonce"
)

var sessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresIn, KeyTokenExpiresAt}

// ErrEmptyAccessToken is returned when saving a grant without an access token.
var ErrEmptyAccessToken = errors.New("access token is required")

// Backend applies batches of key changes atomically.
type Backend interface {
	// Load returns every stored value.
	Load(ctx context.Context) (map[string]string, error)
	// Apply sets and deletes keys in one atomic write.
	Apply(ctx context.Context, set map[string]string, del []string) error
}

// Grant is a set of tokens issued by the identity provider or a refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string // empty keeps the stored refresh token
	ExpiresIn    int    // seconds, zero when unknown
}

// Tokens is a consistent read of the stored credentials.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	ExpiresAt    time.Time
}

// HasAccessToken reports whether an access token is stored.
func (t Tokens) HasAccessToken() bool {
	return t.AccessToken != ""
}

// HasRefreshToken reports whether a refresh token is stored.
func (t Tokens) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// Store reads and writes session credentials through a Backend.
type Store struct {
	mu      sync.Mutex
	backend Backend
	now     func() time.Time
}

// New creates a store over backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// Save writes a grant. The absolute expiry is derived from ExpiresIn at the
// time of the write.
func (s *Store) Save(ctx context.Context, grant Grant) error {
	return s.save(ctx, grant, false)
}

// Replace writes a grant for a new session. Unlike Save, a grant without a
// refresh token removes the stored one.
func (s *Store) Replace(ctx context.Context, grant Grant) error {
	return s.save(ctx, grant, true)
}

func (s *Store) save(ctx context.Context, grant Grant, replace bool) error {
	if grant.AccessToken == "" {
		return ErrEmptyAccessToken
	}

	set := map[string]string{KeyAccessToken: grant.AccessToken}
	var del []string

	if grant.RefreshToken != "" {
		set[KeyRefreshToken] = grant.RefreshToken
	} else if replace {
		del = append(del, KeyRefreshToken)
	}

	if grant.ExpiresIn > 0 {
		set[KeyExpiresIn] = strconv.Itoa(grant.ExpiresIn)
		set[KeyTokenExpiresAt] = s.now().Add(time.Duration(grant.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	} else {
		del = append(del, KeyExpiresIn, KeyTokenExpiresAt)
	}

	if err := s.apply(ctx, set, del); err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}

	log.Debug().
		Bool("refreshRotated", grant.RefreshToken != "").
		Int("expiresIn", grant.ExpiresIn).
		Msg("tokens saved")

	return nil
}

// Read returns the stored credentials. Missing values are left zero.
func (s *Store) Read(ctx context.Context) (Tokens, error) {
	s.mu.Lock()
	values, err := s.backend.Load(ctx)
	s.mu.Unlock()
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to read tokens: %w", err)
	}

	tokens := Tokens{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}

	if v, ok := values[KeyExpiresIn]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			tokens.ExpiresIn = n
		}
	}

	if v, ok := values[KeyTokenExpiresAt]; ok {
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			tokens.ExpiresAt = at
		}
	}

	return tokens, nil
}

// Clear removes every session value. A pending login nonce is left in place.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.apply(ctx, nil, sessionKeys); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	log.Debug().Msg("session data cleared")
	return nil
}

// ClearAll removes every session value and any pending login nonce.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.apply(ctx, nil, append([]string{KeyStateNonce}, sessionKeys...)); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	log.Debug().Msg("session data and login state cleared")
	return nil
}

// ClearAccess removes the access token and its expiry, keeping the refresh token.
func (s *Store) ClearAccess(ctx context.Context) error {
	if err := s.apply(ctx, nil, []string{KeyAccessToken, KeyExpiresIn, KeyTokenExpiresAt}); err != nil {
		return fmt.Errorf("failed to clear access token: %w", err)
	}
	return nil
}

// ClearExpiry removes expiry metadata left behind without an access token.
func (s *Store) ClearExpiry(ctx context.Context) error {
	if err := s.apply(ctx, nil, []string{KeyExpiresIn, KeyTokenExpiresAt}); err != nil {
		return fmt.Errorf("failed to clear token expiry: %w", err)
	}
	return nil
}

// SaveNonce records the OAuth state nonce for the pending login.
func (s *Store) SaveNonce(ctx context.Context, nonce string) error {
	if err := s.apply(ctx, map[string]string{KeyStateNonce: nonce}, nil); err != nil {
		return fmt.Errorf("failed to save state nonce: %w", err)
	}
	return nil
}

// TakeNonce returns the pending state nonce and deletes it. It returns an
// empty string when no login is pending.
func (s *Store) TakeNonce(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.backend.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read state nonce: %w", err)
	}

	nonce, ok := values[KeyStateNonce]
	if !ok {
		return "", nil
	}

	if err := s.backend.Apply(ctx, nil, []string{KeyStateNonce}); err != nil {
		return "", fmt.Errorf("failed to delete state nonce: %w", err)
	}

	return nonce, nil
}

func (s *Store) apply(ctx context.Context, set map[string]string, del []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Apply(ctx, set, del)
}
