// Package session tracks whether the operator is signed in and drives the
// login, refresh and logout transitions against the token store.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/estatedash/internal/telemetry"
	"github.com/wolfeidau/estatedash/internal/tokencodec"
	"github.com/wolfeidau/estatedash/internal/tokenstore"
)

// AuthAPI is the backend surface used to renew and revoke sessions.
//
// Refresh must return an error wrapping ErrRefreshInvalid when the backend
// rejects the refresh token. Any other error is treated as transient.
type AuthAPI interface {
	Refresh(ctx context.Context, refreshToken string) (tokenstore.Grant, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// Config holds identity provider and navigation settings.
type Config struct {
	// AuthorizeURL is the identity provider authorization endpoint.
	AuthorizeURL string
	ClientID     string
	RedirectURL  string
	Scopes       []string

	// LoginPath is where unauthenticated navigation lands. Default: /login
	LoginPath string

	// HomePath is where a completed login lands. Default: /
	HomePath string

	// RefreshTimeout bounds a single refresh call. Default: 15 seconds
	RefreshTimeout time.Duration

	// RevokeTimeout bounds background revocation including retries. Default: 30 seconds
	RevokeTimeout time.Duration

	// RevokeAttempts is the maximum number of revocation attempts. Default: 3
	RevokeAttempts uint
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.LoginPath == "" {
		c.LoginPath = "/login"
	}
	if c.HomePath == "" {
		c.HomePath = "/"
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = 15 * time.Second
	}
	if c.RevokeTimeout == 0 {
		c.RevokeTimeout = 30 * time.Second
	}
	if c.RevokeAttempts == 0 {
		c.RevokeAttempts = 3
	}
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithMetrics records session metrics on m instead of the global instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRevokeBackOff overrides the retry policy for background revocation.
func WithRevokeBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Session) { s.newBackOff = newBackOff }
}

// Session is the state machine for one profile's authentication.
type Session struct {
	cfg        Config
	oauth      *oauth2.Config
	store      *tokenstore.Store
	auth       AuthAPI
	metrics    *telemetry.Metrics
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	snap    Snapshot
	settled chan struct{}
	subs    map[int]chan Snapshot
	nextSub int

	refreshGroup singleflight.Group
	revocations  sync.WaitGroup
}

// New creates a session in the Unknown state. Call CheckLocal to settle it.
func New(cfg Config, store *tokenstore.Store, auth AuthAPI, opts ...Option) *Session {
	cfg.ApplyDefaults()

	s := &Session{
		cfg:        cfg,
		oauth:      oauthConfig(cfg),
		store:      store,
		auth:       auth,
		now:        time.Now,
		settled:    make(chan struct{}),
		subs:       make(map[int]chan Snapshot),
		newBackOff: defaultBackOff,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = telemetry.GetMetrics()
	}

	return s
}

func oauthConfig(cfg Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL,
		Scopes:      cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizeURL},
	}
}

func defaultBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Subscribe returns a channel receiving the current snapshot followed by every
// change. A slow subscriber only sees the latest snapshot. Call cancel to
// release the subscription; the channel is closed.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++

	ch := make(chan Snapshot, 1)
	ch <- s.snap
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}

// WaitSettled blocks until the first local check has concluded or ctx is done.
func (s *Session) WaitSettled(ctx context.Context) error {
	select {
	case <-s.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckLocal classifies the session from stored tokens without any network
// access. It is idempotent and safe to call on every navigation.
func (s *Session) CheckLocal(ctx context.Context) Snapshot {
	tokens, err := s.store.Read(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read session tokens, treating as signed out")
		return s.setUnauthenticated()
	}

	if !tokens.HasAccessToken() {
		if tokens.ExpiresIn != 0 || !tokens.ExpiresAt.IsZero() {
			if err := s.store.ClearExpiry(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to clear stale token expiry")
			}
		}
		return s.setUnauthenticated()
	}

	claims, err := tokencodec.Decode(tokens.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("discarding malformed access token")
		if err := s.store.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to clear malformed session")
		}
		return s.setUnauthenticated()
	}

	now := s.now()
	if claims.Expired(now) {
		log.Debug().Str("subject", claims.Subject).Time("expiresAt", claims.ExpiresAt).Msg("access token expired")
		if err := s.store.ClearAccess(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to clear expired access token")
		}
		return s.setUnauthenticated()
	}

	if !tokens.ExpiresAt.IsZero() && tokens.ExpiresAt.Sub(claims.ExpiresAt).Abs() > time.Minute {
		log.Debug().
			Time("claimExpiresAt", claims.ExpiresAt).
			Time("storedExpiresAt", tokens.ExpiresAt).
			Msg("stored token expiry disagrees with claims, using claims")
	}

	return s.update(func(snap *Snapshot) {
		snap.Status = StatusAuthenticated
		snap.Identity = identityFromClaims(claims)
		snap.SignedOut = ""
	})
}

func (s *Session) setUnauthenticated() Snapshot {
	return s.update(func(snap *Snapshot) {
		snap.Status = StatusUnauthenticated
		snap.Identity = nil
	})
}

// signOut ends the session and records why for the login page.
func (s *Session) signOut(reason string) {
	s.update(func(snap *Snapshot) {
		snap.Status = StatusUnauthenticated
		snap.Identity = nil
		snap.SignedOut = reason
	})
}

func (s *Session) setRefreshing(refreshing bool) {
	s.update(func(snap *Snapshot) {
		snap.Refreshing = refreshing
	})
}

// update mutates the snapshot and publishes it to subscribers if it changed.
func (s *Session) update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap
	fn(&s.snap)

	if s.snap.Settled() {
		select {
		case <-s.settled:
		default:
			close(s.settled)
		}
	}

	if !prev.equal(s.snap) {
		for _, ch := range s.subs {
			select {
			case <-ch:
			default:
			}
			ch <- s.snap
		}
	}

	return s.snap
}
