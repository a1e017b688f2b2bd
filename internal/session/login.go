package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/wolfeidau/estatedash/internal/telemetry"
	"github.com/wolfeidau/estatedash/internal/tokencodec"
	"github.com/wolfeidau/estatedash/internal/tokenstore"
)

// Login failure reasons carried in the login page error parameter.
const (
	ReasonAuthenticationFailed = "authentication_failed"
	ReasonNoTokenInFragment    = "no_token_in_fragment"
	ReasonStorageFailed        = "storage_failed"
	ReasonStateMismatch        = "state_mismatch"
	ReasonSessionExpired       = "session_expired"
)

const nonceBytes = 32

var providerErrorCode = regexp.MustCompile(`^[a-z_]{1,64}$`)

// NavigationIntent tells the page renderer where to go next. It is a value;
// the session never navigates on its own.
type NavigationIntent struct {
	URL string

	// Replace asks the renderer to replace the current history entry.
	Replace bool

	// External is set when URL leaves the dashboard.
	External bool
}

// Callback holds the values returned by the identity provider in the
// redirect fragment.
type Callback struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int
	State            string
	Error            string
	ErrorDescription string
}

// ParseFragment decodes a callback fragment. A leading '#' is ignored.
func ParseFragment(fragment string) (Callback, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(fragment, "#"))
	if err != nil {
		return Callback{}, fmt.Errorf("failed to parse callback fragment: %w", err)
	}

	cb := Callback{
		AccessToken:      values.Get("access_token"),
		RefreshToken:     values.Get("refresh_token"),
		State:            values.Get("state"),
		Error:            values.Get("error"),
		ErrorDescription: values.Get("error_description"),
	}

	if v := values.Get("expires_in"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cb.ExpiresIn = n
		}
	}

	return cb, nil
}

// BeginLogin stores a fresh state nonce and returns the identity provider
// authorization URL to navigate to.
func (s *Session) BeginLogin(ctx context.Context) (NavigationIntent, error) {
	nonce, err := newNonce()
	if err != nil {
		return NavigationIntent{}, fmt.Errorf("failed to generate state nonce: %w", err)
	}

	if err := s.store.SaveNonce(ctx, nonce); err != nil {
		return NavigationIntent{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	authURL := s.oauth.AuthCodeURL(nonce, oauth2.SetAuthURLParam("response_type", "token"))

	log.Debug().Str("clientID", s.cfg.ClientID).Msg("login started")

	return NavigationIntent{URL: authURL, External: true}, nil
}

// CompleteLogin validates the callback fragment against the pending login and
// persists the issued tokens. On failure the intent leads to the login page
// with the failure reason.
func (s *Session) CompleteLogin(ctx context.Context, fragment string) (NavigationIntent, error) {
	intent, reason, err := s.completeLogin(ctx, fragment)
	telemetry.RecordOutcome(ctx, s.metrics.LoginsTotal, reason)
	if err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("login callback rejected")
		return intent, err
	}

	log.Info().Msg("login completed")
	return intent, nil
}

func (s *Session) completeLogin(ctx context.Context, fragment string) (NavigationIntent, string, error) {
	nonce, err := s.store.TakeNonce(ctx)
	if err != nil {
		return s.reject(ctx, ReasonStorageFailed, fmt.Errorf("%w: %w", ErrStorage, err))
	}

	if strings.TrimPrefix(fragment, "#") == "" {
		return s.reject(ctx, ReasonAuthenticationFailed, fmt.Errorf("%w: empty fragment", ErrMissingToken))
	}

	cb, err := ParseFragment(fragment)
	if err != nil {
		return s.reject(ctx, ReasonAuthenticationFailed, err)
	}

	if cb.Error != "" {
		reason := ReasonAuthenticationFailed
		if providerErrorCode.MatchString(cb.Error) {
			reason = cb.Error
		}
		return s.reject(ctx, reason, fmt.Errorf("%w: %s %s", ErrProviderDenied, cb.Error, cb.ErrorDescription))
	}

	if nonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(cb.State)) != 1 {
		return s.reject(ctx, ReasonStateMismatch, ErrStateMismatch)
	}

	if cb.AccessToken == "" {
		return s.reject(ctx, ReasonNoTokenInFragment, ErrMissingToken)
	}

	claims, err := tokencodec.Decode(cb.AccessToken)
	if err == nil {
		err = claims.Valid(s.now())
	}
	if err != nil {
		return s.reject(ctx, ReasonAuthenticationFailed, fmt.Errorf("issued access token rejected: %w", err))
	}

	err = s.store.Replace(ctx, tokenstore.Grant{
		AccessToken:  cb.AccessToken,
		RefreshToken: cb.RefreshToken,
		ExpiresIn:    cb.ExpiresIn,
	})
	if err != nil {
		return s.reject(ctx, ReasonStorageFailed, fmt.Errorf("%w: %w", ErrStorage, err))
	}

	s.CheckLocal(ctx)

	return NavigationIntent{URL: s.cfg.HomePath, Replace: true}, telemetry.OutcomeSuccess, nil
}

// reject settles the session from whatever is already stored and returns the
// login page intent for reason.
func (s *Session) reject(ctx context.Context, reason string, err error) (NavigationIntent, string, error) {
	s.CheckLocal(ctx)
	return s.failure(reason), reason, err
}

func (s *Session) failure(reason string) NavigationIntent {
	return s.loginIntent(url.Values{"error": {reason}})
}

func (s *Session) loginIntent(params url.Values) NavigationIntent {
	return NavigationIntent{URL: s.cfg.LoginPath + "?" + params.Encode(), Replace: true}
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base58.Encode(b), nil
}
