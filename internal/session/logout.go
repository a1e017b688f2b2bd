package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/estatedash/internal/telemetry"
)

// ErrRevokeRejected may be wrapped by AuthAPI.Revoke when retrying cannot help.
var ErrRevokeRejected = errors.New("revocation rejected")

// Logout clears the session and any pending login locally and then revokes the refresh token in
// the background. The local clear is authoritative: a failed revocation is
// only logged. An error is returned only when the local clear failed.
func (s *Session) Logout(ctx context.Context) (NavigationIntent, error) {
	tokens, readErr := s.store.Read(ctx)
	if readErr != nil {
		log.Warn().Err(readErr).Msg("failed to read refresh token for revocation")
	}

	clearErr := s.store.ClearAll(ctx)
	s.signOut(SignedOutByUser)

	s.metrics.LogoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "user")))

	if readErr == nil && tokens.HasRefreshToken() {
		s.revokeInBackground(tokens.RefreshToken)
	}

	intent := s.loginIntent(url.Values{"logout": {"success"}})

	if clearErr != nil {
		log.Error().Err(clearErr).Msg("failed to clear session on logout")
		return intent, fmt.Errorf("%w: %w", ErrStorage, clearErr)
	}

	log.Info().Msg("logged out")

	return intent, nil
}

// Expire ends the session after the backend rejected it. No revocation is
// attempted.
func (s *Session) Expire(ctx context.Context) NavigationIntent {
	if err := s.store.Clear(ctx); err != nil {
		log.Error().Err(err).Msg("failed to clear expired session")
	}
	s.signOut(ReasonSessionExpired)

	s.metrics.LogoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonSessionExpired)))
	log.Info().Msg("session expired, login required")

	return s.failure(ReasonSessionExpired)
}

// Wait blocks until background revocations have finished.
func (s *Session) Wait() {
	s.revocations.Wait()
}

func (s *Session) revokeInBackground(refreshToken string) {
	s.revocations.Add(1)

	go func() {
		defer s.revocations.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RevokeTimeout)
		defer cancel()

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := s.auth.Revoke(ctx, refreshToken)
			if errors.Is(err, ErrRevokeRejected) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(s.newBackOff()),
			backoff.WithMaxTries(s.cfg.RevokeAttempts),
		)

		if err != nil {
			telemetry.RecordOutcome(ctx, s.metrics.RevocationsTotal, telemetry.OutcomeFailed)
			log.Warn().Err(err).Msg("failed to revoke refresh token")
			return
		}

		telemetry.RecordOutcome(ctx, s.metrics.RevocationsTotal, telemetry.OutcomeSuccess)
		log.Debug().Msg("refresh token revoked")
	}()
}
