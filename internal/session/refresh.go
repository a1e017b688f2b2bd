package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/estatedash/internal/telemetry"
	"github.com/wolfeidau/estatedash/internal/tokencodec"
)

const refreshKey = "refresh"

// Refresh exchanges the stored refresh token for a new access token.
//
// Concurrent callers share a single in-flight call and receive the same
// result. The shared call is not cancelled when a caller's context is; a
// caller that gives up receives ErrRefreshTransient.
//
// Errors wrap ErrNoRefreshToken, ErrRefreshInvalid (session cleared) or
// ErrRefreshTransient (tokens preserved).
func (s *Session) Refresh(ctx context.Context) error {
	return s.RefreshStale(ctx, "")
}

// RefreshStale refreshes on behalf of a request that was rejected while
// sending staleAccessToken. When the stored access token no longer matches
// it, another caller already renewed the session and no refresh call is
// made. An empty staleAccessToken always refreshes.
func (s *Session) RefreshStale(ctx context.Context, staleAccessToken string) error {
	ch := s.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return nil, s.refresh(context.WithoutCancel(ctx), staleAccessToken)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.metrics.CoalescedRefreshes.Add(ctx, 1)
		}
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRefreshTransient, ctx.Err())
	}
}

func (s *Session) refresh(ctx context.Context, staleAccessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	tokens, err := s.store.Read(ctx)
	if err != nil {
		telemetry.RecordOutcome(ctx, s.metrics.RefreshTotal, telemetry.OutcomeTransient)
		return fmt.Errorf("%w: %w", ErrRefreshTransient, err)
	}

	if staleAccessToken != "" && tokens.HasAccessToken() && tokens.AccessToken != staleAccessToken {
		if snap := s.CheckLocal(ctx); snap.Authenticated() {
			telemetry.RecordOutcome(ctx, s.metrics.RefreshTotal, telemetry.OutcomeSuperseded)
			log.Debug().Msg("access token already renewed, skipping refresh")
			return nil
		}
		// the newer token is unusable, reload before refreshing
		if tokens, err = s.store.Read(ctx); err != nil {
			telemetry.RecordOutcome(ctx, s.metrics.RefreshTotal, telemetry.OutcomeTransient)
			return fmt.Errorf("%w: %w", ErrRefreshTransient, err)
		}
	}

	if !tokens.HasRefreshToken() {
		telemetry.RecordOutcome(ctx, s.metrics.RefreshTotal, telemetry.OutcomeNoToken)
		return ErrNoRefreshToken
	}

	s.setRefreshing(true)
	defer s.setRefreshing(false)

	started := time.Now()
	grant, err := s.auth.Refresh(ctx, tokens.RefreshToken)
	outcome := classifyRefresh(err)

	s.metrics.RefreshDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	telemetry.RecordOutcome(ctx, s.metrics.RefreshTotal, outcome)

	switch outcome {
	case telemetry.OutcomeInvalid:
		log.Info().Err(err).Msg("refresh token rejected, clearing session")
		if clearErr := s.store.Clear(ctx); clearErr != nil {
			log.Error().Err(clearErr).Msg("failed to clear rejected session")
		}
		s.signOut(ReasonSessionExpired)
		return err

	case telemetry.OutcomeTransient:
		log.Warn().Err(err).Dur("duration", time.Since(started)).Msg("token refresh failed")
		return fmt.Errorf("%w: %w", ErrRefreshTransient, err)
	}

	if err := s.store.Save(ctx, grant); err != nil {
		log.Error().Err(err).Msg("failed to store refreshed tokens")
		return fmt.Errorf("%w: %w", ErrRefreshTransient, err)
	}

	if snap := s.CheckLocal(ctx); !snap.Authenticated() {
		if _, err := tokencodec.Decode(grant.AccessToken); err != nil {
			return fmt.Errorf("%w: refreshed access token is malformed: %w", ErrRefreshInvalid, err)
		}
		// the refresh token is kept, a skewed clock should not end the session
		log.Warn().Msg("refreshed access token is already expired, check the system clock")
		return fmt.Errorf("%w: refreshed access token is already expired", ErrRefreshTransient)
	}

	log.Debug().Dur("duration", time.Since(started)).Bool("rotated", grant.RefreshToken != "").Msg("token refreshed")

	return nil
}

func classifyRefresh(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, ErrRefreshInvalid):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeTransient
	}
}
