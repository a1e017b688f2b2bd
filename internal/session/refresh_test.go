package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/estatedash/internal/tokencodec/tokentest"
	"github.com/wolfeidau/estatedash/internal/tokenstore"
)

func TestRefresh_NoRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1")})

	err := f.session.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoRefreshToken)
	assert.True(t, IsTerminal(err))

	refreshCalls, _ := f.auth.calls()
	assert.Zero(t, refreshCalls, "no network call without a refresh token")
}

func TestRefresh_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})
	f.session.CheckLocal(ctx)

	fresh := tokentest.Valid(t, "user-1")
	f.auth.refresh = func(_ context.Context, refreshToken string) (tokenstore.Grant, error) {
		assert.Equal(t, "r1", refreshToken)
		return tokenstore.Grant{AccessToken: fresh, RefreshToken: "r2", ExpiresIn: 900}, nil
	}

	require.NoError(t, f.session.Refresh(ctx))

	tokens := f.tokens(t)
	assert.Equal(t, fresh, tokens.AccessToken)
	assert.Equal(t, "r2", tokens.RefreshToken)
	assert.Equal(t, 900, tokens.ExpiresIn)

	snap := f.session.Snapshot()
	assert.True(t, snap.Authenticated())
	assert.False(t, snap.Refreshing)
	assert.Equal(t, int64(1), f.metrics.Count("estatedash.session.refresh.total", "outcome", "success"))
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})

	f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
		return tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1")}, nil
	}

	require.NoError(t, f.session.Refresh(context.Background()))
	assert.Equal(t, "r1", f.tokens(t).RefreshToken)
}

func TestRefresh_Invalid(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1"), RefreshToken: "r1"})
	f.session.CheckLocal(context.Background())

	f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
		return tokenstore.Grant{}, fmt.Errorf("%w: invalid_grant", ErrRefreshInvalid)
	}

	err := f.session.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshInvalid)
	assert.True(t, IsTerminal(err))

	assert.Equal(t, tokenstore.Tokens{}, f.tokens(t))
	assert.Equal(t, StatusUnauthenticated, f.session.Snapshot().Status)
}

func TestRefresh_Transient(t *testing.T) {
	access := tokentest.Valid(t, "user-1")

	tests := []struct {
		name string
		err  error
	}{
		{name: "network error", err: errors.New("connection refused")},
		{name: "timeout", err: context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.save(t, tokenstore.Grant{AccessToken: access, RefreshToken: "r1"})

			f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
				return tokenstore.Grant{}, tt.err
			}

			err := f.session.Refresh(context.Background())
			require.ErrorIs(t, err, ErrRefreshTransient)
			assert.False(t, IsTerminal(err))

			tokens := f.tokens(t)
			assert.Equal(t, access, tokens.AccessToken)
			assert.Equal(t, "r1", tokens.RefreshToken)
		})
	}
}

func TestRefresh_UnusableTokenIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})

	f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
		return tokenstore.Grant{AccessToken: "not-a-jwt"}, nil
	}

	err := f.session.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshInvalid)
	assert.Equal(t, tokenstore.Tokens{}, f.tokens(t))
}

func TestRefresh_ExpiredIssuedTokenIsTransient(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})

	f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
		return tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1")}, nil
	}

	err := f.session.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshTransient)
	assert.False(t, IsTerminal(err))
	assert.Equal(t, "r1", f.tokens(t).RefreshToken, "refresh token survives clock skew")
}

func TestRefreshStale(t *testing.T) {
	t.Run("skips when already renewed", func(t *testing.T) {
		f := newFixture(t)
		renewed := tokentest.Valid(t, "user-1")
		f.save(t, tokenstore.Grant{AccessToken: renewed, RefreshToken: "r1"})

		require.NoError(t, f.session.RefreshStale(context.Background(), "stale-token"))

		refreshCalls, _ := f.auth.calls()
		assert.Zero(t, refreshCalls)
		assert.True(t, f.session.Snapshot().Authenticated())
		assert.Equal(t, int64(1), f.metrics.Count("estatedash.session.refresh.total", "outcome", "superseded"))
	})

	t.Run("refreshes when still current", func(t *testing.T) {
		f := newFixture(t)
		stale := tokentest.Valid(t, "user-1")
		f.save(t, tokenstore.Grant{AccessToken: stale, RefreshToken: "r1"})

		fresh := tokentest.Valid(t, "user-1b")
		f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
			return tokenstore.Grant{AccessToken: fresh}, nil
		}

		require.NoError(t, f.session.RefreshStale(context.Background(), stale))

		refreshCalls, _ := f.auth.calls()
		assert.Equal(t, 1, refreshCalls)
		assert.Equal(t, fresh, f.tokens(t).AccessToken)
	})

	t.Run("refreshes when the newer token is unusable", func(t *testing.T) {
		f := newFixture(t)
		f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})

		f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
			return tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1")}, nil
		}

		require.NoError(t, f.session.RefreshStale(context.Background(), "stale-token"))

		refreshCalls, _ := f.auth.calls()
		assert.Equal(t, 1, refreshCalls)
	})
}

func TestRefresh_Coalesced(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})

	release := make(chan struct{})
	f.auth.refresh = func(context.Context, string) (tokenstore.Grant, error) {
		<-release
		return tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1")}, nil
	}

	const callers = 5
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.session.Refresh(context.Background())
		}()
	}

	require.Eventually(t, func() bool {
		calls, _ := f.auth.calls()
		return calls == 1 && f.session.Snapshot().Refreshing
	}, time.Second, time.Millisecond)

	// give the remaining callers time to join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	calls, _ := f.auth.calls()
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(callers), f.metrics.Count("estatedash.session.refresh.coalesced.total"))
}

func TestRefresh_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})

	release := make(chan struct{})
	done := make(chan struct{})
	fresh := tokentest.Valid(t, "user-1")
	f.auth.refresh = func(ctx context.Context, _ string) (tokenstore.Grant, error) {
		defer close(done)
		<-release
		if err := ctx.Err(); err != nil {
			return tokenstore.Grant{}, err
		}
		return tokenstore.Grant{AccessToken: fresh}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- f.session.Refresh(ctx) }()

	require.Eventually(t, func() bool {
		calls, _ := f.auth.calls()
		return calls == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-result, ErrRefreshTransient)

	close(release)
	<-done

	require.Eventually(t, func() bool {
		return f.session.Snapshot().Authenticated()
	}, time.Second, time.Millisecond)
	assert.Equal(t, fresh, f.tokens(t).AccessToken)
}
