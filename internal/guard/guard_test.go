package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/estatedash/internal/session"
)

var alice = &session.Identity{Subject: "alice", ExpiresAt: time.Now().Add(time.Hour)}

type staticSource struct {
	snap session.Snapshot
}

func (s staticSource) Snapshot() session.Snapshot { return s.snap }

type checkingSource struct {
	staticSource
	checks int
}

func (c *checkingSource) CheckLocal(context.Context) session.Snapshot {
	c.checks++
	return c.snap
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		snap session.Snapshot
		want Decision
	}{
		{
			name: "unknown renders loading",
			snap: session.Snapshot{},
			want: Decision{Action: Loading},
		},
		{
			name: "unknown while refreshing still loading",
			snap: session.Snapshot{Refreshing: true},
			want: Decision{Action: Loading},
		},
		{
			name: "unauthenticated redirects",
			snap: session.Snapshot{Status: session.StatusUnauthenticated},
			want: Decision{Action: Redirect, Location: "/login"},
		},
		{
			name: "expired session redirects with reason",
			snap: session.Snapshot{Status: session.StatusUnauthenticated, SignedOut: session.ReasonSessionExpired},
			want: Decision{Action: Redirect, Location: "/login?error=session_expired"},
		},
		{
			name: "user logout redirects with notice",
			snap: session.Snapshot{Status: session.StatusUnauthenticated, SignedOut: session.SignedOutByUser},
			want: Decision{Action: Redirect, Location: "/login?logout=success"},
		},
		{
			name: "authenticated renders",
			snap: session.Snapshot{Status: session.StatusAuthenticated, Identity: alice},
			want: Decision{Action: Render},
		},
		{
			name: "authenticated and refreshing renders",
			snap: session.Snapshot{Status: session.StatusAuthenticated, Identity: alice, Refreshing: true},
			want: Decision{Action: Render},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.snap, "/login"))
		})
	}
}

func serve(t *testing.T, source Source) *httptest.ResponseRecorder {
	t.Helper()

	protected := Require(source, "/login", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte("hello " + identity.Subject))
	}))

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	return rec
}

func TestRequire(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		rec := serve(t, staticSource{snap: session.Snapshot{Status: session.StatusUnauthenticated}})
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/login", rec.Header().Get("Location"))
	})

	t.Run("unsettled", func(t *testing.T) {
		rec := serve(t, staticSource{})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Loading...", rec.Body.String())
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	})

	t.Run("authenticated", func(t *testing.T) {
		rec := serve(t, staticSource{snap: session.Snapshot{Status: session.StatusAuthenticated, Identity: alice}})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello alice", rec.Body.String())
	})

	t.Run("checks local storage first", func(t *testing.T) {
		source := &checkingSource{staticSource: staticSource{snap: session.Snapshot{Status: session.StatusUnauthenticated}}}
		rec := serve(t, source)
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, 1, source.checks)
	})
}

func TestIdentityFromContext_missing(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)
}
