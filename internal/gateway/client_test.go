package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/estatedash/internal/session"
	"github.com/wolfeidau/estatedash/internal/telemetry/telemetrytest"
	"github.com/wolfeidau/estatedash/internal/tokencodec/tokentest"
	"github.com/wolfeidau/estatedash/internal/tokenstore"
)

// fakeGateway accepts bearer tokens listed in accepted and serves /properties.
type fakeGateway struct {
	mu       sync.Mutex
	accepted map[string]bool
	seen     []string

	refreshCalls atomic.Int32
	resourceHits atomic.Int32
	unauthorized atomic.Int32

	// refresh handles POST /auth/refresh; nil rejects with 401.
	refresh func(w http.ResponseWriter, r *http.Request)

	// onUnauthorized runs before a 401 is written.
	onUnauthorized func()
}

func (g *fakeGateway) accept(tokens ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, tok := range tokens {
		g.accepted[tok] = true
	}
}

func (g *fakeGateway) authorizations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.seen...)
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/auth/refresh":
		g.refreshCalls.Add(1)
		if g.refresh == nil {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
			return
		}
		g.refresh(w, r)

	case "/api/properties":
		g.resourceHits.Add(1)
		auth := r.Header.Get("Authorization")

		g.mu.Lock()
		g.seen = append(g.seen, auth)
		ok := g.accepted[strings.TrimPrefix(auth, "Bearer ")]
		g.mu.Unlock()

		if !ok {
			g.unauthorized.Add(1)
			if g.onUnauthorized != nil {
				g.onUnauthorized()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"token expired"}`)
			return
		}

		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []string{"villa"}, "echo": string(body)})

	case "/api/missing":
		http.Error(w, `{"error":"property not found"}`, http.StatusNotFound)

	case "/api/broken":
		http.Error(w, `{"message":"database down"}`, http.StatusInternalServerError)

	default:
		http.NotFound(w, r)
	}
}

func respondTokens(t *testing.T, access, refresh string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: access, RefreshToken: refresh, ExpiresIn: 900})
	}
}

type fixture struct {
	cfg     Config
	http    *http.Client
	gateway *fakeGateway
	store   *tokenstore.Store
	session *session.Session
	client  *Client
	metrics *telemetrytest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gw := &fakeGateway{accepted: make(map[string]bool)}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL + "/api"}
	rec := telemetrytest.New(t)

	auth, err := NewAuthClient(cfg, srv.Client())
	require.NoError(t, err)

	store := tokenstore.New(tokenstore.NewMemoryBackend())
	sess := session.New(session.Config{AuthorizeURL: "https://idp.example.com/authorize"}, store, auth,
		session.WithMetrics(rec.Metrics),
		session.WithRevokeBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	t.Cleanup(sess.Wait)

	client, err := NewClient(cfg, srv.Client(), store, sess, WithMetrics(rec.Metrics))
	require.NoError(t, err)

	return &fixture{cfg: cfg, http: srv.Client(), gateway: gw, store: store, session: sess, client: client, metrics: rec}
}

func (f *fixture) save(t *testing.T, grant tokenstore.Grant) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), grant))
}

func (f *fixture) tokens(t *testing.T) tokenstore.Tokens {
	t.Helper()
	tokens, err := f.store.Read(context.Background())
	require.NoError(t, err)
	return tokens
}

func TestClient_RefreshesAndRetriesOnce(t *testing.T) {
	f := newFixture(t)
	a1 := tokentest.Valid(t, "user-1")
	a2 := tokentest.Valid(t, "user-1b")

	f.save(t, tokenstore.Grant{AccessToken: a1, RefreshToken: "r1"})
	f.gateway.accept(a2)
	f.gateway.refresh = respondTokens(t, a2, "")

	resp, err := f.client.Get(context.Background(), "/properties", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Items []string `json:"items"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, []string{"villa"}, out.Items)

	assert.Equal(t, []string{"Bearer " + a1, "Bearer " + a2}, f.gateway.authorizations())
	assert.Equal(t, int32(1), f.gateway.refreshCalls.Load())

	tokens := f.tokens(t)
	assert.Equal(t, a2, tokens.AccessToken)
	assert.Equal(t, "r1", tokens.RefreshToken)
	assert.True(t, f.session.Snapshot().Authenticated())

	assert.Equal(t, int64(1), f.metrics.Count("estatedash.gateway.retries.total"))
	assert.Equal(t, int64(1), f.metrics.Count("estatedash.gateway.unauthorized.total"))
}

func TestClient_RecoversAfterLocalExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a2 := tokentest.Valid(t, "user-1")

	f.save(t, tokenstore.Grant{AccessToken: tokentest.Expired(t, "user-1"), RefreshToken: "r1"})
	f.session.CheckLocal(ctx)
	require.False(t, f.tokens(t).HasAccessToken())

	f.gateway.accept(a2)
	f.gateway.refresh = respondTokens(t, a2, "r2")

	_, err := f.client.Get(ctx, "/properties", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"", "Bearer " + a2}, f.gateway.authorizations())
	assert.Equal(t, "r2", f.tokens(t).RefreshToken)
}

func TestClient_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	a1 := tokentest.Valid(t, "user-1")
	a2 := tokentest.Valid(t, "user-1b")

	f.save(t, tokenstore.Grant{AccessToken: a1, RefreshToken: "r1"})
	f.gateway.accept(a2)

	bothRejected := make(chan struct{})
	var once sync.Once
	f.gateway.onUnauthorized = func() {
		if f.gateway.unauthorized.Load() >= 2 {
			once.Do(func() { close(bothRejected) })
		}
	}

	tokenResponse := respondTokens(t, a2, "")
	f.gateway.refresh = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-bothRejected:
		case <-time.After(5 * time.Second):
		}
		tokenResponse(w, r)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.client.Get(context.Background(), "/properties", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), f.gateway.refreshCalls.Load())
	assert.Equal(t, int32(4), f.gateway.resourceHits.Load())

	retried := 0
	for _, auth := range f.gateway.authorizations() {
		if auth == "Bearer "+a2 {
			retried++
		}
	}
	assert.Equal(t, 2, retried)
}

func TestClient_TerminalRefreshForcesLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh token rejected", func(t *testing.T) {
		f := newFixture(t)
		f.save(t, tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1"), RefreshToken: "r1"})
		f.session.CheckLocal(ctx)

		_, err := f.client.Get(ctx, "/properties", nil)
		require.ErrorIs(t, err, ErrUnauthorized)
		require.ErrorIs(t, err, session.ErrRefreshInvalid)

		intent, ok := RedirectIntent(err)
		require.True(t, ok)
		assert.Equal(t, "/login?error=session_expired", intent.URL)
		assert.True(t, intent.Replace)

		assert.Equal(t, tokenstore.Tokens{}, f.tokens(t))
		assert.Equal(t, session.StatusUnauthenticated, f.session.Snapshot().Status)
		assert.Equal(t, int32(1), f.gateway.resourceHits.Load(), "no retry after terminal failure")
		assert.Equal(t, int64(1), f.metrics.Count("estatedash.gateway.forced_logouts.total"))
	})

	t.Run("no refresh token", func(t *testing.T) {
		f := newFixture(t)
		f.save(t, tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1")})

		_, err := f.client.Get(ctx, "/properties", nil)
		require.ErrorIs(t, err, ErrUnauthorized)
		require.ErrorIs(t, err, session.ErrNoRefreshToken)
		assert.Zero(t, f.gateway.refreshCalls.Load())

		_, ok := RedirectIntent(err)
		assert.True(t, ok)
	})
}

func TestClient_TransientRefreshSurfacesOriginalError(t *testing.T) {
	f := newFixture(t)
	a1 := tokentest.Valid(t, "user-1")
	f.save(t, tokenstore.Grant{AccessToken: a1, RefreshToken: "r1"})

	f.gateway.refresh = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}

	_, err := f.client.Get(context.Background(), "/properties", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "token expired", apiErr.Message)

	assert.ErrorIs(t, err, session.ErrRefreshTransient)
	assert.NotErrorIs(t, err, ErrUnauthorized)

	_, ok := RedirectIntent(err)
	assert.False(t, ok)

	tokens := f.tokens(t)
	assert.Equal(t, a1, tokens.AccessToken)
	assert.Equal(t, "r1", tokens.RefreshToken)
}

func TestClient_StillUnauthorizedAfterRefresh(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1"), RefreshToken: "r1"})
	f.gateway.refresh = respondTokens(t, tokentest.Valid(t, "user-1b"), "")

	_, err := f.client.Get(context.Background(), "/properties", nil)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, ok := RedirectIntent(err)
	assert.False(t, ok, "a second 401 does not end the session")

	assert.Equal(t, int32(2), f.gateway.resourceHits.Load())
	assert.Equal(t, int32(1), f.gateway.refreshCalls.Load())
	assert.True(t, f.tokens(t).HasRefreshToken())
}

func TestClient_ExplicitAuthorizationHeader(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1"), RefreshToken: "r1"})
	f.gateway.accept("service-token")

	t.Run("overrides the session token", func(t *testing.T) {
		_, err := f.client.Do(context.Background(), &Request{
			Method: http.MethodGet,
			Path:   "/properties",
			Header: http.Header{"Authorization": {"Bearer service-token"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Bearer service-token"}, f.gateway.authorizations())
	})

	t.Run("does not refresh on 401", func(t *testing.T) {
		_, err := f.client.Do(context.Background(), &Request{
			Method: http.MethodGet,
			Path:   "/properties",
			Header: http.Header{"Authorization": {"Bearer wrong"}},
		})

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.True(t, apiErr.Unauthorized())
		assert.Zero(t, f.gateway.refreshCalls.Load())
	})
}

func TestClient_NonAuthErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	f.save(t, tokenstore.Grant{AccessToken: tokentest.Valid(t, "user-1"), RefreshToken: "r1"})

	tests := []struct {
		path    string
		status  int
		message string
	}{
		{path: "/missing", status: http.StatusNotFound, message: "property not found"},
		{path: "/broken", status: http.StatusInternalServerError, message: "database down"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := f.client.Get(context.Background(), tt.path, nil)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, http.MethodGet, apiErr.Method)
		})
	}

	assert.Zero(t, f.gateway.refreshCalls.Load())
	assert.True(t, f.tokens(t).HasAccessToken())
}

func TestClient_TokenChangedInFlight(t *testing.T) {
	f := newFixture(t)
	a1 := tokentest.Valid(t, "user-1")
	a2 := tokentest.Valid(t, "user-1b")
	f.save(t, tokenstore.Grant{AccessToken: a1, RefreshToken: "r1"})
	f.gateway.accept(a2)

	f.gateway.onUnauthorized = func() {
		require.NoError(t, f.store.Save(context.Background(), tokenstore.Grant{AccessToken: a2}))
	}

	_, err := f.client.Get(context.Background(), "/properties", nil)
	require.NoError(t, err)
	assert.Zero(t, f.gateway.refreshCalls.Load())
	assert.Equal(t, []string{"Bearer " + a1, "Bearer " + a2}, f.gateway.authorizations())
}

type pauseKey struct{}

// pausingReader blocks the marked request right after its second token read,
// the one made to check for a renewed token after a 401.
type pausingReader struct {
	TokenReader
	reads  atomic.Int32
	paused chan struct{}
	resume chan struct{}
}

func (p *pausingReader) Read(ctx context.Context) (tokenstore.Tokens, error) {
	tokens, err := p.TokenReader.Read(ctx)
	if ctx.Value(pauseKey{}) != nil && p.reads.Add(1) == 2 {
		close(p.paused)
		<-p.resume
	}
	return tokens, err
}

func TestClient_RefreshCompletedBeforeLateCaller(t *testing.T) {
	f := newFixture(t)
	a1 := tokentest.Valid(t, "user-1")
	a2 := tokentest.Valid(t, "user-1b")
	f.save(t, tokenstore.Grant{AccessToken: a1, RefreshToken: "r1"})
	f.gateway.accept(a2)

	// the refresh token is consumed on first use and not rotated
	f.gateway.refresh = func(w http.ResponseWriter, r *http.Request) {
		if f.gateway.refreshCalls.Load() > 1 {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		respondTokens(t, a2, "")(w, r)
	}

	reader := &pausingReader{TokenReader: f.store, paused: make(chan struct{}), resume: make(chan struct{})}
	client, err := NewClient(f.cfg, f.http, reader, f.session, WithMetrics(f.metrics.Metrics))
	require.NoError(t, err)

	lateErr := make(chan error, 1)
	go func() {
		_, err := client.Get(context.WithValue(context.Background(), pauseKey{}, true), "/properties", nil)
		lateErr <- err
	}()

	<-reader.paused

	_, err = client.Get(context.Background(), "/properties", nil)
	require.NoError(t, err)

	close(reader.resume)
	require.NoError(t, <-lateErr)

	assert.Equal(t, int32(1), f.gateway.refreshCalls.Load())

	tokens := f.tokens(t)
	assert.Equal(t, a2, tokens.AccessToken)
	assert.Equal(t, "r1", tokens.RefreshToken)
	assert.True(t, f.session.Snapshot().Authenticated())
}

func TestClient_RequestHeadersAndBody(t *testing.T) {
	var (
		mu        sync.Mutex
		gotHeader http.Header
		gotBodies []string
	)
	a1 := tokentest.Valid(t, "user-1")
	a2 := tokentest.Valid(t, "user-1b")

	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			respondTokens(t, a2, "")(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBodies = append(gotBodies, string(body))
		gotHeader = r.Header.Clone()
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+a2 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL + "/api", UserAgent: "estatedash-test"}
	auth, err := NewAuthClient(cfg, srv.Client())
	require.NoError(t, err)
	sess := session.New(session.Config{}, f.store, auth, session.WithMetrics(f.metrics.Metrics))
	client, err := NewClient(cfg, srv.Client(), f.store, sess, WithMetrics(f.metrics.Metrics))
	require.NoError(t, err)

	f.save(t, tokenstore.Grant{AccessToken: a1, RefreshToken: "r1"})

	resp, err := client.Post(context.Background(), "/properties", map[string]any{"name": "Villa"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{`{"name":"Villa"}`, `{"name":"Villa"}`}, gotBodies, "body is re-sent on retry")
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "application/json", gotHeader.Get("Accept"))
	assert.Equal(t, "estatedash-test", gotHeader.Get("User-Agent"))

	id, err := uuid.Parse(gotHeader.Get("X-Request-Id"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())

	var emptyOut map[string]any
	require.NoError(t, resp.Decode(&emptyOut))
	assert.Nil(t, emptyOut)
}

func TestClient_TransportError(t *testing.T) {
	store := tokenstore.New(tokenstore.NewMemoryBackend())
	rec := telemetrytest.New(t)
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil, store, nil, WithMetrics(rec.Metrics))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/properties", nil)
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Equal(t, int64(1), rec.Count("estatedash.gateway.requests.total", "status_class", "error"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "http", baseURL: "http://localhost:3002/api"},
		{name: "https", baseURL: "https://gateway.example.com"},
		{name: "empty", baseURL: "", wantErr: true},
		{name: "ftp scheme", baseURL: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{BaseURL: tt.baseURL}
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}

	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "/auth/refresh", cfg.RefreshPath)
	assert.Equal(t, "/auth/logout", cfg.LogoutPath)
	assert.Equal(t, "estatedash", cfg.UserAgent)
}
