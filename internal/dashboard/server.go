// Package dashboard serves the operator console: login pages, the OAuth
// callback, guarded resource pages and the session status API.
package dashboard

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"filippo.io/csrf"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/internal/assets"
	"github.com/wolfeidau/estatedash/internal/guard"
	httpmiddleware "github.com/wolfeidau/estatedash/internal/http"
	"github.com/wolfeidau/estatedash/internal/models"
	"github.com/wolfeidau/estatedash/internal/resources"
	"github.com/wolfeidau/estatedash/internal/session"
)

//go:embed templates scripts
var content embed.FS

// Config holds dashboard server settings.
type Config struct {
	// CORSOrigins are allowed to call the /api/ routes.
	CORSOrigins []string

	// DisableMinify serves browser scripts untransformed.
	DisableMinify bool
}

// Server renders the dashboard pages for a single session.
type Server struct {
	cfg        Config
	sess       *session.Session
	properties *resources.Collection[models.Property]
	users      *resources.Collection[models.User]
	pages      *assets.Pipeline
}

// New creates a dashboard server. caller issues the authorized gateway calls.
func New(cfg Config, sess *session.Session, caller resources.Caller) (*Server, error) {
	assetCfg := assets.DefaultConfig()
	assetCfg.Minify = !cfg.DisableMinify

	pages, err := assets.NewWithFuncs(content, assetCfg, template.FuncMap{"price": formatPrice})
	if err != nil {
		return nil, fmt.Errorf("failed to load dashboard assets: %w", err)
	}

	return &Server{
		cfg:        cfg,
		sess:       sess,
		properties: resources.Properties(caller),
		users:      resources.Users(caller),
		pages:      pages,
	}, nil
}

// Handler returns the root handler for the dashboard.
func (s *Server) Handler() http.Handler {
	loginPath := s.sess.Config().LoginPath
	requireAuth := guard.Require(s.sess, loginPath, http.HandlerFunc(s.loadingPage))

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+loginPath, s.loginPage)
	mux.HandleFunc("POST "+loginPath, s.beginLogin)
	mux.HandleFunc("GET /auth/callback", s.callbackPage)
	mux.HandleFunc("POST /auth/callback", s.completeLogin)
	mux.HandleFunc("POST /logout", s.logout)
	mux.Handle("GET /{$}", requireAuth(http.HandlerFunc(s.propertiesPage)))
	mux.Handle("GET /users", requireAuth(http.HandlerFunc(s.usersPage)))
	mux.Handle("GET /static/", s.pages.ScriptHandler())

	api := http.NewServeMux()
	api.Handle("GET /api/session", gzhttp.GzipHandler(http.HandlerFunc(s.sessionStatus)))
	api.HandleFunc("GET /api/session/events", s.sessionEvents)

	// CSRF protection for HTML pages (not applied to API routes)
	protection := csrf.New()
	pages := gzhttp.GzipHandler(protection.Handler(mux))
	apiHandler := withCORS(s.cfg.CORSOrigins, api)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRoute(r.URL.Path) {
			apiHandler.ServeHTTP(w, r)
			return
		}
		pages.ServeHTTP(w, r)
	})

	return httpmiddleware.Chain(handler,
		httpmiddleware.ClientIPMiddleware(),
		httpmiddleware.RequestLogger(log.Logger),
	)
}

// isAPIRoute returns true if the path is an API route that needs CORS instead of CSRF
func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// withCORS adds CORS support to the session API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Cache-Control", "Last-Event-ID"},
	})
	return middleware.Handler(h)
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := s.pages.Render(w, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("Failed to render template")
	}
}

func formatPrice(v float64) string {
	whole := strconv.FormatInt(int64(v), 10)

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 && whole[i-1] != '-' {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return "$" + b.String()
}
