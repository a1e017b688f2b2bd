// Package guard decides whether a protected page may render for the current
// session snapshot.
package guard

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/internal/session"
)

// Action is the outcome of a guard decision.
type Action int

const (
	// Loading renders a neutral placeholder while the session is unsettled.
	Loading Action = iota
	Render
	Redirect
)

func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return "loading"
	}
}

// Decision is what the page renderer should do for a protected page.
type Decision struct {
	Action Action

	// Location is set for Redirect. The guarded URL is replaced, not pushed.
	Location string
}

// Decide maps a snapshot to a decision. An unsettled session never
// redirects. The redirect carries why the last session ended, if known.
func Decide(snap session.Snapshot, loginPath string) Decision {
	switch {
	case !snap.Settled():
		return Decision{Action: Loading}
	case snap.Authenticated():
		return Decision{Action: Render}
	default:
		location := loginPath
		if params := snap.LoginParams(); len(params) > 0 {
			location += "?" + params.Encode()
		}
		return Decision{Action: Redirect, Location: location}
	}
}

// Source provides the session snapshot to guard on.
type Source interface {
	Snapshot() session.Snapshot
}

// Checker is implemented by sources that can re-read local storage before a
// decision is made.
type Checker interface {
	CheckLocal(ctx context.Context) session.Snapshot
}

type contextKey string

const identityContextKey contextKey = "identity"

// Require protects next. Unauthenticated requests are sent to loginPath with
// 303 See Other, unsettled ones are served by loading. On success the
// identity is added to the request context.
func Require(source Source, loginPath string, loading http.Handler) func(http.Handler) http.Handler {
	if loading == nil {
		loading = http.HandlerFunc(defaultLoading)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var snap session.Snapshot
			if checker, ok := source.(Checker); ok {
				snap = checker.CheckLocal(r.Context())
			} else {
				snap = source.Snapshot()
			}

			decision := Decide(snap, loginPath)
			switch decision.Action {
			case Loading:
				w.Header().Set("Cache-Control", "no-store")
				loading.ServeHTTP(w, r)
			case Redirect:
				log.Debug().Str("path", r.URL.Path).Msg("no session, redirecting to login")
				http.Redirect(w, r, decision.Location, http.StatusSeeOther)
			default:
				ctx := context.WithValue(r.Context(), identityContextKey, snap.Identity)
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// IdentityFromContext returns the identity stored by Require.
func IdentityFromContext(ctx context.Context) (*session.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*session.Identity)
	return identity, ok && identity != nil
}

func defaultLoading(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Loading..."))
}
