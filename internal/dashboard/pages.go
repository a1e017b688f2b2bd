package dashboard

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/estatedash/internal/gateway"
	"github.com/wolfeidau/estatedash/internal/guard"
	"github.com/wolfeidau/estatedash/internal/models"
	"github.com/wolfeidau/estatedash/internal/session"
)

var loginErrors = map[string]string{
	session.ReasonStateMismatch:        "The sign-in response did not match a pending sign in. Please try again.",
	session.ReasonNoTokenInFragment:    "The identity provider did not return an access token.",
	session.ReasonStorageFailed:        "Your session could not be saved on this machine.",
	session.ReasonAuthenticationFailed: "Authentication failed.",
	session.ReasonSessionExpired:       "Your session has expired. Please sign in again.",
}

type page struct {
	Title    string
	Identity *session.Identity
	Error    string
}

type loginPage struct {
	page
	Reason        string
	Notice        string
	Authenticated bool
}

type propertiesPage struct {
	page
	Properties []models.Property
}

type usersPage struct {
	page
	Users []models.User
}

func identity(ctx context.Context) *session.Identity {
	id, _ := guard.IdentityFromContext(ctx)
	return id
}

func loginMessage(reason string) string {
	if reason == "" {
		return ""
	}
	if msg, ok := loginErrors[reason]; ok {
		return msg
	}
	return "The identity provider refused the sign in (" + reason + ")."
}

func (s *Server) loginPage(w http.ResponseWriter, r *http.Request) {
	snap := s.sess.CheckLocal(r.Context())

	data := loginPage{
		page:          page{Title: "Sign in"},
		Reason:        r.URL.Query().Get("error"),
		Authenticated: snap.Authenticated(),
	}
	data.Error = loginMessage(data.Reason)
	if r.URL.Query().Get("logout") == "success" {
		data.Notice = "You have been signed out."
	}

	s.render(w, http.StatusOK, "login", data)
}

func (s *Server) beginLogin(w http.ResponseWriter, r *http.Request) {
	intent, err := s.sess.BeginLogin(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to start login")
		http.Redirect(w, r, s.sess.Config().LoginPath+"?error="+session.ReasonStorageFailed, http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, intent.URL, http.StatusSeeOther)
}

func (s *Server) callbackPage(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "callback", page{Title: "Signing in"})
}

func (s *Server) completeLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	// the outcome is logged by the session, the intent carries the reason
	intent, _ := s.sess.CompleteLogin(r.Context(), r.PostForm.Get("fragment"))
	http.Redirect(w, r, intent.URL, http.StatusSeeOther)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	intent, err := s.sess.Logout(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("logout did not clear local storage")
	}

	http.Redirect(w, r, intent.URL, http.StatusSeeOther)
}

func (s *Server) loadingPage(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "loading", page{Title: "Loading"})
}

func (s *Server) propertiesPage(w http.ResponseWriter, r *http.Request) {
	props, err := s.properties.List(r.Context())
	if s.redirectIfExpired(w, r, err) {
		return
	}

	data := propertiesPage{page: page{Title: "Properties", Identity: identity(r.Context())}, Properties: props}
	s.renderResult(w, r, "properties", &data.page, &data, err)
}

func (s *Server) usersPage(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if s.redirectIfExpired(w, r, err) {
		return
	}

	data := usersPage{page: page{Title: "Users", Identity: identity(r.Context())}, Users: users}
	s.renderResult(w, r, "users", &data.page, &data, err)
}

// redirectIfExpired follows the login intent of a forced logout.
func (s *Server) redirectIfExpired(w http.ResponseWriter, r *http.Request, err error) bool {
	intent, ok := gateway.RedirectIntent(err)
	if !ok {
		return false
	}
	http.Redirect(w, r, intent.URL, http.StatusSeeOther)
	return true
}

func (s *Server) renderResult(w http.ResponseWriter, r *http.Request, name string, p *page, data any, err error) {
	if err == nil {
		s.render(w, http.StatusOK, name, data)
		return
	}

	zerolog.Ctx(r.Context()).Warn().Err(err).Str("page", name).Msg("gateway call failed")

	p.Error = "The gateway could not be reached. Please try again."
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		p.Error = "The gateway returned an error: " + apiErr.Error()
	}
	if errors.Is(err, gateway.ErrUnauthorized) {
		p.Error = "The gateway did not accept your session for this request."
	}

	s.render(w, http.StatusBadGateway, name, data)
}
