package commands

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/internal/app"
	"github.com/wolfeidau/estatedash/internal/session"
)

// LoginCmd signs in through the identity provider.
type LoginCmd struct {
	Fragment string        `help:"complete a pending login with the redirect URL or fragment copied from the browser"`
	Listen   string        `help:"loopback address for the redirect listener" default:"127.0.0.1:8085"`
	NoListen bool          `help:"print the authorization URL and exit, finish with --fragment" default:"false"`
	Timeout  time.Duration `help:"how long to wait for the browser redirect" default:"5m"`
}

func (l *LoginCmd) Run(ctx context.Context, globals *Globals) error {
	a, closeApp, err := open(ctx, globals, "http://"+l.Listen+"/auth/callback")
	if err != nil {
		return err
	}
	defer closeApp()

	if l.Fragment != "" {
		return complete(ctx, globals.out(), a, fragmentOf(l.Fragment))
	}

	if err := globals.Flags.ValidateLogin(); err != nil {
		return err
	}

	intent, err := a.Session.BeginLogin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	out := globals.out()
	fmt.Fprintln(out, "Open this URL in your browser to sign in:")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  "+intent.URL)
	fmt.Fprintln(out)

	if l.NoListen {
		fmt.Fprintln(out, "Then run: estatedash login --fragment '<redirected URL>'")
		return nil
	}

	fragment, err := l.awaitRedirect(ctx)
	if err != nil {
		return err
	}

	return complete(ctx, out, a, fragment)
}

// awaitRedirect serves the redirect URI on the loopback address until the
// browser posts back the fragment.
func (l *LoginCmd) awaitRedirect(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", l.Listen)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", l.Listen, err)
	}

	fragments := make(chan string, 1)
	srv := &http.Server{
		Handler:           callbackHandler(fragments),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("redirect listener failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Debug().Str("addr", ln.Addr().String()).Msg("waiting for login redirect")

	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	select {
	case fragment := <-fragments:
		return fragment, nil
	case <-ctx.Done():
		return "", fmt.Errorf("timed out waiting for the login redirect: %w", ctx.Err())
	}
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>estatedash login</title></head>
<body>
<p id="status">Completing sign in...</p>
<script>
var fragment = window.location.hash.replace(/^#/, '');
window.history.replaceState(null, '', window.location.pathname);
fetch('/auth/callback', {
  method: 'POST',
  headers: {'Content-Type': 'application/x-www-form-urlencoded'},
  body: new URLSearchParams({fragment: fragment})
}).then(function (resp) {
  document.getElementById('status').textContent = resp.ok
    ? 'Sign in received. You can close this window.'
    : 'Sign in could not be delivered to the command line.';
});
</script>
</body></html>`))

func callbackHandler(fragments chan<- string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /auth/callback", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = callbackPage.Execute(w, nil)
	})

	mux.HandleFunc("POST /auth/callback", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		select {
		case fragments <- r.PostForm.Get("fragment"):
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "login already received", http.StatusConflict)
		}
	})

	return mux
}

// fragmentOf accepts a full redirect URL or a bare fragment.
func fragmentOf(s string) string {
	if _, after, ok := strings.Cut(s, "#"); ok {
		return after
	}
	return s
}

func complete(ctx context.Context, out io.Writer, a *app.App, fragment string) error {
	intent, err := a.Session.CompleteLogin(ctx, fragment)
	if err != nil {
		return fmt.Errorf("login failed (%s): %w", reasonOf(intent), err)
	}

	snap := a.Session.Snapshot()
	if snap.Authenticated() {
		fmt.Fprintf(out, "Logged in as %s, access token expires %s\n",
			displayName(snap.Identity), snap.Identity.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func reasonOf(intent session.NavigationIntent) string {
	u, err := url.Parse(intent.URL)
	if err != nil {
		return session.ReasonAuthenticationFailed
	}
	if reason := u.Query().Get("error"); reason != "" {
		return reason
	}
	return session.ReasonAuthenticationFailed
}

func displayName(id *session.Identity) string {
	switch {
	case id.Email != "":
		return id.Email
	case id.Name != "":
		return id.Name
	default:
		return id.Subject
	}
}
