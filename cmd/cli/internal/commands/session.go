package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/estatedash/internal/dashboard"
)

// StatusCmd shows the state of the stored session.
type StatusCmd struct {
	JSON bool `help:"print the session status as JSON" default:"false"`
}

func (s *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	a, closeApp, err := open(ctx, globals, "")
	if err != nil {
		return err
	}
	defer closeApp()

	snap := a.Session.CheckLocal(ctx)
	out := globals.out()

	if s.JSON {
		return printJSON(out, dashboard.SessionStatus{
			IsSettled:       snap.Settled(),
			IsAuthenticated: snap.Authenticated(),
			IsRefreshing:    snap.Refreshing,
			Identity:        snap.Identity,
		})
	}

	if !snap.Authenticated() {
		tokens, err := a.Store.Read(ctx)
		if err == nil && tokens.HasRefreshToken() {
			fmt.Fprintln(out, "Not logged in: the access token has expired, run 'estatedash refresh' to renew it.")
			return nil
		}
		fmt.Fprintln(out, "Not logged in.")
		return nil
	}

	id := snap.Identity
	fmt.Fprintf(out, "Subject:  %s\n", id.Subject)
	if id.Email != "" {
		fmt.Fprintf(out, "Email:    %s\n", id.Email)
	}
	if id.Name != "" {
		fmt.Fprintf(out, "Name:     %s\n", id.Name)
	}
	if len(id.Roles) > 0 {
		fmt.Fprintf(out, "Roles:    %v\n", id.Roles)
	}
	fmt.Fprintf(out, "Expires:  %s (in %s)\n",
		id.ExpiresAt.Local().Format(time.RFC1123), time.Until(id.ExpiresAt).Round(time.Second))

	return nil
}

// RefreshCmd exchanges the stored refresh token for a new access token.
type RefreshCmd struct{}

func (r *RefreshCmd) Run(ctx context.Context, globals *Globals) error {
	a, closeApp, err := open(ctx, globals, "")
	if err != nil {
		return err
	}
	defer closeApp()

	if err := a.Session.Refresh(ctx); err != nil {
		return explain(err)
	}

	snap := a.Session.Snapshot()
	if snap.Authenticated() {
		fmt.Fprintf(globals.out(), "Session refreshed, access token expires %s\n",
			snap.Identity.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

// LogoutCmd clears the stored session and revokes the refresh token.
type LogoutCmd struct{}

func (l *LogoutCmd) Run(ctx context.Context, globals *Globals) error {
	a, closeApp, err := open(ctx, globals, "")
	if err != nil {
		return err
	}
	// waits for the revocation to finish
	defer closeApp()

	if _, err := a.Session.Logout(ctx); err != nil {
		return err
	}

	fmt.Fprintln(globals.out(), "Logged out.")
	return nil
}
