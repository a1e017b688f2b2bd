package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/internal/app"
	"github.com/wolfeidau/estatedash/internal/gateway"
	"github.com/wolfeidau/estatedash/internal/session"
	"github.com/wolfeidau/estatedash/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
	Flags   *app.Flags

	// Out receives command output. Default: os.Stdout
	Out io.Writer
}

func (g *Globals) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// open wires the app for a command. The returned close func flushes
// telemetry and waits for background revocations.
func open(ctx context.Context, globals *Globals, redirectURL string) (*app.App, func(), error) {
	shutdown := func(context.Context) error { return nil }

	if globals.Flags.Tracing {
		var err error
		shutdown, err = telemetry.InitTelemetry(ctx, telemetry.Config{ServiceName: "estatedash-cli", Version: globals.Version})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(context.Context) error { return nil }
		}
	}

	a, err := app.Open(ctx, globals.Flags, redirectURL)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}

	return a, func() {
		a.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}, nil
}

// explain turns session errors into actionable messages.
func explain(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := gateway.RedirectIntent(err); ok {
		return fmt.Errorf("session expired, run 'estatedash login' to sign in again: %w", err)
	}
	if errors.Is(err, session.ErrNoRefreshToken) {
		return fmt.Errorf("not logged in, run 'estatedash login': %w", err)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
