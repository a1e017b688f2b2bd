package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/internal/app"
	"github.com/wolfeidau/estatedash/internal/dashboard"
	"github.com/wolfeidau/estatedash/internal/logger"
	"github.com/wolfeidau/estatedash/internal/telemetry"
)

type ServeCmd struct {
	app.Flags `embed:""`

	// Server configuration
	Listen  string `help:"HTTP server listen address" default:"127.0.0.1:8080" env:"ESTATEDASH_LISTEN"`
	BaseURL string `help:"public URL of the dashboard, used for the OAuth redirect URI" default:"" env:"ESTATEDASH_BASE_URL"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for the session API" default:"http://localhost:5173" env:"ESTATEDASH_CORS_ORIGINS"`

	DisableMinify bool `help:"serve browser scripts without minification" default:"false" env:"ESTATEDASH_DISABLE_MINIFY"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Dev)
	zlog.Logger = log

	log.Info().Str("version", globals.Version).Bool("debug", globals.Dev).Msg("Starting dashboard")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{ServiceName: "estatedash-server", Version: globals.Version})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	if err := c.ValidateLogin(); err != nil {
		return err
	}

	a, err := app.Open(ctx, &c.Flags, c.redirectURL())
	if err != nil {
		return err
	}
	defer a.Close()

	// settle the session before the first page is served
	snap := a.Session.CheckLocal(ctx)
	log.Info().Str("status", snap.Status.String()).Str("store", c.Store).Str("profile", c.Profile).Msg("Session loaded")

	dash, err := dashboard.New(dashboard.Config{CORSOrigins: c.CORSOrigins, DisableMinify: c.DisableMinify}, a.Session, a.Gateway)
	if err != nil {
		return err
	}

	srv := configureHTTPServer(c.Listen, dash.Handler())
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Str("redirectURL", a.Session.Config().RedirectURL).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *ServeCmd) redirectURL() string {
	base := c.BaseURL
	if base == "" {
		base = "http://" + c.Listen
	}
	return base + "/auth/callback"
}
