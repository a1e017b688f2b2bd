// Package app assembles the token store, session and gateway client from
// command line flags.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/internal/gateway"
	"github.com/wolfeidau/estatedash/internal/session"
	"github.com/wolfeidau/estatedash/internal/tokenstore"
	"github.com/wolfeidau/estatedash/internal/tokenstore/postgres"
)

// App holds the wired components for one profile.
type App struct {
	Store   *tokenstore.Store
	Session *session.Session
	Gateway *gateway.Client

	closers []func()
}

// Open builds the components described by flags. redirectURL is used when
// the flags do not name one.
func Open(ctx context.Context, flags *Flags, redirectURL string) (*App, error) {
	a := &App{}

	backend, err := a.openBackend(ctx, flags)
	if err != nil {
		return nil, err
	}
	a.Store = tokenstore.New(backend)

	gwCfg := gateway.Config{BaseURL: flags.GatewayURL}
	httpClient := gateway.NewHTTPClient(gateway.TransportConfig{
		Timeout:  flags.Timeout,
		Cache:    flags.Cache,
		CacheDir: flags.CacheDir,
		Tracing:  flags.Tracing,
	})

	auth, err := gateway.NewAuthClient(gwCfg, httpClient)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}

	if flags.RedirectURL != "" {
		redirectURL = flags.RedirectURL
	}

	a.Session = session.New(session.Config{
		AuthorizeURL: flags.AuthorizeURL,
		ClientID:     flags.ClientID,
		RedirectURL:  redirectURL,
		Scopes:       flags.Scopes,
	}, a.Store, auth)
	a.closers = append(a.closers, a.Session.Wait)

	a.Gateway, err = gateway.NewClient(gwCfg, httpClient, a.Store, a.Session)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	return a, nil
}

func (a *App) openBackend(ctx context.Context, flags *Flags) (tokenstore.Backend, error) {
	switch flags.Store {
	case StoreMemory:
		log.Debug().Msg("Using in-memory token store")
		return tokenstore.NewMemoryBackend(), nil

	case StorePostgres:
		if err := flags.Postgres.ValidateConnection(); err != nil {
			return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
		}

		pool, err := postgres.NewPool(ctx, &postgres.PoolConfig{
			ConnString: flags.Postgres.ConnString,
			MaxConns:   flags.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		if flags.Postgres.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		log.Debug().Str("profile", flags.Profile).Msg("Using PostgreSQL token store")
		return postgres.NewBackend(pool, flags.Profile), nil

	case StoreFile, "":
		backend, err := tokenstore.NewFileBackend(flags.ProfileDir, flags.Profile)
		if err != nil {
			return nil, err
		}
		return backend, nil

	default:
		return nil, errors.New("unknown token store type: " + flags.Store)
	}
}

// Close waits for background revocations and releases connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
