package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/cmd/cli/internal/commands"
	"github.com/wolfeidau/estatedash/internal/app"
	"github.com/wolfeidau/estatedash/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		app.Flags `embed:""`

		Login      commands.LoginCmd      `cmd:"" help:"Sign in through the identity provider"`
		Status     commands.StatusCmd     `cmd:"" help:"Show the stored session"`
		Refresh    commands.RefreshCmd    `cmd:"" help:"Renew the access token"`
		Logout     commands.LogoutCmd     `cmd:"" help:"Sign out and revoke the refresh token"`
		Request    commands.RequestCmd    `cmd:"" help:"Send an authorized request to the gateway"`
		Properties commands.PropertiesCmd `cmd:"" help:"Manage properties"`
		Users      commands.UsersCmd      `cmd:"" help:"Manage users"`
		Debug      bool                   `help:"Enable debug mode."`
		Version    kong.VersionFlag
	}
)

func main() {
	if err := app.LoadEnv(".env"); err != nil {
		log.Warn().Err(err).Msg("Failed to load .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("estatedash"),
		kong.Vars{
			"version": version,
		},
		kong.Configuration(app.YAMLConfig, app.DefaultConfigFile),
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)

	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Flags: &cli.Flags})
	cmd.FatalIfErrorf(err)
}
