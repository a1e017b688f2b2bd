package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/cmd/server/internal/commands"
	"github.com/wolfeidau/estatedash/internal/app"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag
		Serve   commands.ServeCmd `cmd:"" default:"withargs" help:"Serve the dashboard"`
	}
)

func main() {
	if err := app.LoadEnv(".env"); err != nil {
		log.Warn().Err(err).Msg("Failed to load .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("estatedash-server"),
		kong.Vars{
			"version": version,
		},
		kong.Configuration(app.YAMLConfig, app.DefaultConfigFile),
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Dev: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
