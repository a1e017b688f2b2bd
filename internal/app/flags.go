package app

import (
	"errors"
	"time"
)

// Store types accepted by --store.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Flags are the connection settings shared by the CLI and the dashboard
// server. Every flag can also be set from the environment, a .env file or
// the YAML config file.
type Flags struct {
	// Gateway configuration
	GatewayURL string        `help:"gateway API base URL" default:"http://localhost:3002/api" env:"ESTATEDASH_GATEWAY_URL"`
	Timeout    time.Duration `help:"timeout for each gateway request" default:"30s" env:"ESTATEDASH_TIMEOUT"`
	Cache      bool          `help:"cache cacheable gateway responses" default:"false" env:"ESTATEDASH_CACHE"`
	CacheDir   string        `help:"persist the response cache in this directory" default:"" env:"ESTATEDASH_CACHE_DIR"`
	Tracing    bool          `help:"enable tracing and OTLP metrics" default:"false" env:"ESTATEDASH_TRACING"`

	// Identity provider configuration
	AuthorizeURL string   `help:"identity provider authorization endpoint" default:"" env:"ESTATEDASH_AUTHORIZE_URL"`
	ClientID     string   `help:"OAuth client ID" default:"" env:"ESTATEDASH_CLIENT_ID"`
	RedirectURL  string   `help:"OAuth redirect URI registered for this client" default:"" env:"ESTATEDASH_REDIRECT_URL"`
	Scopes       []string `help:"OAuth scopes to request" env:"ESTATEDASH_SCOPES"`

	// Token store configuration
	Store      string        `help:"token store type (file, memory or postgres)" default:"file" env:"ESTATEDASH_STORE" enum:"file,memory,postgres"`
	Profile    string        `help:"token store profile name" default:"default" env:"ESTATEDASH_PROFILE"`
	ProfileDir string        `help:"directory for file profiles (default ~/.estatedash/profiles)" default:"" env:"ESTATEDASH_PROFILE_DIR"`
	Postgres   PostgresFlags `embed:"" prefix:"postgres-"`
}

// PostgresFlags configure the postgres token store.
type PostgresFlags struct {
	ConnString  string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	MaxConns    int32  `help:"maximum number of connections in pool" default:"4"`
	AutoMigrate bool   `help:"run token store migrations on startup" default:"true" env:"ESTATEDASH_POSTGRES_AUTO_MIGRATE"`
}

// ValidateConnection checks that a connection string is set.
func (p *PostgresFlags) ValidateConnection() error {
	if p.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// ValidateLogin checks the settings needed to start an interactive login.
func (f *Flags) ValidateLogin() error {
	if f.AuthorizeURL == "" {
		return errors.New("authorization URL is required (--authorize-url or ESTATEDASH_AUTHORIZE_URL)")
	}
	if f.ClientID == "" {
		return errors.New("client ID is required (--client-id or ESTATEDASH_CLIENT_ID)")
	}
	return nil
}
