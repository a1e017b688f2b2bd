package gateway

import (
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/estatedash/internal/logger"
)

// TransportConfig selects the layers of the gateway HTTP client.
type TransportConfig struct {
	// Timeout bounds every exchange. Default: 30 seconds
	Timeout time.Duration

	// Cache enables HTTP caching of cacheable GET responses.
	Cache bool

	// CacheDir persists the cache on disk. Empty keeps it in memory.
	CacheDir string

	// Tracing records an OpenTelemetry client span per exchange.
	Tracing bool
}

// NewHTTPClient builds the HTTP client used for gateway calls.
func NewHTTPClient(cfg TransportConfig) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	var transport http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()

	if cfg.Tracing {
		transport = otelhttp.NewTransport(transport)
	}

	if cfg.Cache {
		var cache httpcache.Cache = httpcache.NewMemoryCache()
		if cfg.CacheDir != "" {
			cache = diskcache.New(cfg.CacheDir)
		}
		cached := httpcache.NewTransport(cache)
		cached.Transport = transport
		transport = cached
	}

	transport = logger.NewTransport(log.Logger, transport)

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
