package logger

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

var _ http.RoundTripper = (*Transport)(nil)

// Transport logs outbound HTTP calls. Header values are never logged.
type Transport struct {
	logger zerolog.Logger
	next   http.RoundTripper
}

// NewTransport wraps next, defaulting to http.DefaultTransport.
func NewTransport(logger zerolog.Logger, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{logger: logger, next: next}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()

	resp, err := t.next.RoundTrip(req)

	event := t.logger.With().
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Str("path", req.URL.Path).
		Str("requestID", req.Header.Get("X-Request-Id")).
		Dur("duration", time.Since(started)).
		Logger()

	if err != nil {
		event.Error().Err(err).Msg("http call")
		return resp, err
	}

	level := zerolog.DebugLevel
	if resp.StatusCode >= http.StatusInternalServerError {
		level = zerolog.WarnLevel
	}

	event.WithLevel(level).
		Int("status", resp.StatusCode).
		Bool("fromCache", resp.Header.Get("X-From-Cache") == "1").
		Msg("http call")

	return resp, nil
}
