package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_LogsCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: NewTransport(zerolog.New(&buf).Level(zerolog.DebugLevel), nil)}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/properties", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Request-Id", "req-1")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/properties", entry["path"])
	assert.Equal(t, "req-1", entry["requestID"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, false, entry["fromCache"])
	assert.NotContains(t, buf.String(), "secret-token")
}

func TestTransport_LogsErrors(t *testing.T) {
	var buf bytes.Buffer
	client := &http.Client{Transport: NewTransport(zerolog.New(&buf), nil)}

	_, err := client.Get("http://127.0.0.1:1/unreachable")
	require.Error(t, err)

	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "/unreachable")
}

func TestSetup(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, Setup(false).GetLevel())
	assert.Equal(t, zerolog.DebugLevel, Setup(true).GetLevel())
}
