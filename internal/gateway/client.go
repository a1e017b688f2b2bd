// Package gateway is the HTTP client for the backend API gateway. It attaches
// the session bearer token to every call and recovers from expired access
// tokens by refreshing once and retrying.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/estatedash/internal/session"
	"github.com/wolfeidau/estatedash/internal/telemetry"
	"github.com/wolfeidau/estatedash/internal/tokenstore"
)

const maxResponseBytes = 10 << 20

// TokenReader reads the stored access token when each request is built.
type TokenReader interface {
	Read(ctx context.Context) (tokenstore.Tokens, error)
}

// Session is the part of the session state machine used by the retry protocol.
type Session interface {
	RefreshStale(ctx context.Context, staleAccessToken string) error
	Expire(ctx context.Context) session.NavigationIntent
}

// Config holds gateway connection settings.
type Config struct {
	// BaseURL is the gateway root, e.g. http://localhost:3002/api
	BaseURL string

	// RefreshPath is the token refresh endpoint. Default: /auth/refresh
	RefreshPath string

	// LogoutPath is the refresh token revocation endpoint. Default: /auth/logout
	LogoutPath string

	// UserAgent is sent with every request. Default: estatedash
	UserAgent string
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.RefreshPath == "" {
		c.RefreshPath = "/auth/refresh"
	}
	if c.LogoutPath == "" {
		c.LogoutPath = "/auth/logout"
	}
	if c.UserAgent == "" {
		c.UserAgent = "estatedash"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("gateway base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid gateway base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway base URL must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (c *Config) baseURL() (*url.URL, error) {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return url.Parse(c.BaseURL)
}

// Request describes one logical gateway call.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is encoded as JSON unless it is a []byte or json.RawMessage.
	Body any

	// Header is sent as is. An Authorization header here overrides the
	// session bearer token and disables the refresh protocol for the call.
	Header http.Header
}

// Response is a successful gateway response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// Client issues authorized gateway calls.
type Client struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
	tokens     TokenReader
	session    Session
	metrics    *telemetry.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMetrics records gateway metrics on m instead of the global instruments.
func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a gateway client. httpClient defaults to http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, tokens TokenReader, sess Session, opts ...ClientOption) (*Client, error) {
	base, err := cfg.baseURL()
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		cfg:        cfg,
		base:       base,
		httpClient: httpClient,
		tokens:     tokens,
		session:    sess,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = telemetry.GetMetrics()
	}

	return c, nil
}

// Get issues a GET request for path.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
}

// Delete issues a DELETE request for path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// call is a logical request prepared once and sent on every attempt.
type call struct {
	req       *Request
	body      []byte
	requestID string
	explicit  bool
}

// Do sends req. A 401 response triggers at most one refresh and one retry.
// Errors other than authorization failures are returned unchanged as *APIError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	cl := &call{
		req:       req,
		body:      body,
		requestID: newRequestID(),
		explicit:  req.Header.Get("Authorization") != "",
	}

	return c.do(ctx, cl, 0)
}

func (c *Client) do(ctx context.Context, cl *call, attempt int) (*Response, error) {
	resp, sentToken, err := c.send(ctx, cl)
	if err == nil {
		return resp, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Unauthorized() || cl.explicit {
		return nil, err
	}

	c.metrics.UnauthorizedTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))

	if attempt > 0 {
		log.Warn().Str("path", cl.req.Path).Str("requestID", cl.requestID).Msg("request still unauthorized after refresh")
		return nil, &UnauthorizedError{Err: apiErr}
	}

	if c.renewedSince(ctx, sentToken) {
		log.Debug().Str("path", cl.req.Path).Msg("access token changed while in flight, retrying")
		return c.retry(ctx, cl, attempt)
	}

	refreshErr := c.session.RefreshStale(ctx, sentToken)
	switch {
	case refreshErr == nil:
		return c.retry(ctx, cl, attempt)

	case session.IsTerminal(refreshErr):
		if c.renewedSince(ctx, sentToken) {
			log.Debug().Str("path", cl.req.Path).Msg("session renewed during failed refresh, retrying")
			return c.retry(ctx, cl, attempt)
		}
		intent := c.session.Expire(ctx)
		c.metrics.ForcedLogoutsTotal.Add(ctx, 1)
		return nil, &UnauthorizedError{Intent: &intent, Err: errors.Join(apiErr, refreshErr)}

	default:
		return nil, errors.Join(apiErr, refreshErr)
	}
}

// renewedSince reports whether a different access token than sent is stored.
func (c *Client) renewedSince(ctx context.Context, sent string) bool {
	current, err := c.tokens.Read(ctx)
	return err == nil && current.HasAccessToken() && current.AccessToken != sent
}

func (c *Client) retry(ctx context.Context, cl *call, attempt int) (*Response, error) {
	c.metrics.RetriesTotal.Add(ctx, 1)
	return c.do(ctx, cl, attempt+1)
}

// send performs one HTTP exchange and returns the bearer token it attached.
func (c *Client) send(ctx context.Context, cl *call) (*Response, string, error) {
	u := c.base.JoinPath(cl.req.Path)
	if len(cl.req.Query) > 0 {
		u.RawQuery = cl.req.Query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}

	method := cl.req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build gateway request: %w", err)
	}

	for k, vs := range cl.req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("X-Request-Id", cl.requestID)
	if cl.body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	var token string
	if !cl.explicit {
		tokens, err := c.tokens.Read(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read access token, sending unauthenticated")
		}
		if tokens.HasAccessToken() {
			token = tokens.AccessToken
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	started := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.record(ctx, method, "error", started)
		return nil, token, fmt.Errorf("gateway %s %s failed: %w", method, cl.req.Path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		c.record(ctx, method, "error", started)
		return nil, token, fmt.Errorf("failed to read gateway response: %w", err)
	}

	c.record(ctx, method, strconv.Itoa(httpResp.StatusCode/100)+"xx", started)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, token, newAPIError(method, cl.req.Path, httpResp.StatusCode, data)
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, token, nil
}

func (c *Client) record(ctx context.Context, method, class string, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("method", method), attribute.String("status_class", class))
	c.metrics.RequestsTotal.Add(ctx, 1, attrs)
	c.metrics.RequestDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, nil
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
