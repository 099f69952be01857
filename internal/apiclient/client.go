// Package apiclient is the single point of outbound HTTP traffic: JSON
// requests against a base URL with default headers, per-call timeouts,
// exponential-backoff retries and typed errors.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("seenpredyct-apiclient")

// RequestIDHeader is set on every outbound request.
const RequestIDHeader = "X-Request-ID"

// Config holds client settings.
type Config struct {
	BaseURL        string
	DefaultHeaders map[string]string

	Timeout       time.Duration
	UploadTimeout time.Duration

	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// Client executes HTTP requests. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	headers map[string]string

	timeout       time.Duration
	uploadTimeout time.Duration
	maxAttempts   int
	baseDelay     time.Duration
	multiplier    float64

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. Its handler level gates client logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	for k, v := range cfg.DefaultHeaders {
		headers[k] = v
	}

	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{},
		logger:        slog.Default(),
		headers:       headers,
		timeout:       cfg.Timeout,
		uploadTimeout: cfg.UploadTimeout,
		maxAttempts:   cfg.MaxAttempts,
		baseDelay:     cfg.BaseDelay,
		multiplier:    cfg.Multiplier,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the bearer token sent with every request.
func (c *Client) SetAuthToken(token string) {
	c.SetHeader("Authorization", "Bearer "+token)
}

// RemoveAuthToken stops sending the bearer token.
func (c *Client) RemoveAuthToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.headers, "Authorization")
}

// AuthToken returns the current bearer token, or "".
func (c *Client) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.TrimPrefix(c.headers["Authorization"], "Bearer ")
}

// SetHeader sets a default header.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// RequestOption customizes a single call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers map[string]string
	query   url.Values
	timeout time.Duration
}

// WithHeader adds a call-specific header. Call headers override defaults.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithQuery appends query parameters.
func WithQuery(values url.Values) RequestOption {
	return func(o *requestOptions) { o.query = values }
}

// WithTimeout overrides the default timeout for one call.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// Get issues a GET and decodes the response into out (may be nil).
func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.request(ctx, http.MethodGet, path, nil, out, opts)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.request(ctx, http.MethodPost, path, body, out, opts)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.request(ctx, http.MethodPut, path, body, out, opts)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.request(ctx, http.MethodPatch, path, body, out, opts)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.request(ctx, http.MethodDelete, path, nil, out, opts)
}

// request runs one logical call with retries. Attempts are sequential;
// the last error is returned unchanged once attempts are exhausted.
func (c *Client) request(ctx context.Context, method, path string, body, out any, opts []RequestOption) error {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return classify(fmt.Errorf("failed to encode request body: %w", err))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.attempt(ctx, method, path, payload, out, &ro, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Warn("api request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	c.logger.Error("api request failed",
		"method", method,
		"path", path,
		"status", StatusOf(lastErr),
		"error", lastErr,
	)
	return lastErr
}

// backoff returns BaseDelay * Multiplier^(attempt-1).
func (c *Client) backoff(attempt int) time.Duration {
	return time.Duration(float64(c.baseDelay) * math.Pow(c.multiplier, float64(attempt-1)))
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any, ro *requestOptions, attempt int) error {
	timeout := c.timeout
	if ro.timeout > 0 {
		timeout = ro.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.url(path, ro.query)

	ctx, span := tracer.Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", endpoint),
			attribute.Int("retry.attempt", attempt),
		),
	)
	defer span.End()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return classify(err)
	}
	c.applyHeaders(req, ro.headers)

	c.logger.Debug("api request",
		"method", method,
		"url", endpoint,
		"attempt", attempt,
		"request_id", req.Header.Get(RequestIDHeader),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := classify(err)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Code)
		return apiErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		apiErr := classify(err)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Code)
		return apiErr
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("api response",
		"method", method,
		"url", endpoint,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := errorFromResponse(resp.StatusCode, resp.Header.Get("Content-Type"), data)
		span.SetStatus(codes.Error, apiErr.Message)
		return apiErr
	}

	return decode(data, out)
}

func (c *Client) applyHeaders(req *http.Request, extra map[string]string) {
	c.mu.RLock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.mu.RUnlock()

	for k, v := range extra {
		req.Header.Set(k, v)
	}
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.New().String())
	}
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

func decode(data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return classify(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
