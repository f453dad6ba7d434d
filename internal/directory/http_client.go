package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/padlink/internal/wire"
)

// DefaultTimeout bounds each directory call.
const DefaultTimeout = 10 * time.Second

// HTTPClient is a Directory backed by a Firebase-Realtime-Database style
// REST endpoint: GET and PUT on <base>/<key>.json, values as JSON.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken appends ?auth=<token> to every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.client = &http.Client{Timeout: d} }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) { c.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) { c.logger = logger }
}

// NewHTTPClient returns a client for the database rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) keyURL(key string) string {
	u := c.baseURL + "/" + url.PathEscape(key) + ".json"
	if c.token != "" {
		u += "?auth=" + url.QueryEscape(c.token)
	}
	return u
}

// Get fetches key. A JSON null means the key is absent.
func (c *HTTPClient) Get(ctx context.Context, key string) (string, error) {
	var raw json.RawMessage
	if err := wire.GetJSON(ctx, c.client, c.keyURL(key), &raw); err != nil {
		return "", fmt.Errorf("%w: get %s: %w", ErrUnavailable, key, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return "", ErrNotFound
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("%w: get %s: value is not a string", ErrUnavailable, key)
	}
	c.logger.Debug("directory read", "key", key)
	return value, nil
}

// Set writes key.
func (c *HTTPClient) Set(ctx context.Context, key, value string) error {
	if err := wire.PutJSON(ctx, c.client, c.keyURL(key), value, nil); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrUnavailable, key, err)
	}
	c.logger.Debug("directory write", "key", key)
	return nil
}
