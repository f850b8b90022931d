// Package vakta provides the Vakta tutoring client SDK for Go.
//
// The SDK talks to the Vakta chat service over a persistent websocket per
// conversation, reconstructs streamed assistant replies, and hands speech
// audio plus lip-sync timing to an avatar renderer through a message
// bridge.
package vakta

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultConnectTimeout = 15 * time.Second

// Client is the main entry point for the SDK.
type Client struct {
	Chat *ChatService

	// Internal
	baseURL        string
	token          string
	httpClient     *http.Client
	logger         *slog.Logger
	connectTimeout time.Duration
}

// NewClient creates a new client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		logger:         slog.Default(),
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}

	c.Chat = &ChatService{client: c}
	return c
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// endpoint joins path onto the base URL.
func (c *Client) endpoint(path string) (string, error) {
	if c.baseURL == "" {
		return "", NewInvalidRequestError("client base URL is not set")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path, nil
}

// websocketEndpoint maps the base URL onto the websocket scheme and joins
// path.
func (c *Client) websocketEndpoint(path string) (string, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", NewInvalidRequestError("invalid service base URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", NewInvalidRequestError("service base URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
