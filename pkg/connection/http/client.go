// Package http is the transport shared by the HTTP engines: pooled,
// retrying and authenticated clients bound to one database of a CouchDB
// compatible server.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/logger"
)

type Client struct {
	BaseURL string
	Bucket  string

	username string
	password string

	httpClient *retryablehttp.Client
	transport  *http.Transport
}

// New builds a client from a normalised configuration.
func New(c *connection.Config, log logger.Logger) (*Client, error) {
	tlsConfig, err := c.TLSConfig()
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        c.Connection.MaxSockets,
		MaxIdleConnsPerHost: c.Connection.MaxSockets,
		MaxConnsPerHost:     c.Connection.MaxSockets,
		ForceAttemptHTTP2:   true,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   c.Connection.Timeout,
	}
	rc.RetryMax = c.Connection.MaxRetries
	// Non-2xx responses are returned as they are so their body can be parsed.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if log != nil {
		rc.Logger = retryablehttp.LeveledLogger(log)
	} else {
		rc.Logger = nil
	}

	return &Client{
		BaseURL:    c.BaseURL(),
		Bucket:     c.Connection.Bucket,
		username:   c.Connection.Username,
		password:   c.Connection.Password,
		httpClient: rc,
		transport:  transport,
	}, nil
}

// URL returns the absolute URL of path below the database. An empty path is
// the database itself.
func (c *Client) URL(path string, query url.Values) string {
	u := c.BaseURL + "/" + url.PathEscape(c.Bucket)
	if path != "" {
		u += "/" + path
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// StandardClient returns an *http.Client that sends through the retrying
// client and authenticates every request. Its requests share the
// configured timeout.
func (c *Client) StandardClient() *http.Client {
	std := c.httpClient.StandardClient()
	std.Transport = c.authenticate(std.Transport)
	return std
}

// StreamingClient returns an authenticating *http.Client without a timeout
// or retries, for responses that stay open such as continuous change feeds.
func (c *Client) StreamingClient() *http.Client {
	return &http.Client{Transport: c.authenticate(c.transport)}
}

func (c *Client) authenticate(next http.RoundTripper) http.RoundTripper {
	return &authTransport{next: next, username: c.username, password: c.password}
}

// authTransport adds basic auth to requests that carry none.
type authTransport struct {
	next     http.RoundTripper
	username string
	password string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.username != "" {
		if _, _, ok := req.BasicAuth(); !ok {
			req = req.Clone(req.Context())
			req.SetBasicAuth(t.username, t.password)
		}
	}
	return t.next.RoundTrip(req)
}

// Greeting performs GET / on the server and returns the undecoded body.
func (c *Client) Greeting(ctx context.Context) ([]byte, error) {
	return c.send(ctx, http.MethodGet, c.BaseURL+"/")
}

func (c *Client) send(ctx context.Context, method, target string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, connection.NewHTTPError(resp.StatusCode, respBytes)
	}
	return respBytes, nil
}

// WebsocketURL returns the ws:// or wss:// counterpart of URL.
func (c *Client) WebsocketURL(path string, query url.Values) string {
	u := c.URL(path, query)
	if strings.HasPrefix(u, constants.HTTPSecureScheme+"://") {
		return constants.WebsocketSecure + strings.TrimPrefix(u, constants.HTTPSecureScheme)
	}
	return constants.WebsocketScheme + strings.TrimPrefix(u, constants.HTTPScheme)
}

// AuthHeader returns the headers a websocket handshake needs.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.username != "" {
		r := &http.Request{Header: h}
		r.SetBasicAuth(c.username, c.password)
	}
	return h
}

// Transport exposes the pooled transport, reused by the websocket dialer's TLS settings.
func (c *Client) Transport() *http.Transport {
	return c.transport
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}
