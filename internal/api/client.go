// Package api is the REST client for the club backend. It attaches the
// bearer token to every non-auth request, refreshes it once on 401 while
// queuing concurrent callers behind a single refresh, and unwraps the
// paginated `content` envelope some list endpoints use.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired is returned when the token refresh itself fails; the
// caller is expected to force a logout.
var ErrSessionExpired = errors.New("session expired")

// Error is a server-reported failure with its HTTP status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// IsAuth reports whether the error is an authentication failure, which is
// never retried by the cache layer.
func (e *Error) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsAuthError reports whether err carries a 401/403 status.
func IsAuthError(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.IsAuth()
	}
	return errors.Is(err, ErrSessionExpired)
}

// Client is the HTTP transport shared by every API group.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	mu    sync.RWMutex
	token string

	refresh  singleflight.Group
	onLogout func()
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client, used by tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithLogoutHandler registers the callback invoked when a token refresh
// fails and the session must end.
func WithLogoutHandler(fn func()) ClientOption {
	return func(c *Client) { c.onLogout = fn }
}

// NewClient builds a client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 20 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the bearer token used for authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func isAuthEndpoint(path string) bool {
	return strings.HasPrefix(path, "/auth/")
}

// Do performs a JSON request against the backend. A nil out discards the
// response body. On 401 for a non-auth endpoint the token is refreshed
// once (concurrent callers share the refresh) and the request retried.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	err := c.doOnce(ctx, method, path, query, body, out)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || isAuthEndpoint(path) {
		return err
	}

	if refreshErr := c.refreshToken(ctx); refreshErr != nil {
		return refreshErr
	}
	return c.doOnce(ctx, method, path, query, body, out)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !isAuthEndpoint(path) {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Message: serverMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return decodeEnvelope(raw, out)
}

func serverMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// decodeEnvelope decodes a response body into out, unwrapping the
// paginated {"content": [...]} envelope when out expects a list but the
// body is an envelope object.
func decodeEnvelope(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err == nil {
		return nil
	}
	var envelope struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Content != nil {
		if err := json.Unmarshal(envelope.Content, out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("decoding response: unexpected shape %.120s", string(raw))
}

// refreshToken exchanges the expiring token for a fresh one. Concurrent
// callers coalesce into one refresh; a failed refresh clears the token and
// invokes the logout handler.
func (c *Client) refreshToken(ctx context.Context) error {
	_, err, _ := c.refresh.Do("refresh", func() (any, error) {
		expiring := c.Token()
		if expiring == "" {
			return nil, errors.New("no token to refresh")
		}
		body := map[string]string{"token": expiring}
		var payload struct {
			Token string `json:"token"`
		}
		if err := c.doOnce(ctx, http.MethodPost, "/auth/refresh", nil, body, &payload); err != nil {
			return nil, err
		}
		if payload.Token == "" {
			return nil, fmt.Errorf("refresh returned no token")
		}
		c.SetToken(payload.Token)
		c.log.Debug().Msg("Bearer token refreshed")
		return nil, nil
	})
	if err != nil {
		c.SetToken("")
		if c.onLogout != nil {
			c.onLogout()
		}
		c.log.Warn().Err(err).Msg("Token refresh failed, ending session")
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return nil
}
