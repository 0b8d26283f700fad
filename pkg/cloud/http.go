package cloud

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
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Name     string
	Endpoint string
	Username string
	Password string
	Tenant   string
	Timeout  time.Duration
}

// HTTPClient talks to a REST cloud API:
//
//	POST   {endpoint}/auth/tokens
//	GET    {api}/v1/{kind}
//	POST   {api}/v1/{kind}
//	GET    {api}/v1/{kind}/{id}
//	DELETE {api}/v1/{kind}/{id}
//	POST   {api}/v1/{kind}/{id}/action
//
// where {api} is the endpoint returned with the token, or the configured
// endpoint when none is returned. A 401 invalidates the shared token and the
// request is retried once with a new one.
type HTTPClient struct {
	cfg    HTTPConfig
	http   *http.Client
	tokens *TokenCache
	logger zerolog.Logger
}

// NewHTTPClient creates a client. Requests are traced with OpenTelemetry.
func NewHTTPClient(cfg HTTPConfig, logger zerolog.Logger) (*HTTPClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("cloud name is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint for cloud %s: %w", cfg.Name, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str("component", "cloud").Str("cloud", cfg.Name).Logger(),
	}
	c.tokens = NewTokenCache(c.authenticate)
	return c, nil
}

// Name returns the cloud name.
func (c *HTTPClient) Name() string {
	return c.cfg.Name
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Tenant   string `json:"tenant,omitempty"`
}

func (c *HTTPClient) authenticate(ctx context.Context) (Token, error) {
	body, err := json.Marshal(authRequest{Username: c.cfg.Username, Password: c.cfg.Password, Tenant: c.cfg.Tenant})
	if err != nil {
		return Token{}, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.Endpoint, "/")+"/auth/tokens", bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Token{}, c.apiError(resp, "auth", "")
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Token{}, fmt.Errorf("failed to decode token: %w", err)
	}
	if tok.Endpoint == "" {
		tok.Endpoint = c.cfg.Endpoint
	}

	c.logger.Debug().Time("expires_at", tok.ExpiresAt).Msg("Authenticated")
	return tok, nil
}

// List returns every resource of kind.
func (c *HTTPClient) List(ctx context.Context, kind string) ([]Resource, error) {
	var out struct {
		Items []Resource `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, kind, "", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Get returns one resource.
func (c *HTTPClient) Get(ctx context.Context, kind, id string) (Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodGet, kind, id, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create creates a resource and returns the cloud's representation of it.
func (c *HTTPClient) Create(ctx context.Context, kind string, r Resource) (Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodPost, kind, "", "", r, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a resource.
func (c *HTTPClient) Delete(ctx context.Context, kind, id string) error {
	return c.do(ctx, http.MethodDelete, kind, id, "", nil, nil)
}

// Action triggers a named operation on a resource.
func (c *HTTPClient) Action(ctx context.Context, kind, id, action string) error {
	return c.do(ctx, http.MethodPost, kind, id, "action", map[string]string{"action": action}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, kind, id, sub string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.tokens.Get(ctx)
		if err != nil {
			return err
		}

		path := "/v1/" + url.PathEscape(kind)
		if id != "" {
			path += "/" + url.PathEscape(id)
		}
		if sub != "" {
			path += "/" + sub
		}

		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(tok.Endpoint, "/")+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("X-Auth-Token", tok.Value)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s failed: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			c.logger.Debug().Str("path", path).Msg("Token rejected, re-authenticating")
			c.tokens.Invalidate(tok.Value)
			continue
		}

		err = c.decode(resp, kind, id, out)
		_ = resp.Body.Close()
		return err
	}
}

func (c *HTTPClient) decode(resp *http.Response, kind, id string, out any) error {
	if resp.StatusCode >= 300 {
		return c.apiError(resp, kind, id)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s response: %w", kind, err)
	}
	return nil
}

func (c *HTTPClient) apiError(resp *http.Response, kind, id string) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Cloud: c.cfg.Name, Kind: kind, ID: id, StatusCode: resp.StatusCode, Message: msg}
}
