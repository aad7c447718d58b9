// Package controlplane is the REST client for the remote cloud control
// plane: ephemeral identities and tagged resources. Requests carry an
// OAuth2 client-credentials token and are paced by a client-side limiter.
// Throttling, 5xx and network failures surface as *domain.TransientError.
package controlplane

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

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
)

var (
	ErrNotFound      = errors.New("control plane resource not found")
	ErrAlreadyExists = errors.New("control plane resource already exists")
	ErrUnauthorized  = errors.New("control plane request unauthorized")
	ErrForbidden     = errors.New("control plane request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("control plane api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("control plane api error (status=%d): %s", e.StatusCode, body)
}

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	RequestRate  float64
	Burst        int
	Timeout      time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CONTROL_PLANE_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	rps, err := env.Int("CONTROL_PLANE_RPS", 10)
	if err != nil {
		return Config{}, err
	}
	burst, err := env.Int("CONTROL_PLANE_BURST", 20)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:      strings.TrimSpace(env.String("CONTROL_PLANE_URL", "")),
		TokenURL:     strings.TrimSpace(env.String("CONTROL_PLANE_TOKEN_URL", "")),
		ClientID:     strings.TrimSpace(env.String("CONTROL_PLANE_CLIENT_ID", "")),
		ClientSecret: env.String("CONTROL_PLANE_CLIENT_SECRET", ""),
		Scopes:       env.CSV("CONTROL_PLANE_SCOPES", nil),
		RequestRate:  float64(rps),
		Burst:        burst,
		Timeout:      timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("CONTROL_PLANE_URL is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("CONTROL_PLANE_URL is invalid: %w", err)
	}
	if c.TokenURL != "" && (c.ClientID == "" || c.ClientSecret == "") {
		return errors.New("CONTROL_PLANE_CLIENT_ID and CONTROL_PLANE_CLIENT_SECRET are required with CONTROL_PLANE_TOKEN_URL")
	}
	if c.RequestRate <= 0 {
		return errors.New("CONTROL_PLANE_RPS must be positive")
	}
	if c.Burst < 1 {
		return errors.New("CONTROL_PLANE_BURST must be >= 1")
	}
	if c.Timeout <= 0 {
		return errors.New("CONTROL_PLANE_TIMEOUT must be positive")
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a client. Without a TokenURL requests go out unauthenticated,
// which only local fakes accept.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(ctx)
		httpClient.Timeout = cfg.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.Burst),
	}, nil
}

// Identity is an ephemeral principal. Secret is returned once at creation.
type Identity struct {
	PrincipalID string `json:"principal_id"`
	Secret      string `json:"secret"`
}

type createIdentityRequest struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (c *Client) CreateIdentity(ctx context.Context, name string, labels map[string]string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, errors.New("identity name is required")
	}
	var out Identity
	if err := c.call(ctx, "create identity", http.MethodPost, "/v1/identities", createIdentityRequest{Name: name, Labels: labels}, &out); err != nil {
		return Identity{}, err
	}
	if out.PrincipalID == "" {
		return Identity{}, errors.New("control plane returned identity without principal_id")
	}
	return out, nil
}

type scopeRequest struct {
	Permissions []string `json:"permissions"`
}

func (c *Client) AssignScope(ctx context.Context, principalID string, permissions []string) error {
	path := "/v1/identities/" + url.PathEscape(principalID) + "/scope"
	return c.call(ctx, "assign scope", http.MethodPut, path, scopeRequest{Permissions: permissions}, nil)
}

// DeleteIdentity treats an already-deleted identity as success.
func (c *Client) DeleteIdentity(ctx context.Context, principalID string) error {
	path := "/v1/identities/" + url.PathEscape(principalID)
	err := c.call(ctx, "delete identity", http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

type listResourcesResponse struct {
	Resources []domain.ResourceRecord `json:"resources"`
}

func (c *Client) ListResourcesByTag(ctx context.Context, tag string) ([]domain.ResourceRecord, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, errors.New("resource tag is required")
	}
	var out listResourcesResponse
	if err := c.call(ctx, "list resources", http.MethodGet, "/v1/resources?tag="+url.QueryEscape(tag), nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Resources {
		if out.Resources[i].Tag == "" {
			out.Resources[i].Tag = tag
		}
	}
	return out.Resources, nil
}

// DeleteResource treats an already-deleted resource as success.
func (c *Client) DeleteResource(ctx context.Context, resource domain.ResourceRecord) error {
	if resource.ID == "" || resource.Type == "" {
		return errors.New("resource id and type are required")
	}
	path := "/v1/resources/" + url.PathEscape(resource.Type) + "/" + url.PathEscape(resource.ID)
	err := c.call(ctx, "delete resource", http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return &domain.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return &domain.TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &domain.TransientError{Op: op, Err: &APIError{StatusCode: resp.StatusCode, Body: string(raw)}}
	default:
		return fmt.Errorf("%s: %w", op, &APIError{StatusCode: resp.StatusCode, Body: string(raw)})
	}
}
