// Package k8s is a minimal REST client for batch/v1 Jobs and v1 Secrets.
// Throttling, 5xx and network failures surface as *domain.TransientError.
package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
)

const (
	defaultTokenFile     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	defaultCAFile        = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

type Client struct {
	baseURL   string
	token     string
	namespace string
	http      *http.Client
}

// NewClient builds a client against an explicit API server.
func NewClient(baseURL, token, namespace string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("kubernetes api url is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("kubernetes namespace is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:   baseURL,
		token:     strings.TrimSpace(token),
		namespace: namespace,
		http:      httpClient,
	}, nil
}

func NewInClusterClient() (*Client, error) {
	host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
	port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
	baseURL := "https://kubernetes.default.svc"
	if host != "" {
		if port == "" {
			port = "443"
		}
		baseURL = "https://" + host + ":" + port
	}
	return NewInClusterClientWithBaseURL(baseURL)
}

func NewInClusterClientWithBaseURL(baseURL string) (*Client, error) {
	tokenBytes, err := os.ReadFile(defaultTokenFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return nil, errors.New("serviceaccount token is empty")
	}

	namespaceBytes, err := os.ReadFile(defaultNamespaceFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount namespace: %w", err)
	}

	caBytes, err := os.ReadFile(defaultCAFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("invalid serviceaccount ca bundle")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return NewClient(baseURL, token, string(namespaceBytes), &http.Client{
		Transport: transport,
		Timeout:   15 * time.Second,
	})
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) CreateJob(ctx context.Context, namespace string, job Job) error {
	namespace = c.resolveNamespace(namespace)
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	job.Metadata.Namespace = namespace
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", url.PathEscape(namespace))
	return c.call(ctx, "create job", http.MethodPost, path, job, nil)
}

func (c *Client) GetJob(ctx context.Context, namespace string, name string) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	namespace = c.resolveNamespace(namespace)
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", url.PathEscape(namespace), url.PathEscape(name))
	var out Job
	if err := c.call(ctx, "get job", http.MethodGet, path, nil, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

// DeleteJob removes the job and, in the background, its pods.
func (c *Client) DeleteJob(ctx context.Context, namespace string, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name is required")
	}
	namespace = c.resolveNamespace(namespace)
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s?propagationPolicy=Background", url.PathEscape(namespace), url.PathEscape(name))
	return c.call(ctx, "delete job", http.MethodDelete, path, nil, nil)
}

func (c *Client) CreateSecret(ctx context.Context, namespace string, secret Secret) error {
	namespace = c.resolveNamespace(namespace)
	secret.APIVersion = "v1"
	secret.Kind = "Secret"
	secret.Metadata.Namespace = namespace
	if secret.Type == "" {
		secret.Type = "Opaque"
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/secrets", url.PathEscape(namespace))
	return c.call(ctx, "create secret", http.MethodPost, path, secret, nil)
}

func (c *Client) DeleteSecret(ctx context.Context, namespace string, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("secret name is required")
	}
	namespace = c.resolveNamespace(namespace)
	path := fmt.Sprintf("/api/v1/namespaces/%s/secrets/%s", url.PathEscape(namespace), url.PathEscape(name))
	return c.call(ctx, "delete secret", http.MethodDelete, path, nil, nil)
}

func (c *Client) resolveNamespace(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

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
			return fmt.Errorf("%s: decode kubernetes response: %w", op, err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
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
