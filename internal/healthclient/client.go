package healthclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Readiness values reported by the backend.
const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// Per-check results reported by the backend (e.g. for "database", "tenant_keys", "kek_file").
const (
	CheckOK      = "ok"
	CheckMissing = "missing"
	CheckError   = "error"
)

// HealthStatus is the readiness payload returned by the backend. The backend
// guarantees status is "ready" only when every check is "ok"; the client
// surfaces the payload as-is and does not enforce that.
type HealthStatus struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Ready reports whether the backend declared itself ready.
func (s *HealthStatus) Ready() bool {
	return s != nil && s.Status == StatusReady
}

// HealthCheckError is returned when a probe itself fails: the transport broke,
// the bounded wait elapsed, or the backend answered with an unexpected status.
// StatusCode is zero when no HTTP response was received.
type HealthCheckError struct {
	Message    string
	StatusCode int
}

func (e *HealthCheckError) Error() string {
	return e.Message
}

// ClientConfig contains configuration for a health client.
type ClientConfig struct {
	BaseURL       string        // Backend base URL; the probe hits <base>/health/ready
	Timeout       time.Duration // Bounded wait per probe (default 5s)
	SessionCookie string        // "name=value" cookie pre-seeded for the base URL (optional)
}

type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	return NewClientWithConfig(ClientConfig{BaseURL: baseURL})
}

func NewClientWithConfig(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %v", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL: missing scheme or host")
	}

	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	// The jar carries session cookies across probes, matching how a browser
	// session talks to the backend.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %v", err)
	}

	if config.SessionCookie != "" {
		name, value, ok := strings.Cut(config.SessionCookie, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid session cookie %q: expected name=value", config.SessionCookie)
		}
		jar.SetCookies(base, []*http.Cookie{{Name: name, Value: value}})
	}

	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		timeout: config.Timeout,
		httpClient: &http.Client{
			Jar: jar,
		},
	}, nil
}

// BaseURL returns the backend base URL this client probes.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CheckHealth issues one GET to <base>/health/ready and normalizes the outcome.
// Both 200 and 503 with a parseable body are successful probes; a 503 merely
// reports degraded health. Everything else is a *HealthCheckError: transport
// failures and timeouts without a status code, unexpected statuses with one.
func (c *Client) CheckHealth(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/ready", nil)
	if err != nil {
		return nil, &HealthCheckError{Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Once the deadline fires the in-flight request is aborted; a late
		// response is discarded by the transport, never delivered here.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &HealthCheckError{Message: fmt.Sprintf("health check timed out after %v", c.timeout)}
		}
		return nil, &HealthCheckError{Message: fmt.Sprintf("health check request failed: %v", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
		var status HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, &HealthCheckError{
				Message:    fmt.Sprintf("failed to decode health response: %v", err),
				StatusCode: resp.StatusCode,
			}
		}
		return &status, nil
	default:
		return nil, &HealthCheckError{
			Message:    fmt.Sprintf("unexpected status %d from health endpoint", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
}
