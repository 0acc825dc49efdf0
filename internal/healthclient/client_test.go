package healthclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("http://example.com")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, "http://example.com", client.baseURL)
	assert.Equal(t, 5*time.Second, client.timeout)
}

func TestNewClientWithConfig(t *testing.T) {
	client, err := NewClientWithConfig(ClientConfig{
		BaseURL: "https://backend.example.com/",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://backend.example.com", client.baseURL)
	assert.Equal(t, 2*time.Second, client.timeout)
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		errorMsg string
	}{
		{
			name:     "empty",
			baseURL:  "",
			errorMsg: "base URL cannot be empty",
		},
		{
			name:     "no scheme",
			baseURL:  "backend.example.com",
			errorMsg: "invalid base URL: missing scheme or host",
		},
		{
			name:     "no host",
			baseURL:  "http://",
			errorMsg: "invalid base URL: missing scheme or host",
		},
		{
			name:     "malformed",
			baseURL:  "http://[invalid-ipv6",
			errorMsg: "failed to parse base URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.baseURL)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
			assert.Nil(t, client)
		})
	}
}

func TestNewClientWithConfig_InvalidSessionCookie(t *testing.T) {
	client, err := NewClientWithConfig(ClientConfig{
		BaseURL:       "http://example.com",
		SessionCookie: "no-equals-sign",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected name=value")
	assert.Nil(t, client)
}

func TestCheckHealth_Ready(t *testing.T) {
	payload := HealthStatus{
		Status: StatusReady,
		Checks: map[string]string{
			"database":    CheckOK,
			"tenant_keys": CheckOK,
			"kek_file":    CheckOK,
		},
		Timestamp: "2025-11-29T10:00:00Z",
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/health/ready", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	status, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &payload, status)
	assert.True(t, status.Ready())
}

func TestCheckHealth_NotReady503(t *testing.T) {
	// A 503 with a valid body is a successful probe reporting degraded health.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready","checks":{"database":"ok","tenant_keys":"missing","kek_file":"ok"},"timestamp":"2025-11-29T10:00:00Z"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	status, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &HealthStatus{
		Status: StatusNotReady,
		Checks: map[string]string{
			"database":    CheckOK,
			"tenant_keys": CheckMissing,
			"kek_file":    CheckOK,
		},
		Timestamp: "2025-11-29T10:00:00Z",
	}, status)
	assert.False(t, status.Ready())
}

func TestCheckHealth_UnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	status, err := client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Nil(t, status)

	var hcErr *HealthCheckError
	require.ErrorAs(t, err, &hcErr)
	assert.Contains(t, hcErr.Message, "unexpected status 500")
	assert.Equal(t, http.StatusInternalServerError, hcErr.StatusCode)
}

func TestCheckHealth_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close() // Connection refused from here on.

	client, err := NewClient(serverURL)
	require.NoError(t, err)

	status, err := client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Nil(t, status)

	var hcErr *HealthCheckError
	require.ErrorAs(t, err, &hcErr)
	assert.Contains(t, hcErr.Message, "health check request failed")
	assert.Contains(t, hcErr.Message, "connection refused")
	assert.Equal(t, 0, hcErr.StatusCode)
}

func TestCheckHealth_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond) // Simulate slow response
		w.Write([]byte(`{"status":"ready","checks":{},"timestamp":"2025-11-29T10:00:00Z"}`))
	}))
	defer server.Close()

	client, err := NewClientWithConfig(ClientConfig{
		BaseURL: server.URL,
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	status, err := client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Nil(t, status)

	var hcErr *HealthCheckError
	require.ErrorAs(t, err, &hcErr)
	assert.Contains(t, hcErr.Message, "timed out")
	assert.Equal(t, 0, hcErr.StatusCode)
}

func TestCheckHealth_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	status, err := client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Nil(t, status)

	var hcErr *HealthCheckError
	require.ErrorAs(t, err, &hcErr)
	assert.Contains(t, hcErr.Message, "failed to decode health response")
	assert.Equal(t, http.StatusOK, hcErr.StatusCode)
}

func TestCheckHealth_SessionCookieSent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("guardpost_session")
		require.NoError(t, err)
		assert.Equal(t, "abc123", cookie.Value)
		assert.Empty(t, r.Header.Get("Content-Type"))

		w.Write([]byte(`{"status":"ready","checks":{"database":"ok"},"timestamp":"2025-11-29T10:00:00Z"}`))
	}))
	defer server.Close()

	client, err := NewClientWithConfig(ClientConfig{
		BaseURL:       server.URL,
		SessionCookie: "guardpost_session=abc123",
	})
	require.NoError(t, err)

	status, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Ready())
}

func TestCheckHealth_CookiesCarriedAcrossProbes(t *testing.T) {
	var sawSessionCookie bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("sticky"); err == nil {
			sawSessionCookie = true
		}
		http.SetCookie(w, &http.Cookie{Name: "sticky", Value: "1"})
		w.Write([]byte(`{"status":"ready","checks":{},"timestamp":"2025-11-29T10:00:00Z"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.CheckHealth(context.Background())
	require.NoError(t, err)
	_, err = client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, sawSessionCookie)
}
