package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"guardpost-monitor/internal/healthclient"
)

// ErrUnknownTarget is returned when a probe is requested for a target that was
// never configured.
var ErrUnknownTarget = errors.New("unknown target")

// Result is one observation of one target.
type Result struct {
	ID         string                     `json:"id"`
	Target     string                     `json:"target"`
	ObservedAt time.Time                  `json:"observed_at"`
	Ready      bool                       `json:"ready"`
	Status     *healthclient.HealthStatus `json:"status,omitempty"`
	Error      string                     `json:"error,omitempty"`
	StatusCode int                        `json:"status_code,omitempty"`
}

// cacheEntry holds a cached probe result
type cacheEntry struct {
	result     *Result
	expiration time.Time
}

// ProberConfig contains configuration for the prober
type ProberConfig struct {
	Targets         map[string]string // name -> backend base URL
	Timeout         time.Duration     // Bounded wait per probe (default 5s)
	CacheExpiration time.Duration     // How long cached results are reused (default 10s)
	CacheSize       int               // Max entries in cache (default 128)
	SessionCookie   string            // Cookie sent with every probe (optional)
}

// Prober probes a set of backend targets and serves the latest observations.
// On-demand reads within the cache window reuse the last observation instead
// of issuing another probe; scheduler sweeps bypass and refresh the cache.
type Prober struct {
	clients         map[string]*healthclient.Client
	names           []string
	cache           *lru.Cache[string, *cacheEntry]
	cacheExpiration time.Duration
}

func NewProber(config ProberConfig) (*Prober, error) {
	if len(config.Targets) == 0 {
		return nil, fmt.Errorf("at least one probe target is required")
	}

	// Set defaults
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.CacheExpiration == 0 {
		config.CacheExpiration = 10 * time.Second
	}
	if config.CacheSize == 0 {
		config.CacheSize = 128
	}

	cache, err := lru.New[string, *cacheEntry](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %v", err)
	}

	clients := make(map[string]*healthclient.Client, len(config.Targets))
	names := make([]string, 0, len(config.Targets))
	for name, baseURL := range config.Targets {
		client, err := healthclient.NewClientWithConfig(healthclient.ClientConfig{
			BaseURL:       baseURL,
			Timeout:       config.Timeout,
			SessionCookie: config.SessionCookie,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create health client for target %s: %v", name, err)
		}
		clients[name] = client
		names = append(names, name)
	}
	sort.Strings(names)

	return &Prober{
		clients:         clients,
		names:           names,
		cache:           cache,
		cacheExpiration: config.CacheExpiration,
	}, nil
}

// Targets returns the configured target names in sorted order.
func (p *Prober) Targets() []string {
	names := make([]string, len(p.names))
	copy(names, p.names)
	return names
}

// Probe returns the latest observation for the named target, reusing a cached
// result when one is still fresh. Probe failures are reported in the Result,
// not as an error; the error return is reserved for unknown targets.
func (p *Prober) Probe(ctx context.Context, target string) (*Result, error) {
	if _, ok := p.clients[target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	if entry, exists := p.cache.Get(target); exists {
		if time.Now().Before(entry.expiration) {
			return entry.result, nil
		}
		p.cache.Remove(target)
	}

	return p.probeFresh(ctx, target), nil
}

// ProbeFresh probes the named target unconditionally and refreshes the cache.
func (p *Prober) ProbeFresh(ctx context.Context, target string) (*Result, error) {
	if _, ok := p.clients[target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return p.probeFresh(ctx, target), nil
}

func (p *Prober) probeFresh(ctx context.Context, target string) *Result {
	result := &Result{
		ID:         uuid.NewString(),
		Target:     target,
		ObservedAt: time.Now().UTC(),
	}

	status, err := p.clients[target].CheckHealth(ctx)
	if err != nil {
		result.Error = err.Error()
		var hcErr *healthclient.HealthCheckError
		if errors.As(err, &hcErr) {
			result.StatusCode = hcErr.StatusCode
		}
	} else {
		result.Status = status
		result.Ready = status.Ready()
	}

	p.cache.Add(target, &cacheEntry{
		result:     result,
		expiration: time.Now().Add(p.cacheExpiration),
	})

	return result
}

// ProbeAll probes every configured target and returns results ordered by
// target name. All probes are fresh; the cache is refreshed as a side effect.
func (p *Prober) ProbeAll(ctx context.Context) []*Result {
	results := make([]*Result, 0, len(p.names))
	for _, name := range p.names {
		results = append(results, p.probeFresh(ctx, name))
	}
	return results
}

// CheckHealth reports the aggregate readiness of all targets as an HTTP status
// code and JSON body, for the monitor's own health endpoint.
func (p *Prober) CheckHealth(ctx context.Context) (int, []byte, error) {
	reasons := make(map[string]string)
	for _, name := range p.names {
		result, err := p.Probe(ctx, name)
		if err != nil {
			reasons[name] = err.Error()
			continue
		}
		if result.Ready {
			continue
		}
		if result.Error != "" {
			reasons[name] = result.Error
		} else {
			reasons[name] = "backend reports not_ready"
		}
	}

	if len(reasons) == 0 {
		return http.StatusOK, []byte(`{"status":"healthy"}`), nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"status":  "unhealthy",
		"reasons": reasons,
	})
	if err != nil {
		return http.StatusServiceUnavailable, []byte(`{"status":"unhealthy","reason":"failed to marshal response"}`), fmt.Errorf("failed to marshal unhealthy response: %v", err)
	}
	return http.StatusServiceUnavailable, body, fmt.Errorf("%d of %d targets are not ready", len(reasons), len(p.names))
}
