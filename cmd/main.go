package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"guardpost-monitor/config"
	"guardpost-monitor/internal/health"
	"guardpost-monitor/internal/probe"
	"guardpost-monitor/internal/store"
	"guardpost-monitor/internal/store/s3store"
	"guardpost-monitor/internal/store/sqlitestore"
)

type Monitor struct {
	config        *config.Config
	prober        *probe.Prober
	healthChecker health.Checker
	snapshots     store.Store
	server        *http.Server
	healthServer  *http.Server
	interval      time.Duration
	stopScheduler chan struct{}
	isHealthy     bool
}

func main() {
	var configPath string
	var showHelp bool

	// Load .env before reading any environment variables
	_ = godotenv.Load()

	// Check for environment variable first
	if envConfigPath := os.Getenv("GUARDPOST_CONFIG_PATH"); envConfigPath != "" {
		configPath = envConfigPath
	}

	flag.StringVar(&configPath, "config", getDefaultConfigPath(), "Path to configuration file")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.Parse()

	if showHelp {
		showUsage()
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override config values with environment variables if present
	overrideConfigFromEnv(cfg)

	monitor, err := NewMonitor(cfg)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}

	if err := monitor.Start(); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}
}

func getDefaultConfigPath() string {
	if envPath := os.Getenv("GUARDPOST_CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return "config.toml"
}

func overrideConfigFromEnv(cfg *config.Config) {
	// Server configuration
	if host := os.Getenv("GUARDPOST_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("GUARDPOST_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if healthPort := os.Getenv("GUARDPOST_SERVER_HEALTH_PORT"); healthPort != "" {
		if hp, err := strconv.Atoi(healthPort); err == nil {
			cfg.Server.HealthPort = hp
		}
	}
	if gracefulShutdown := os.Getenv("GUARDPOST_SERVER_GRACEFUL_SHUTDOWN_SEC"); gracefulShutdown != "" {
		if gs, err := strconv.Atoi(gracefulShutdown); err == nil {
			cfg.Server.GracefulShutdownSec = gs
		}
	}

	// Probe configuration
	if baseURL := os.Getenv("GUARDPOST_PROBE_BASE_URL"); baseURL != "" {
		cfg.Probe.BaseURL = baseURL
	}
	if timeout := os.Getenv("GUARDPOST_PROBE_TIMEOUT_SEC"); timeout != "" {
		if ts, err := strconv.Atoi(timeout); err == nil {
			cfg.Probe.TimeoutSec = ts
		}
	}
	if interval := os.Getenv("GUARDPOST_PROBE_INTERVAL_SEC"); interval != "" {
		if is, err := strconv.Atoi(interval); err == nil {
			cfg.Probe.IntervalSec = is
		}
	}
	if cacheExp := os.Getenv("GUARDPOST_PROBE_CACHE_EXPIRATION_SEC"); cacheExp != "" {
		if ce, err := strconv.Atoi(cacheExp); err == nil {
			cfg.Probe.CacheExpirationSec = ce
		}
	}
	if cacheSize := os.Getenv("GUARDPOST_PROBE_CACHE_SIZE"); cacheSize != "" {
		if cs, err := strconv.Atoi(cacheSize); err == nil {
			cfg.Probe.CacheSize = cs
		}
	}
	if sessionCookie := os.Getenv("GUARDPOST_PROBE_SESSION_COOKIE"); sessionCookie != "" {
		cfg.Probe.SessionCookie = sessionCookie
	}

	// Store configuration
	if storeType := os.Getenv("GUARDPOST_STORE_TYPE"); storeType != "" {
		cfg.Store.Type = storeType
	}

	// S3 configuration
	if s3Endpoint := os.Getenv("GUARDPOST_S3_ENDPOINT"); s3Endpoint != "" {
		cfg.S3.Endpoint = s3Endpoint
	}
	if s3Region := os.Getenv("GUARDPOST_S3_REGION"); s3Region != "" {
		cfg.S3.Region = s3Region
	}
	if s3Bucket := os.Getenv("GUARDPOST_S3_BUCKET"); s3Bucket != "" {
		cfg.S3.Bucket = s3Bucket
	}
	if s3AccessKeyID := os.Getenv("GUARDPOST_S3_ACCESS_KEY_ID"); s3AccessKeyID != "" {
		cfg.S3.AccessKeyID = s3AccessKeyID
	}
	if s3SecretKey := os.Getenv("GUARDPOST_S3_SECRET_KEY"); s3SecretKey != "" {
		cfg.S3.SecretKey = s3SecretKey
	}
	if s3KeyPrefix := os.Getenv("GUARDPOST_S3_KEY_PREFIX"); s3KeyPrefix != "" {
		cfg.S3.KeyPrefix = s3KeyPrefix
	}

	// SQLite configuration
	if sqlitePath := os.Getenv("GUARDPOST_SQLITE_PATH"); sqlitePath != "" {
		cfg.SQLite.Path = sqlitePath
	}
	if maxHistory := os.Getenv("GUARDPOST_SQLITE_MAX_HISTORY"); maxHistory != "" {
		if mh, err := strconv.Atoi(maxHistory); err == nil {
			cfg.SQLite.MaxHistory = mh
		}
	}
}

func showUsage() {
	fmt.Println("Guardpost Monitor - Readiness monitor for guardpost backend deployments")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("    monitor [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("    --config <file>    Path to configuration file (default: config.toml)")
	fmt.Println("    --help            Show this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("    monitor                           # Use default config.toml")
	fmt.Println("    monitor --config /path/to/config.toml")
	fmt.Println("    GUARDPOST_CONFIG_PATH=/etc/guardpost-monitor/config.toml monitor")
	fmt.Println()
	fmt.Println("CONFIGURATION:")
	fmt.Println("    Create a TOML configuration file with server, probe, and store sections.")
	fmt.Println("    Configuration values can be overridden using environment variables:")
	fmt.Println()
	fmt.Println("    GUARDPOST_CONFIG_PATH          - Path to configuration file")
	fmt.Println("    GUARDPOST_SERVER_HOST          - Server host (e.g., 0.0.0.0)")
	fmt.Println("    GUARDPOST_SERVER_PORT          - Status API port (e.g., 8080)")
	fmt.Println("    GUARDPOST_SERVER_HEALTH_PORT   - Health check server port (e.g., 8081)")
	fmt.Println("    GUARDPOST_SERVER_GRACEFUL_SHUTDOWN_SEC - Graceful shutdown wait time (e.g., 30)")
	fmt.Println("    GUARDPOST_PROBE_BASE_URL       - Backend base URL (probed at /health/ready)")
	fmt.Println("    GUARDPOST_PROBE_TIMEOUT_SEC    - Bounded wait per probe (seconds)")
	fmt.Println("    GUARDPOST_PROBE_INTERVAL_SEC   - Scheduler period (seconds)")
	fmt.Println("    GUARDPOST_PROBE_CACHE_EXPIRATION_SEC - Probe result cache expiration (seconds)")
	fmt.Println("    GUARDPOST_PROBE_CACHE_SIZE     - Probe result cache size (max entries)")
	fmt.Println("    GUARDPOST_PROBE_SESSION_COOKIE - Session cookie as name=value")
	fmt.Println("    GUARDPOST_STORE_TYPE           - Snapshot store type (s3 or sqlite)")
	fmt.Println("    GUARDPOST_S3_ENDPOINT          - S3 endpoint URL")
	fmt.Println("    GUARDPOST_S3_REGION            - S3 region")
	fmt.Println("    GUARDPOST_S3_BUCKET            - S3 bucket name")
	fmt.Println("    GUARDPOST_S3_ACCESS_KEY_ID     - S3 access key ID")
	fmt.Println("    GUARDPOST_S3_SECRET_KEY        - S3 secret access key")
	fmt.Println("    GUARDPOST_S3_KEY_PREFIX        - Object key prefix for snapshots")
	fmt.Println("    GUARDPOST_SQLITE_PATH          - SQLite database file path")
	fmt.Println("    GUARDPOST_SQLITE_MAX_HISTORY   - Rows retained per target")
	fmt.Println()
	fmt.Println("    See README.md for detailed configuration options.")
}

func NewMonitor(cfg *config.Config) (*Monitor, error) {
	// Resolve probe targets: explicit table wins, otherwise the primary base URL
	targets := cfg.Probe.Targets
	if len(targets) == 0 {
		if cfg.Probe.BaseURL == "" {
			return nil, fmt.Errorf("no probe targets configured: set probe.base_url or probe.targets")
		}
		targets = map[string]string{"backend": cfg.Probe.BaseURL}
	}

	proberConfig := probe.ProberConfig{
		Targets:         targets,
		Timeout:         time.Duration(cfg.Probe.TimeoutSec) * time.Second,
		CacheExpiration: time.Duration(cfg.Probe.CacheExpirationSec) * time.Second,
		CacheSize:       cfg.Probe.CacheSize,
		SessionCookie:   cfg.Probe.SessionCookie,
	}

	prober, err := probe.NewProber(proberConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create prober: %v", err)
	}

	for _, name := range prober.Targets() {
		log.Printf("Probe target configured: %s -> %s", name, targets[name])
	}

	// Create the snapshot store based on store type
	var snapshots store.Store

	switch cfg.Store.Type {
	case "":
		log.Println("Snapshot store disabled")

	case "s3":
		snapshots = s3store.New(s3store.Config{
			Endpoint:    cfg.S3.Endpoint,
			Region:      cfg.S3.Region,
			Bucket:      cfg.S3.Bucket,
			AccessKeyID: cfg.S3.AccessKeyID,
			SecretKey:   cfg.S3.SecretKey,
			KeyPrefix:   cfg.S3.KeyPrefix,
		})
		log.Printf("S3 snapshot store configured: bucket=%s, endpoint=%s, region=%s", cfg.S3.Bucket, cfg.S3.Endpoint, cfg.S3.Region)

	case "sqlite":
		snapshots, err = sqlitestore.Open(sqlitestore.Config{
			Path:       cfg.SQLite.Path,
			MaxHistory: cfg.SQLite.MaxHistory,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %v", err)
		}
		log.Printf("SQLite snapshot store configured: path=%s", cfg.SQLite.Path)

	default:
		return nil, fmt.Errorf("unsupported store type: %s (must be 's3' or 'sqlite')", cfg.Store.Type)
	}

	interval := time.Duration(cfg.Probe.IntervalSec) * time.Second
	if interval == 0 {
		interval = 30 * time.Second
	}

	monitor := &Monitor{
		config:        cfg,
		prober:        prober,
		healthChecker: prober,
		snapshots:     snapshots,
		interval:      interval,
		stopScheduler: make(chan struct{}),
		isHealthy:     true, // Start as healthy
	}

	// Status API server
	mux := http.NewServeMux()
	mux.HandleFunc("/status", monitor.handleStatus)
	mux.HandleFunc("/status/", monitor.handleTargetStatus)
	mux.HandleFunc("/history/", monitor.handleHistory)

	monitor.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Health server (separate port)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", monitor.handleHealth)

	// Set default health port if not specified
	healthPort := cfg.Server.HealthPort
	if healthPort == 0 {
		healthPort = cfg.Server.Port + 1 // Default to main port + 1
	}

	monitor.healthServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, healthPort),
		Handler:      healthMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	return monitor, nil
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Check if service is marked as unhealthy (shutting down)
	if !m.isHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy","reason":"service shutting down"}`))
		return
	}

	statusCode, body, err := m.healthChecker.CheckHealth(r.Context())
	if err != nil {
		log.Printf("Health check failed: %v", err)
	}
	w.WriteHeader(statusCode)
	if body != nil {
		w.Write(body)
	}
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := m.prober.Targets()
	results := make([]*probe.Result, 0, len(names))
	for _, name := range names {
		result, err := m.prober.Probe(r.Context(), name)
		if err != nil {
			log.Printf("Status probe failed for %s: %v", name, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		results = append(results, result)
	}

	writeJSON(w, results)
}

func (m *Monitor) handleTargetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := strings.TrimPrefix(r.URL.Path, "/status/")
	if target == "" || strings.Contains(target, "/") {
		http.Error(w, "Target name is required", http.StatusBadRequest)
		return
	}

	result, err := m.prober.Probe(r.Context(), target)
	if err != nil {
		if errors.Is(err, probe.ErrUnknownTarget) {
			http.Error(w, "Unknown target", http.StatusNotFound)
			return
		}
		log.Printf("Status probe failed for %s: %v", target, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

func (m *Monitor) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := strings.TrimPrefix(r.URL.Path, "/history/")
	if target == "" || strings.Contains(target, "/") {
		http.Error(w, "Target name is required", http.StatusBadRequest)
		return
	}

	if m.snapshots == nil {
		http.Error(w, "History is not configured", http.StatusNotImplemented)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	results, err := m.snapshots.History(r.Context(), target, limit)
	if err != nil {
		if errors.Is(err, store.ErrHistoryUnsupported) {
			http.Error(w, "History is not supported by the configured store", http.StatusNotImplemented)
			return
		}
		log.Printf("History query failed for %s: %v", target, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if results == nil {
		results = []*probe.Result{}
	}
	writeJSON(w, results)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// runScheduler probes all targets every interval and archives the results.
func (m *Monitor) runScheduler() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopScheduler:
			return
		}
	}
}

func (m *Monitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	results := m.prober.ProbeAll(ctx)
	for _, result := range results {
		if result.Ready {
			log.Printf("Probe %s: ready", result.Target)
		} else if result.Error != "" {
			log.Printf("Probe %s: failed: %s", result.Target, result.Error)
		} else {
			log.Printf("Probe %s: not ready", result.Target)
		}

		if m.snapshots == nil {
			continue
		}
		if err := m.snapshots.Record(ctx, result); err != nil {
			log.Printf("Failed to record snapshot for %s: %v", result.Target, err)
		}
	}
}

func (m *Monitor) Start() error {
	log.Printf("Starting status API server on %s", m.server.Addr)
	log.Printf("Starting health server on %s", m.healthServer.Addr)
	log.Printf("Probing %d target(s) every %v", len(m.prober.Targets()), m.interval)

	// Start status API server
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Status API server failed to start: %v", err)
		}
	}()

	// Start health server
	go func() {
		if err := m.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed to start: %v", err)
		}
	}()

	// Start probe scheduler
	go m.runScheduler()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, starting graceful shutdown...")

	// Mark service as unhealthy to prevent new traffic
	m.isHealthy = false
	log.Println("Health check marked as unhealthy, load balancer will stop sending traffic")

	// Stop the scheduler before tearing down the servers
	close(m.stopScheduler)

	// Wait for configured time to allow existing requests to complete
	gracefulWait := time.Duration(m.config.Server.GracefulShutdownSec) * time.Second
	if gracefulWait == 0 {
		gracefulWait = 30 * time.Second // Default 30 seconds
	}

	log.Printf("Waiting %v for existing requests to complete...", gracefulWait)
	time.Sleep(gracefulWait)

	log.Println("Starting server shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown both servers
	var shutdownErr error
	if err := m.server.Shutdown(ctx); err != nil {
		log.Printf("Status API server forced to shutdown: %v", err)
		shutdownErr = err
	}

	if err := m.healthServer.Shutdown(ctx); err != nil {
		log.Printf("Health server forced to shutdown: %v", err)
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	if m.snapshots != nil {
		if err := m.snapshots.Close(); err != nil {
			log.Printf("Failed to close snapshot store: %v", err)
		}
	}

	log.Println("Servers exited")
	return shutdownErr
}
