package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server ServerConfig `toml:"server"`
	Probe  ProbeConfig  `toml:"probe"`
	Store  StoreConfig  `toml:"store"`
	S3     S3Config     `toml:"s3"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

type ServerConfig struct {
	Port                int    `toml:"port"`
	Host                string `toml:"host"`
	HealthPort          int    `toml:"health_port"`           // Port for health check endpoint (default main port + 1)
	GracefulShutdownSec int    `toml:"graceful_shutdown_sec"` // Time to wait before shutdown (default 30)
}

type ProbeConfig struct {
	BaseURL            string            `toml:"base_url"`             // Base URL of the primary backend (probed at <base>/health/ready)
	Targets            map[string]string `toml:"targets"`              // Named targets: name -> base URL (overrides base_url when set)
	TimeoutSec         int               `toml:"timeout_sec"`          // Bounded wait per probe in seconds (default 5)
	IntervalSec        int               `toml:"interval_sec"`         // Scheduler period in seconds (default 30)
	CacheExpirationSec int               `toml:"cache_expiration_sec"` // How long an on-demand probe result is reused (default 10)
	CacheSize          int               `toml:"cache_size"`           // Max entries in the probe result cache (default 128)
	SessionCookie      string            `toml:"session_cookie"`       // "name=value" cookie sent with every probe (optional)
}

type StoreConfig struct {
	Type string `toml:"type"` // Snapshot store type: "s3", "sqlite", or empty to disable
}

type S3Config struct {
	Endpoint    string `toml:"endpoint"`      // S3 endpoint URL (e.g., "https://s3.amazonaws.com" or an R2 endpoint)
	Region      string `toml:"region"`        // S3 region (e.g., "us-east-1" or "auto" for R2)
	Bucket      string `toml:"bucket"`        // S3 bucket name
	AccessKeyID string `toml:"access_key_id"` // S3 access key ID
	SecretKey   string `toml:"secret_key"`    // S3 secret access key
	KeyPrefix   string `toml:"key_prefix"`    // Object key prefix for uploaded snapshots
}

type SQLiteConfig struct {
	Path       string `toml:"path"`        // Database file path
	MaxHistory int    `toml:"max_history"` // Rows retained per target (default 1000)
}

func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, &config); err != nil {
		return nil, fmt.Errorf("error decoding config file: %v", err)
	}

	return &config, nil
}
