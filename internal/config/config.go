// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type BackendConfig struct {
	// BaseURL is the REST API root, e.g. https://api.example.com/api.
	BaseURL string `yaml:"base_url"`
	// WSURL is the realtime endpoint; when empty it is derived from
	// BaseURL by swapping the scheme to ws/wss.
	WSURL string `yaml:"ws_url,omitempty"`
	// Token is loaded from the environment, never from yaml.
	Token string `yaml:"-"`
}

type SessionConfig struct {
	InstitutionID string  `yaml:"institution_id"`
	UserID        string  `yaml:"user_id"`
	CourtIDs      []int64 `yaml:"court_ids,omitempty"`
}

type CacheConfig struct {
	ListStale   Duration `yaml:"list_stale"`
	ScopedStale Duration `yaml:"scoped_stale"`
	GCTime      Duration `yaml:"gc_time"`
	MaxRetries  uint64   `yaml:"max_retries"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type RealtimeConfig struct {
	MaxReconnects  int      `yaml:"max_reconnects"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	SyncInterval   Duration `yaml:"sync_interval"`
}

type SnapshotConfig struct {
	// Filename is the SQLite snapshot path; empty disables persistence.
	Filename string   `yaml:"filename,omitempty"`
	Interval Duration `yaml:"interval"`
}

type Config struct {
	App struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"app"`

	Backend  BackendConfig  `yaml:"backend"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// Load loads both .env and yaml configuration
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	// Read and parse YAML config
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Load sensitive values from environment
	cfg.Backend.Token = os.Getenv("CLUBSYNC_API_TOKEN")
	if v := os.Getenv("CLUBSYNC_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("CLUBSYNC_WS_URL"); v != "" {
		cfg.Backend.WSURL = v
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if c.Session.InstitutionID == "" {
		return fmt.Errorf("session institution_id is required")
	}
	if c.Cache.MaxDelay != 0 && c.Cache.BaseDelay > c.Cache.MaxDelay {
		return fmt.Errorf("cache base_delay exceeds max_delay")
	}
	if c.Realtime.MaxReconnects < 0 {
		return fmt.Errorf("realtime max_reconnects cannot be negative")
	}
	return nil
}

// WebSocketURL resolves the realtime endpoint, deriving it from the REST
// base when unset.
func (c *Config) WebSocketURL() string {
	if c.Backend.WSURL != "" {
		return c.Backend.WSURL
	}
	u := c.Backend.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
