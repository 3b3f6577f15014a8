// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Corphon/VillagerBridge/internal/models"
)

// Config holds every runtime setting. Values come from defaults, then an
// optional YAML file, then environment variables (highest precedence).
type Config struct {
	Port      string `yaml:"port"`
	DataDir   string `yaml:"data_dir"`
	LogDir    string `yaml:"log_dir"`
	LogLevel  string `yaml:"log_level"`
	DebugMode bool   `yaml:"debug_mode"`

	Remote   RemoteConfig   `yaml:"remote"`
	Auth     AuthConfig     `yaml:"auth"`
	Playback PlaybackConfig `yaml:"playback"`
	Cache    CacheConfig    `yaml:"cache"`

	// Timing applies to scripts that carry none
	Timing models.TimingConfig `yaml:"timing"`
}

// RemoteConfig points at the script authority
type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIToken        string        `yaml:"api_token"`
	MetadataTimeout time.Duration `yaml:"metadata_timeout"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
}

// AuthConfig controls bearer tokens on mutating API routes
type AuthConfig struct {
	Secret             string        `yaml:"secret"`
	Required           bool          `yaml:"required"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
}

// PlaybackConfig sizes the timer pool and the playback audit log
type PlaybackConfig struct {
	SchedulerWorkers int           `yaml:"scheduler_workers"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	LogEnabled       bool          `yaml:"log_enabled"`
}

// CacheConfig tunes the script cache
type CacheConfig struct {
	RefreshParallelism int           `yaml:"refresh_parallelism"`
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	Watch              bool          `yaml:"watch"`
	IndexEnabled       bool          `yaml:"index_enabled"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:     "8080",
		DataDir:  "data",
		LogDir:   "logs",
		LogLevel: "info",
		Remote: RemoteConfig{
			BaseURL:         "http://localhost:3000",
			MetadataTimeout: 10 * time.Second,
			FetchTimeout:    30 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:           30 * 24 * time.Hour,
			RateLimitPerMinute: 60,
		},
		Playback: PlaybackConfig{
			SchedulerWorkers: 4,
			ShutdownTimeout:  5 * time.Second,
			LogEnabled:       true,
		},
		Cache: CacheConfig{
			RefreshParallelism: 8,
			Watch:              true,
			IndexEnabled:       true,
		},
		Timing: models.DefaultTiming(),
	}
}

// Load reads .env (optional), the YAML file named by CONFIG_FILE (optional,
// default config.yaml when present) and the environment.
func Load() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}
	if err := cfg.LoadFile(path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.LogDir = getEnv("LOG_DIR", c.LogDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DebugMode = getEnvBool("DEBUG_MODE", c.DebugMode)

	c.Remote.BaseURL = getEnv("REMOTE_BASE_URL", c.Remote.BaseURL)
	c.Remote.APIToken = getEnv("REMOTE_API_TOKEN", c.Remote.APIToken)
	c.Remote.MetadataTimeout = getEnvDuration("REMOTE_METADATA_TIMEOUT", c.Remote.MetadataTimeout)
	c.Remote.FetchTimeout = getEnvDuration("REMOTE_FETCH_TIMEOUT", c.Remote.FetchTimeout)

	c.Auth.Secret = getEnv("AUTH_SECRET_KEY", c.Auth.Secret)
	c.Auth.Required = getEnvBool("AUTH_REQUIRED", c.Auth.Required)
	c.Auth.TokenTTL = getEnvDuration("AUTH_TOKEN_TTL", c.Auth.TokenTTL)
	c.Auth.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.Auth.RateLimitPerMinute)

	c.Playback.SchedulerWorkers = getEnvInt("SCHEDULER_WORKERS", c.Playback.SchedulerWorkers)
	c.Playback.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.Playback.ShutdownTimeout)
	c.Playback.LogEnabled = getEnvBool("PLAYBACK_LOG", c.Playback.LogEnabled)

	c.Cache.RefreshParallelism = getEnvInt("REFRESH_PARALLELISM", c.Cache.RefreshParallelism)
	c.Cache.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", c.Cache.RefreshInterval)
	c.Cache.Watch = getEnvBool("CACHE_WATCH", c.Cache.Watch)
	c.Cache.IndexEnabled = getEnvBool("SCRIPT_INDEX", c.Cache.IndexEnabled)

	c.Timing.MinDelaySeconds = getEnvFloat("TIMING_MIN_DELAY", c.Timing.MinDelaySeconds)
	c.Timing.MaxDelaySeconds = getEnvFloat("TIMING_MAX_DELAY", c.Timing.MaxDelaySeconds)
	c.Timing.PhaseChangePauseSeconds = getEnvFloat("TIMING_PHASE_PAUSE", c.Timing.PhaseChangePauseSeconds)
	c.Timing.LoopDelaySeconds = getEnvFloat("TIMING_LOOP_DELAY", c.Timing.LoopDelaySeconds)
}

// Validate rejects settings the service cannot run with and normalises timing.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("port is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Playback.SchedulerWorkers <= 0 {
		return fmt.Errorf("playback.scheduler_workers must be positive, got %d", c.Playback.SchedulerWorkers)
	}
	if c.Playback.ShutdownTimeout <= 0 {
		return fmt.Errorf("playback.shutdown_timeout must be positive")
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		return fmt.Errorf("auth.required needs auth.secret (AUTH_SECRET_KEY)")
	}
	c.Timing = c.Timing.Normalized()
	return nil
}

// CacheDir is where script records live
func (c *Config) CacheDir() string { return filepath.Join(c.DataDir, "scripts") }

// IndexPath is the SQLite script index
func (c *Config) IndexPath() string { return filepath.Join(c.DataDir, "index", "scripts.db") }

// PlaybackLogDir holds the compressed playback logs
func (c *Config) PlaybackLogDir() string { return filepath.Join(c.DataDir, "playback") }

// LogFile is the service log file, empty when LogDir is unset
func (c *Config) LogFile() string {
	if c.LogDir == "" {
		return ""
	}
	return filepath.Join(c.LogDir, "server.log")
}

// getEnv returns the variable or defaultValue when unset
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
