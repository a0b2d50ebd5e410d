package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
)

// Config defines configuration for the hoyosync CLI.
type Config struct {
	CacheURL            string          `yaml:"cache_url"`
	StateKey            string          `yaml:"state_key"`
	UpdateCheckInterval time.Duration   `yaml:"update_check_interval"`
	PartitionWorkers    int             `yaml:"partition_workers"`
	DiscoveryWorkers    int             `yaml:"discovery_workers"`
	HTTP                HTTPConfig      `yaml:"http"`
	Discovery           DiscoveryConfig `yaml:"discovery"`
	Log                 LogConfig       `yaml:"log"`
	MetricsTextfile     string          `yaml:"metrics_textfile"`
	Partitions          []Partition     `yaml:"partitions"`
}

// HTTPConfig defines the HTTP client.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DiscoveryConfig tunes share listing.
type DiscoveryConfig struct {
	PageSize        int      `yaml:"page_size"`
	MaxDepth        int      `yaml:"max_depth"`
	MaxListingBytes int64    `yaml:"max_listing_size"`
	ProbeNames      []string `yaml:"probe_names"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Partition maps a share onto a local directory.
type Partition struct {
	Key       string `yaml:"key"`
	RemoteURL string `yaml:"remote_url"`
	LocalRoot string `yaml:"local_root"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		CacheURL:            "file://./.hoyosync",
		StateKey:            "cache.json",
		UpdateCheckInterval: 6 * time.Hour,
		PartitionWorkers:    3,
		DiscoveryWorkers:    4,
		HTTP: HTTPConfig{
			Timeout: 10 * time.Minute,
			Retry: RetryConfig{
				Attempts:   3,
				Backoff:    time.Second,
				MaxBackoff: 30 * time.Second,
			},
		},
		Discovery: DiscoveryConfig{
			PageSize:        500,
			MaxDepth:        32,
			MaxListingBytes: 32 << 20, // 32MiB
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations and sizes.
type yamlConfig struct {
	CacheURL            string              `yaml:"cache_url"`
	StateKey            string              `yaml:"state_key"`
	UpdateCheckInterval string              `yaml:"update_check_interval"`
	PartitionWorkers    int                 `yaml:"partition_workers"`
	DiscoveryWorkers    int                 `yaml:"discovery_workers"`
	HTTP                yamlHTTPConfig      `yaml:"http"`
	Discovery           yamlDiscoveryConfig `yaml:"discovery"`
	Log                 LogConfig           `yaml:"log"`
	MetricsTextfile     string              `yaml:"metrics_textfile"`
	Partitions          []Partition         `yaml:"partitions"`
}

type yamlHTTPConfig struct {
	Timeout string          `yaml:"timeout"`
	Retry   yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlDiscoveryConfig struct {
	PageSize        int      `yaml:"page_size"`
	MaxDepth        int      `yaml:"max_depth"`
	MaxListingBytes string   `yaml:"max_listing_size"`
	ProbeNames      []string `yaml:"probe_names"`
}

// LoadFromFile loads configuration from a YAML file. Unset fields keep
// their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.CacheURL != "" {
		cfg.CacheURL = yc.CacheURL
	}
	if yc.StateKey != "" {
		cfg.StateKey = yc.StateKey
	}
	if err := setDuration(&cfg.UpdateCheckInterval, yc.UpdateCheckInterval, "update_check_interval"); err != nil {
		return Config{}, err
	}
	if yc.PartitionWorkers != 0 {
		cfg.PartitionWorkers = yc.PartitionWorkers
	}
	if yc.DiscoveryWorkers != 0 {
		cfg.DiscoveryWorkers = yc.DiscoveryWorkers
	}
	if err := setDuration(&cfg.HTTP.Timeout, yc.HTTP.Timeout, "http.timeout"); err != nil {
		return Config{}, err
	}
	if yc.HTTP.Retry.Attempts != 0 {
		cfg.HTTP.Retry.Attempts = yc.HTTP.Retry.Attempts
	}
	if err := setDuration(&cfg.HTTP.Retry.Backoff, yc.HTTP.Retry.Backoff, "http.retry.backoff"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.HTTP.Retry.MaxBackoff, yc.HTTP.Retry.MaxBackoff, "http.retry.max_backoff"); err != nil {
		return Config{}, err
	}
	if yc.Discovery.PageSize != 0 {
		cfg.Discovery.PageSize = yc.Discovery.PageSize
	}
	if yc.Discovery.MaxDepth != 0 {
		cfg.Discovery.MaxDepth = yc.Discovery.MaxDepth
	}
	if yc.Discovery.MaxListingBytes != "" {
		size, err := progress.ParseBytes(yc.Discovery.MaxListingBytes)
		if err != nil {
			return Config{}, fmt.Errorf("parse discovery.max_listing_size: %w", err)
		}
		cfg.Discovery.MaxListingBytes = size
	}
	if len(yc.Discovery.ProbeNames) > 0 {
		cfg.Discovery.ProbeNames = yc.Discovery.ProbeNames
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	if yc.Log.Output != "" {
		cfg.Log.Output = yc.Log.Output
	}
	cfg.MetricsTextfile = yc.MetricsTextfile
	cfg.Partitions = yc.Partitions

	return cfg, nil
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the HOYOSYNC_ prefix. Partitions can only be
// configured in the file.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("HOYOSYNC_CACHE_URL"); v != "" {
		c.CacheURL = v
	}
	if v := os.Getenv("HOYOSYNC_STATE_KEY"); v != "" {
		c.StateKey = v
	}
	if err := envDuration(&c.UpdateCheckInterval, "HOYOSYNC_UPDATE_CHECK_INTERVAL"); err != nil {
		return err
	}
	if err := envInt(&c.PartitionWorkers, "HOYOSYNC_PARTITION_WORKERS"); err != nil {
		return err
	}
	if err := envInt(&c.DiscoveryWorkers, "HOYOSYNC_DISCOVERY_WORKERS"); err != nil {
		return err
	}
	if err := envDuration(&c.HTTP.Timeout, "HOYOSYNC_HTTP_TIMEOUT"); err != nil {
		return err
	}
	if err := envInt(&c.HTTP.Retry.Attempts, "HOYOSYNC_RETRY_ATTEMPTS"); err != nil {
		return err
	}
	if err := envDuration(&c.HTTP.Retry.Backoff, "HOYOSYNC_RETRY_BACKOFF"); err != nil {
		return err
	}
	if err := envDuration(&c.HTTP.Retry.MaxBackoff, "HOYOSYNC_RETRY_MAX_BACKOFF"); err != nil {
		return err
	}
	if v := os.Getenv("HOYOSYNC_MAX_LISTING_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse HOYOSYNC_MAX_LISTING_SIZE: %w", err)
		}
		c.Discovery.MaxListingBytes = size
	}
	if v := os.Getenv("HOYOSYNC_PROBE_NAMES"); v != "" {
		c.Discovery.ProbeNames = splitList(v)
	}
	if v := os.Getenv("HOYOSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HOYOSYNC_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("HOYOSYNC_LOG_OUTPUT"); v != "" {
		c.Log.Output = v
	}
	if v := os.Getenv("HOYOSYNC_METRICS_TEXTFILE"); v != "" {
		c.MetricsTextfile = v
	}

	return nil
}

func envInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CacheURL == "" {
		return errors.New("config: cache_url is required")
	}
	if c.PartitionWorkers <= 0 {
		return errors.New("config: partition_workers must be positive")
	}
	if c.DiscoveryWorkers <= 0 {
		return errors.New("config: discovery_workers must be positive")
	}
	if c.UpdateCheckInterval <= 0 {
		return errors.New("config: update_check_interval must be positive")
	}
	if c.HTTP.Retry.Attempts < 0 {
		return errors.New("config: http.retry.attempts must not be negative")
	}
	if c.Discovery.MaxListingBytes < 0 {
		return errors.New("config: discovery.max_listing_size must not be negative")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Partitions))
	for i, p := range c.Partitions {
		if p.Key == "" {
			return fmt.Errorf("config: partitions[%d]: key is required", i)
		}
		if seen[p.Key] {
			return fmt.Errorf("config: partition %q defined twice", p.Key)
		}
		seen[p.Key] = true
		if p.LocalRoot == "" {
			return fmt.Errorf("config: partition %q: local_root is required", p.Key)
		}
	}
	return nil
}

// Partition returns the partition named key.
func (c *Config) Partition(key string) (Partition, bool) {
	for _, p := range c.Partitions {
		if p.Key == key {
			return p, true
		}
	}
	return Partition{}, false
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored. A non-empty partition list
// replaces the base list.
func (c Config) Merge(override Config) Config {
	if override.CacheURL != "" {
		c.CacheURL = override.CacheURL
	}
	if override.StateKey != "" {
		c.StateKey = override.StateKey
	}
	if override.UpdateCheckInterval != 0 {
		c.UpdateCheckInterval = override.UpdateCheckInterval
	}
	if override.PartitionWorkers != 0 {
		c.PartitionWorkers = override.PartitionWorkers
	}
	if override.DiscoveryWorkers != 0 {
		c.DiscoveryWorkers = override.DiscoveryWorkers
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.Retry.Attempts != 0 {
		c.HTTP.Retry.Attempts = override.HTTP.Retry.Attempts
	}
	if override.HTTP.Retry.Backoff != 0 {
		c.HTTP.Retry.Backoff = override.HTTP.Retry.Backoff
	}
	if override.HTTP.Retry.MaxBackoff != 0 {
		c.HTTP.Retry.MaxBackoff = override.HTTP.Retry.MaxBackoff
	}
	if override.Discovery.PageSize != 0 {
		c.Discovery.PageSize = override.Discovery.PageSize
	}
	if override.Discovery.MaxDepth != 0 {
		c.Discovery.MaxDepth = override.Discovery.MaxDepth
	}
	if override.Discovery.MaxListingBytes != 0 {
		c.Discovery.MaxListingBytes = override.Discovery.MaxListingBytes
	}
	if len(override.Discovery.ProbeNames) > 0 {
		c.Discovery.ProbeNames = override.Discovery.ProbeNames
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	if override.Log.Output != "" {
		c.Log.Output = override.Log.Output
	}
	if override.MetricsTextfile != "" {
		c.MetricsTextfile = override.MetricsTextfile
	}
	if len(override.Partitions) > 0 {
		c.Partitions = override.Partitions
	}
	return c
}
