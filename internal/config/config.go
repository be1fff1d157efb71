// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Phases    PhasesConfig    `mapstructure:"phases"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	AI        AIConfig        `mapstructure:"ai"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the health/stats/metrics HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig controls access to the relational work-item store.
type StoreConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PipelineConfig governs orchestration behavior shared by all phases.
type PipelineConfig struct {
	BatchSize              int     `mapstructure:"batch_size"`
	MaxRetries             int     `mapstructure:"max_retries"`
	ErrorTolerancePct      float64 `mapstructure:"error_tolerance_pct"`
	RequestTimeoutSeconds  int     `mapstructure:"request_timeout_seconds"`
	NetworkCooldownSeconds int     `mapstructure:"network_cooldown_seconds"`
}

// PhasesConfig sets the bounded worker-pool size per phase. Browser and AI
// phases default lower to respect external quotas; plain downloads run wider.
type PhasesConfig struct {
	DiscoveryConcurrency   int `mapstructure:"discovery_concurrency"`
	DownloadConcurrency    int `mapstructure:"download_concurrency"`
	ExtractionConcurrency  int `mapstructure:"extraction_concurrency"`
	StructuringConcurrency int `mapstructure:"structuring_concurrency"`
}

// BrowserConfig configures the pooled headless-browser sessions.
type BrowserConfig struct {
	PoolSize              int    `mapstructure:"pool_size"`
	UserAgent             string `mapstructure:"user_agent"`
	NavTimeoutSeconds     int    `mapstructure:"nav_timeout_seconds"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
}

// WindowConfig is one sliding-window quota.
type WindowConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// LimitsConfig carries the per-dependency sliding-window quotas.
type LimitsConfig struct {
	Catalog       WindowConfig `mapstructure:"catalog"`
	Downloads     WindowConfig `mapstructure:"downloads"`
	AI            WindowConfig `mapstructure:"ai"`
	LoadThreshold float64      `mapstructure:"load_threshold"`
}

// AIConfig configures the structuring service client.
type AIConfig struct {
	Model           string  `mapstructure:"model"`
	APIKey          string  `mapstructure:"api_key"`
	CostPerDocument float64 `mapstructure:"cost_per_document"`
}

// StorageConfig sets the artifact blob store backend.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig holds metadata for record-completion notifications.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DiscoveryConfig lists catalog entry points and the fetch identity.
type DiscoveryConfig struct {
	SearchURLs []string `mapstructure:"search_urls"`
	UserAgent  string   `mapstructure:"user_agent"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COURSECRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.error_tolerance_pct", 5.0)
	v.SetDefault("pipeline.request_timeout_seconds", 30)
	v.SetDefault("pipeline.network_cooldown_seconds", 3)
	v.SetDefault("phases.discovery_concurrency", 2)
	v.SetDefault("phases.download_concurrency", 6)
	v.SetDefault("phases.extraction_concurrency", 3)
	v.SetDefault("phases.structuring_concurrency", 4)
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.user_agent", "csexpert-coursecrawler/1.0")
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.acquire_timeout_seconds", 30)
	v.SetDefault("limits.catalog.max_requests", 30)
	v.SetDefault("limits.catalog.window_seconds", 60)
	v.SetDefault("limits.downloads.max_requests", 120)
	v.SetDefault("limits.downloads.window_seconds", 60)
	v.SetDefault("limits.ai.max_requests", 150)
	v.SetDefault("limits.ai.window_seconds", 60)
	v.SetDefault("limits.load_threshold", 0.8)
	v.SetDefault("ai.model", "gemini-2.5-pro")
	v.SetDefault("ai.cost_per_document", 0.004)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("discovery.user_agent", "csexpert-coursecrawler/1.0")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pipeline.MaxRetries <= 0 {
		return fmt.Errorf("pipeline.max_retries must be > 0")
	}
	if c.Pipeline.ErrorTolerancePct < 0 || c.Pipeline.ErrorTolerancePct > 100 {
		return fmt.Errorf("pipeline.error_tolerance_pct must be within [0, 100]")
	}
	if c.Pipeline.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.request_timeout_seconds must be > 0")
	}
	for name, n := range map[string]int{
		"phases.discovery_concurrency":   c.Phases.DiscoveryConcurrency,
		"phases.download_concurrency":    c.Phases.DownloadConcurrency,
		"phases.extraction_concurrency":  c.Phases.ExtractionConcurrency,
		"phases.structuring_concurrency": c.Phases.StructuringConcurrency,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	for name, w := range map[string]WindowConfig{
		"limits.catalog":   c.Limits.Catalog,
		"limits.downloads": c.Limits.Downloads,
		"limits.ai":        c.Limits.AI,
	} {
		if w.MaxRequests <= 0 {
			return fmt.Errorf("%s.max_requests must be > 0", name)
		}
		if w.WindowSeconds <= 0 {
			return fmt.Errorf("%s.window_seconds must be > 0", name)
		}
	}
	if c.Limits.LoadThreshold <= 0 || c.Limits.LoadThreshold >= 1 {
		return fmt.Errorf("limits.load_threshold must be within (0, 1)")
	}
	switch c.Storage.Provider {
	case "local", "gcs", "memory":
	default:
		return fmt.Errorf("storage.provider must be one of local, gcs, memory")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	switch c.Publisher.Provider {
	case "memory", "pubsub":
	default:
		return fmt.Errorf("publisher.provider must be one of memory, pubsub")
	}
	if c.Publisher.Provider == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.TopicName == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic_name must be set when publisher.provider is pubsub")
	}
	return nil
}

// RequestTimeout converts the request timeout knob into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Pipeline.RequestTimeoutSeconds) * time.Second
}

// NetworkCooldown converts the cooldown knob into a duration.
func (c Config) NetworkCooldown() time.Duration {
	return time.Duration(c.Pipeline.NetworkCooldownSeconds) * time.Second
}

// NavTimeout converts the browser navigation timeout into a duration.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// AcquireTimeout converts the pool acquire timeout into a duration.
func (c BrowserConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// Window converts the quota knobs into a duration window.
func (w WindowConfig) Window() time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}
