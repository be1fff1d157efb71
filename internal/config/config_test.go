package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
store:
  dsn: postgres://localhost/courses
  max_conns: 4
pipeline:
  batch_size: 25
  max_retries: 5
  error_tolerance_pct: 10
  request_timeout_seconds: 45
phases:
  discovery_concurrency: 1
  download_concurrency: 8
  extraction_concurrency: 2
  structuring_concurrency: 6
browser:
  pool_size: 2
  user_agent: course-agent
limits:
  catalog:
    max_requests: 10
    window_seconds: 30
  ai:
    max_requests: 60
    window_seconds: 60
ai:
  model: gemini-2.5-flash
  api_key: secret
storage:
  provider: gcs
  gcs_bucket: bucket
  prefix: artifacts
discovery:
  search_urls:
    - https://www.gu.se/en/study-gothenburg/study-options/find-courses
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.DSN != "postgres://localhost/courses" || cfg.Store.MaxConns != 4 {
		t.Fatalf("expected store overrides to apply: %+v", cfg.Store)
	}
	if cfg.Pipeline.BatchSize != 25 || cfg.Pipeline.MaxRetries != 5 {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if cfg.Phases.DownloadConcurrency != 8 || cfg.Phases.StructuringConcurrency != 6 {
		t.Fatalf("expected phase overrides to apply: %+v", cfg.Phases)
	}
	if cfg.Limits.Catalog.MaxRequests != 10 || cfg.Limits.Catalog.Window() != 30*time.Second {
		t.Fatalf("expected catalog quota overrides: %+v", cfg.Limits.Catalog)
	}
	if cfg.AI.Model != "gemini-2.5-flash" {
		t.Fatalf("expected ai model override, got %q", cfg.AI.Model)
	}
	if cfg.Storage.Provider != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected gcs storage overrides: %+v", cfg.Storage)
	}
	if len(cfg.Discovery.SearchURLs) != 1 {
		t.Fatalf("expected one search url, got %v", cfg.Discovery.SearchURLs)
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", got)
	}
	// Unset sections keep their defaults.
	if cfg.Limits.Downloads.MaxRequests != 120 {
		t.Fatalf("expected default downloads quota, got %+v", cfg.Limits.Downloads)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.BatchSize != 100 || cfg.Pipeline.MaxRetries != 3 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Browser.PoolSize != 3 {
		t.Fatalf("unexpected browser pool default: %d", cfg.Browser.PoolSize)
	}
	if cfg.Storage.Provider != "local" {
		t.Fatalf("unexpected storage default: %q", cfg.Storage.Provider)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Pipeline: PipelineConfig{
			BatchSize:             50,
			MaxRetries:            3,
			ErrorTolerancePct:     5,
			RequestTimeoutSeconds: 30,
		},
		Phases: PhasesConfig{
			DiscoveryConcurrency:   1,
			DownloadConcurrency:    4,
			ExtractionConcurrency:  2,
			StructuringConcurrency: 4,
		},
		Browser: BrowserConfig{PoolSize: 2},
		Limits: LimitsConfig{
			Catalog:       WindowConfig{MaxRequests: 10, WindowSeconds: 60},
			Downloads:     WindowConfig{MaxRequests: 60, WindowSeconds: 60},
			AI:            WindowConfig{MaxRequests: 60, WindowSeconds: 60},
			LoadThreshold: 0.8,
		},
		Storage:   StorageConfig{Provider: "memory"},
		Publisher: PublisherConfig{Provider: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid batch size",
			cfg: func() Config {
				c := base
				c.Pipeline.BatchSize = 0
				return c
			}(),
			want: "pipeline.batch_size",
		},
		{
			name: "tolerance out of range",
			cfg: func() Config {
				c := base
				c.Pipeline.ErrorTolerancePct = 150
				return c
			}(),
			want: "pipeline.error_tolerance_pct",
		},
		{
			name: "zero phase concurrency",
			cfg: func() Config {
				c := base
				c.Phases.ExtractionConcurrency = 0
				return c
			}(),
			want: "phases.extraction_concurrency",
		},
		{
			name: "zero pool size",
			cfg: func() Config {
				c := base
				c.Browser.PoolSize = 0
				return c
			}(),
			want: "browser.pool_size",
		},
		{
			name: "zero quota window",
			cfg: func() Config {
				c := base
				c.Limits.AI.WindowSeconds = 0
				return c
			}(),
			want: "limits.ai.window_seconds",
		},
		{
			name: "load threshold out of range",
			cfg: func() Config {
				c := base
				c.Limits.LoadThreshold = 1.5
				return c
			}(),
			want: "limits.load_threshold",
		},
		{
			name: "unknown storage provider",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "s3"
				return c
			}(),
			want: "storage.provider",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "pubsub missing topic",
			cfg: func() Config {
				c := base
				c.Publisher.Provider = "pubsub"
				return c
			}(),
			want: "publisher.project_id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
