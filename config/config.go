package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Provider     ProviderConfig     `yaml:"provider"`
	Store        StoreConfig        `yaml:"store"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Ignition     IgnitionConfig     `yaml:"ignition"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Tier2        Tier2Config        `yaml:"tier2"`
	Watchlist    WatchlistConfig    `yaml:"watchlist"`
	Server       ServerConfig       `yaml:"server"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
	QueueDepth     bool          `yaml:"queue_depth"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ProviderConfig struct {
	BaseURL           string          `yaml:"base_url"`
	StreamURL         string          `yaml:"stream_url"`
	APIKey            string          `yaml:"api_key"`
	HistoricalTimeout time.Duration   `yaml:"historical_timeout"`
	SnapshotTimeout   time.Duration   `yaml:"snapshot_timeout"`
	PageLimit         int             `yaml:"page_limit"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Retry             RetryConfig     `yaml:"retry"`
	Stream            StreamConfig    `yaml:"stream"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type StreamConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	RawBuffer      int           `yaml:"raw_buffer"`
}

type StoreConfig struct {
	Root        string        `yaml:"root"`
	Compression string        `yaml:"compression"`
	Archive     ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig mirrors written daily partitions to S3 when enabled.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ScoringConfig struct {
	Lookback int `yaml:"lookback"`
	// WeightsV2/WeightsV3 override the built-in tables when non-empty.
	// Each table must sum to 1.0.
	WeightsV2 map[string]float64 `yaml:"weights_v2"`
	WeightsV3 map[string]float64 `yaml:"weights_v3"`
}

type IgnitionConfig struct {
	TradeRing       int           `yaml:"trade_ring"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	SessionStart    string        `yaml:"session_start"` // "09:30" ET
	AntiTrap        AntiTrapConfig `yaml:"anti_trap"`
}

// AntiTrapConfig holds the provisional anti-trap thresholds.
type AntiTrapConfig struct {
	OffQuotePct      float64 `yaml:"off_quote_pct"`
	DistributionRVol float64 `yaml:"distribution_rvol"`
	MinTicksPerSec   float64 `yaml:"min_ticks_per_sec"`
}

type DispatcherConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	RecorderEnabled bool          `yaml:"recorder_enabled"`
	RecorderBlock   time.Duration `yaml:"recorder_block"`
}

type SubscriptionConfig struct {
	QuotaTrades     int           `yaml:"quota_trades"`
	QuotaQuotes     int           `yaml:"quota_quotes"`
	QuotaAggregates int           `yaml:"quota_aggregates"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryCap        time.Duration `yaml:"retry_cap"`
	RetryJitterPct  float64       `yaml:"retry_jitter_pct"`
}

type Tier2Config struct {
	MaxSize       int           `yaml:"max_size"`
	DemoteWindow  time.Duration `yaml:"demote_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type WatchlistConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a fully populated configuration with the documented
// defaults. LoadConfig overlays the YAML file on top of this.
func Default() *Config {
	return &Config{
		App:     AppConfig{Name: "ignitionflow", Version: "dev"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Namespace: "IgnitionFlow", QueueDepth: true, ReportInterval: 30 * time.Second},
		Provider: ProviderConfig{
			HistoricalTimeout: 15 * time.Second,
			SnapshotTimeout:   5 * time.Second,
			PageLimit:         5000,
			RateLimit:         RateLimitConfig{RequestsPerSecond: 5, BurstSize: 5},
			Retry:             RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
			Stream: StreamConfig{
				IdleTimeout:    30 * time.Second,
				ReconnectDelay: 5 * time.Second,
				KeepAlive:      20 * time.Second,
				RawBuffer:      4096,
			},
		},
		Store: StoreConfig{Root: "data", Compression: "snappy"},
		Scoring: ScoringConfig{
			Lookback: 20,
		},
		Ignition: IgnitionConfig{
			TradeRing:       2048,
			StaleAfter:      10 * time.Second,
			PublishInterval: 500 * time.Millisecond,
			SessionStart:    "09:30",
			AntiTrap: AntiTrapConfig{
				OffQuotePct:      0.01,
				DistributionRVol: 8,
				MinTicksPerSec:   2,
			},
		},
		Dispatcher: DispatcherConfig{QueueSize: 1024, RecorderBlock: 10 * time.Millisecond},
		Subscription: SubscriptionConfig{
			QuotaTrades:     30,
			QuotaQuotes:     30,
			QuotaAggregates: 200,
			RetryBase:       time.Second,
			RetryCap:        30 * time.Second,
			RetryJitterPct:  0.2,
		},
		Tier2:     Tier2Config{MaxSize: 20, DemoteWindow: 5 * time.Minute, SweepInterval: 15 * time.Second},
		Watchlist: WatchlistConfig{Path: "data/watchlist.json"},
		Server:    ServerConfig{Enabled: true, Address: ":8090"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets come from the environment when present.
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = strings.TrimSpace(v)
	}
	if cfg.Store.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Store.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Store.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Store.Archive.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if cfg.Provider.StreamURL == "" {
		return fmt.Errorf("provider.stream_url is required")
	}
	if cfg.Provider.PageLimit <= 0 || cfg.Provider.PageLimit > 5000 {
		return fmt.Errorf("provider.page_limit must be in (0, 5000]")
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be greater than 0")
	}
	if cfg.Subscription.QuotaTrades <= 0 || cfg.Subscription.QuotaQuotes <= 0 || cfg.Subscription.QuotaAggregates <= 0 {
		return fmt.Errorf("subscription quotas must be greater than 0")
	}
	if cfg.Tier2.MaxSize <= 0 {
		return fmt.Errorf("tier2.max_size must be greater than 0")
	}
	if cfg.Ignition.PublishInterval <= 0 || cfg.Ignition.PublishInterval > 500*time.Millisecond {
		return fmt.Errorf("ignition.publish_interval must be in (0, 500ms]")
	}
	if err := validateWeights("scoring.weights_v2", cfg.Scoring.WeightsV2); err != nil {
		return err
	}
	if err := validateWeights("scoring.weights_v3", cfg.Scoring.WeightsV3); err != nil {
		return err
	}
	if cfg.Store.Archive.Enabled {
		if cfg.Store.Archive.Bucket == "" {
			return fmt.Errorf("store.archive.bucket is required when archive is enabled")
		}
		if cfg.Store.Archive.Region == "" {
			return fmt.Errorf("store.archive.region is required when archive is enabled")
		}
	}
	return nil
}

func validateWeights(name string, w map[string]float64) error {
	if len(w) == 0 {
		return nil
	}
	sum := 0.0
	for k, v := range w {
		if v < 0 {
			return fmt.Errorf("%s[%s] must be non-negative", name, k)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%s must sum to 1.0, got %v", name, sum)
	}
	return nil
}
