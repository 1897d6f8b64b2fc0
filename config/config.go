package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow  TickflowConfig  `yaml:"tickflow"`
	Upstox    UpstoxConfig    `yaml:"upstox"`
	Session   SessionConfig   `yaml:"session"`
	Market    MarketConfig    `yaml:"market"`
	IndexFeed IndexFeedConfig `yaml:"index_feed"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// UpstoxConfig describes how the feed endpoint is authorized and how the
// resulting socket is kept alive.
type UpstoxConfig struct {
	AuthorizeURL           string        `yaml:"authorize_url"`
	APIKey                 string        `yaml:"api_key"`
	AccessToken            string        `yaml:"access_token"`
	TokenFile              string        `yaml:"token_file"`
	TokenMaxAge            time.Duration `yaml:"token_max_age"`
	Mode                   string        `yaml:"mode"`
	MinTokenLength         int           `yaml:"min_token_length"`
	AuthorizeTimeout       time.Duration `yaml:"authorize_timeout"`
	AuthorizeRatePerMinute int           `yaml:"authorize_rate_per_minute"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	WriteTimeout           time.Duration `yaml:"write_timeout"`
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout"`
}

// SessionConfig holds the waits used by the reconnect supervisor.
type SessionConfig struct {
	Topic                 string        `yaml:"topic"`
	ReconnectInterval     time.Duration `yaml:"reconnect_interval"`
	MarketClosedWait      time.Duration `yaml:"market_closed_wait"`
	InvalidCredentialWait time.Duration `yaml:"invalid_credential_wait"`
	AuthorizeRetryWait    time.Duration `yaml:"authorize_retry_wait"`
	FailureWait           time.Duration `yaml:"failure_wait"`
	CircuitCooldown       time.Duration `yaml:"circuit_cooldown"`
	CircuitThreshold      int           `yaml:"circuit_threshold"`
	CommandPoll           time.Duration `yaml:"command_poll"`
	CommandQueueSize      int           `yaml:"command_queue_size"`
	InitialKeys           []string      `yaml:"initial_keys"`
}

type MarketConfig struct {
	Timezone    string `yaml:"timezone"`
	Open        string `yaml:"open"`
	Close       string `yaml:"close"`
	CalendarMIC string `yaml:"calendar_mic"`
}

type IndexFeedConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Topic                 string        `yaml:"topic"`
	Keys                  []string      `yaml:"keys"`
	Mode                  string        `yaml:"mode"`
	GUID                  string        `yaml:"guid"`
	ReceiveTimeout        time.Duration `yaml:"receive_timeout"`
	RetryWait             time.Duration `yaml:"retry_wait"`
	InvalidCredentialWait time.Duration `yaml:"invalid_credential_wait"`
	MarketClosedWait      time.Duration `yaml:"market_closed_wait"`
}

type MetricsConfig struct {
	ChannelSize bool `yaml:"channel_size"`
	Prometheus  bool `yaml:"prometheus"`
}

type ChannelsConfig struct {
	TickBuffer int `yaml:"tick_buffer"`
}

type SinksConfig struct {
	Kafka   KafkaSinkConfig   `yaml:"kafka"`
	Archive ArchiveSinkConfig `yaml:"archive"`
}

type KafkaSinkConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type ArchiveSinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Prefix        string        `yaml:"prefix"`
	MaxBuffer     int           `yaml:"max_buffer"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Address          string        `yaml:"address"`
	MaxMetrics       int           `yaml:"max_metrics"`
	MaxLogs          int           `yaml:"max_logs"`
	ResourceInterval time.Duration `yaml:"resource_interval"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
	Namespace     string                 `yaml:"namespace"`
}

// Feed modes accepted by the market data feed.
const (
	ModeLTPC         = "ltpc"
	ModeFull         = "full"
	ModeOptionGreeks = "option_greeks"
	ModeFullD30      = "full_d30"
)

const (
	DefaultAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"
	DefaultTimezone     = "Asia/Kolkata"
)

// DefaultIndexKeys are the benchmark indices streamed by the index feed.
var DefaultIndexKeys = []string{
	"NSE_INDEX|Nifty 50",
	"NSE_INDEX|Nifty Bank",
	"NSE_INDEX|SENSEX",
}

// Default returns a configuration populated with the production defaults.
// LoadConfig overlays the YAML document and environment on top of it.
func Default() Config {
	return Config{
		Tickflow: TickflowConfig{Name: "tickflow", Version: "dev"},
		Upstox: UpstoxConfig{
			AuthorizeURL:           DefaultAuthorizeURL,
			TokenFile:              "tokens.json",
			TokenMaxAge:            24 * time.Hour,
			Mode:                   ModeLTPC,
			MinTokenLength:         20,
			AuthorizeTimeout:       10 * time.Second,
			AuthorizeRatePerMinute: 30,
			PingInterval:           20 * time.Second,
			WriteTimeout:           10 * time.Second,
			HandshakeTimeout:       10 * time.Second,
		},
		Session: SessionConfig{
			Topic:                 "tick_update",
			ReconnectInterval:     5 * time.Second,
			MarketClosedWait:      600 * time.Second,
			InvalidCredentialWait: 60 * time.Second,
			AuthorizeRetryWait:    60 * time.Second,
			FailureWait:           60 * time.Second,
			CircuitCooldown:       900 * time.Second,
			CircuitThreshold:      3,
			CommandPoll:           200 * time.Millisecond,
			CommandQueueSize:      1024,
		},
		Market: MarketConfig{
			Timezone: DefaultTimezone,
			Open:     "09:00",
			Close:    "15:30",
		},
		IndexFeed: IndexFeedConfig{
			Enabled:               true,
			Topic:                 "index_update",
			Keys:                  append([]string(nil), DefaultIndexKeys...),
			Mode:                  ModeFull,
			GUID:                  "indexfeed",
			ReceiveTimeout:        30 * time.Second,
			RetryWait:             60 * time.Second,
			InvalidCredentialWait: 120 * time.Second,
			MarketClosedWait:      600 * time.Second,
		},
		Metrics:  MetricsConfig{ChannelSize: true, Prometheus: true},
		Channels: ChannelsConfig{TickBuffer: 1024},
		Sinks: SinksConfig{
			Kafka: KafkaSinkConfig{Topic: "ticks", BatchTimeout: 50 * time.Millisecond},
			Archive: ArchiveSinkConfig{
				Prefix:        "ticks",
				MaxBuffer:     5000,
				FlushInterval: time.Minute,
				Compression:   "snappy",
			},
		},
		Dashboard: DashboardConfig{Address: ":8080", MaxMetrics: 500, MaxLogs: 500, ResourceInterval: 5 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Upstox.Mode = strings.ToLower(strings.TrimSpace(config.Upstox.Mode))
	config.IndexFeed.Mode = strings.ToLower(strings.TrimSpace(config.IndexFeed.Mode))

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) error {
	if v := os.Getenv("UPSTOX_ACCESS_TOKEN"); v != "" {
		config.Upstox.AccessToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("UPSTOX_CLIENT_ID"); v != "" {
		config.Upstox.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("UPSTOX_AUTHORIZE_URL"); v != "" {
		config.Upstox.AuthorizeURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("UPSTOX_SUB_MODE"); v != "" {
		config.Upstox.Mode = strings.TrimSpace(v)
	}
	if v := os.Getenv("UPSTOX_TOKEN_FILE"); v != "" {
		config.Upstox.TokenFile = strings.TrimSpace(v)
	}
	if v := os.Getenv("UPSTOX_WS_RECONNECT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("UPSTOX_WS_RECONNECT_SECONDS must be an integer: %w", err)
		}
		config.Session.ReconnectInterval = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Sinks.Kafka.Brokers = brokers
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	return nil
}

var validModes = map[string]bool{
	ModeLTPC:         true,
	ModeFull:         true,
	ModeOptionGreeks: true,
	ModeFullD30:      true,
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Upstox.AuthorizeURL == "" {
		return fmt.Errorf("upstox.authorize_url is required")
	}
	if !validModes[cfg.Upstox.Mode] {
		return fmt.Errorf("upstox.mode '%s' is invalid", cfg.Upstox.Mode)
	}
	if cfg.Upstox.MinTokenLength <= 0 {
		return fmt.Errorf("upstox.min_token_length must be greater than 0")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"upstox.authorize_timeout", cfg.Upstox.AuthorizeTimeout},
		{"upstox.ping_interval", cfg.Upstox.PingInterval},
		{"upstox.write_timeout", cfg.Upstox.WriteTimeout},
		{"session.reconnect_interval", cfg.Session.ReconnectInterval},
		{"session.market_closed_wait", cfg.Session.MarketClosedWait},
		{"session.invalid_credential_wait", cfg.Session.InvalidCredentialWait},
		{"session.authorize_retry_wait", cfg.Session.AuthorizeRetryWait},
		{"session.failure_wait", cfg.Session.FailureWait},
		{"session.circuit_cooldown", cfg.Session.CircuitCooldown},
		{"session.command_poll", cfg.Session.CommandPoll},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be greater than 0", d.name)
		}
	}

	if cfg.Session.CircuitThreshold <= 0 {
		return fmt.Errorf("session.circuit_threshold must be greater than 0")
	}
	if cfg.Session.CommandQueueSize <= 0 {
		return fmt.Errorf("session.command_queue_size must be greater than 0")
	}

	if _, err := time.LoadLocation(cfg.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone '%s' is invalid: %w", cfg.Market.Timezone, err)
	}
	open, err := ParseClock(cfg.Market.Open)
	if err != nil {
		return fmt.Errorf("market.open: %w", err)
	}
	closing, err := ParseClock(cfg.Market.Close)
	if err != nil {
		return fmt.Errorf("market.close: %w", err)
	}
	if closing <= open {
		return fmt.Errorf("market.close must be after market.open")
	}

	if cfg.IndexFeed.Enabled {
		if len(cfg.IndexFeed.Keys) == 0 {
			return fmt.Errorf("index_feed.keys is required when the index feed is enabled")
		}
		if !validModes[cfg.IndexFeed.Mode] {
			return fmt.Errorf("index_feed.mode '%s' is invalid", cfg.IndexFeed.Mode)
		}
		if cfg.IndexFeed.ReceiveTimeout <= 0 {
			return fmt.Errorf("index_feed.receive_timeout must be greater than 0")
		}
		if cfg.IndexFeed.RetryWait <= 0 {
			return fmt.Errorf("index_feed.retry_wait must be greater than 0")
		}
	}

	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}

	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 {
			return fmt.Errorf("sinks.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Sinks.Kafka.Topic == "" {
			return fmt.Errorf("sinks.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Sinks.Archive.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("sinks.archive requires storage.s3 to be enabled")
		}
		if cfg.Sinks.Archive.FlushInterval <= 0 {
			return fmt.Errorf("sinks.archive.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

// ParseClock converts an "HH:MM" wall clock value into an offset from
// midnight.
func ParseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid clock value '%s'", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
