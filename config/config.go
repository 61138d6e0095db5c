package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketpipe MarketpipeConfig `yaml:"marketpipe"`
	Bus        BusConfig        `yaml:"bus"`
	Exchanges  []ExchangeConfig `yaml:"exchanges"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Storage    StorageConfig    `yaml:"storage"`
	Migrator   MigratorConfig   `yaml:"migrator"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Archiver   ArchiverConfig   `yaml:"archiver"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketpipeConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BusConfig struct {
	// Driver selects the bus implementation: "nats" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	// StreamReplicas is passed through to JetStream stream creation.
	StreamReplicas int `yaml:"stream_replicas"`
	// MaxAgeHours bounds how long the bus retains unconsumed messages.
	MaxAgeHours      int `yaml:"max_age_hours"`
	PublishTimeoutMS int `yaml:"publish_timeout_ms"`
}

func (b BusConfig) PublishTimeout() time.Duration {
	if b.PublishTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.PublishTimeoutMS) * time.Millisecond
}

// ExchangeConfig enables one exchange+market feed set.
type ExchangeConfig struct {
	Name       string   `yaml:"name"`
	MarketType string   `yaml:"market_type"`
	Symbols    []string `yaml:"symbols"`
	Kinds      []string `yaml:"kinds"`
}

// IngestConfig drives the raw-ingest bridge that feeds collector frames to
// the publisher.
type IngestConfig struct {
	Subjects []string `yaml:"subjects"`
	Durable  string   `yaml:"durable"`
}

type PublisherConfig struct {
	RequestsPerSecond int         `yaml:"requests_per_second"`
	BurstSize         int         `yaml:"burst_size"`
	Retry             RetryConfig `yaml:"retry"`
}

type ConsumerConfig struct {
	Subjects []string    `yaml:"subjects"`
	Durable  string      `yaml:"durable"`
	Dedup    DedupConfig `yaml:"dedup"`
	Retry    RetryConfig `yaml:"retry"`
}

type DedupConfig struct {
	// TTLSeconds bounds the in-memory seen-key window; keys older than the
	// window rely on the storage layer's natural-key constraint.
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxKeys    int `yaml:"max_keys"`
}

func (d DedupConfig) TTL() time.Duration {
	if d.TTLSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(d.TTLSeconds) * time.Second
}

type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	BaseDelayMS       int `yaml:"base_delay_ms"`
	MaxDelayMS        int `yaml:"max_delay_ms"`
	BackoffMultiplier int `yaml:"backoff_multiplier"`
}

func (r RetryConfig) BaseDelay() time.Duration {
	if r.BaseDelayMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	if r.MaxDelayMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

type StorageConfig struct {
	// Driver selects the table store implementation: "postgres" or "memory".
	Driver string         `yaml:"driver"`
	Hot    PostgresConfig `yaml:"hot"`
	Cold   PostgresConfig `yaml:"cold"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

// ConnString renders a pgx-compatible connection string.
func (p PostgresConfig) ConnString() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, sslMode)
}

type MigratorConfig struct {
	CadenceSeconds int `yaml:"cadence_seconds"`
	// RetentionDays per table; tables absent from the map use DefaultRetentionDays.
	RetentionDays        map[string]int `yaml:"retention_days"`
	DefaultRetentionDays int            `yaml:"default_retention_days"`
	CopyBatchSize        int            `yaml:"copy_batch_size"`
	CopyRowsPerSecond    int            `yaml:"copy_rows_per_second"`
}

func (m MigratorConfig) Cadence() time.Duration {
	if m.CadenceSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(m.CadenceSeconds) * time.Second
}

// Retention returns the hot-tier retention threshold for a table.
func (m MigratorConfig) Retention(table string) time.Duration {
	days := m.DefaultRetentionDays
	if d, ok := m.RetentionDays[table]; ok {
		days = d
	}
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

type MonitorConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	StalenessSeconds   int `yaml:"staleness_seconds"`
	// MinMessagesPerMinute per exchange; 0 disables the throughput check.
	MinMessagesPerMinute map[string]int   `yaml:"min_messages_per_minute"`
	CloudWatch           CloudWatchConfig `yaml:"cloudwatch"`
}

func (m MonitorConfig) Interval() time.Duration {
	if m.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(m.IntervalSeconds) * time.Second
}

func (m MonitorConfig) StalenessThreshold() time.Duration {
	if m.StalenessSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(m.StalenessSeconds) * time.Second
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ArchiverConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// LagDays keeps the archiver behind the migrator so only settled cold
	// ranges are exported.
	LagDays int `yaml:"lag_days"`
}

func (a ArchiverConfig) Interval() time.Duration {
	if a.IntervalSeconds <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(a.IntervalSeconds) * time.Second
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
	// ReportSeconds enables the periodic pipeline report when > 0.
	ReportSeconds int `yaml:"report_seconds"`
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} placeholders in the raw YAML with environment
// variable values before parsing.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override archiver credentials from environment variables if available
	if config.Archiver.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archiver.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archiver.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archiver.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archiver.Bucket = strings.TrimSpace(v)
		}
	}
	config.Archiver.Bucket = strings.TrimSpace(config.Archiver.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	return s3BucketRegexp.MatchString(name)
}

func validateConfig(cfg *Config) error {
	if cfg.Marketpipe.Name == "" {
		return fmt.Errorf("marketpipe.name is required")
	}

	switch cfg.Bus.Driver {
	case "", "memory":
	case "nats":
		if cfg.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when bus.driver is nats")
		}
	default:
		return fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
	}

	switch cfg.Storage.Driver {
	case "", "memory":
	case "postgres":
		if cfg.Storage.Hot.Host == "" || cfg.Storage.Cold.Host == "" {
			return fmt.Errorf("storage.hot and storage.cold hosts are required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	for _, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange entry missing name")
		}
		if ex.MarketType != "spot" && ex.MarketType != "derivatives" {
			return fmt.Errorf("exchange %s: market_type must be spot or derivatives", ex.Name)
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("exchange %s: at least one symbol is required", ex.Name)
		}
	}

	if cfg.Archiver.Enabled && !isValidS3Bucket(cfg.Archiver.Bucket) {
		return fmt.Errorf("archiver.bucket %q is not a valid S3 bucket name", cfg.Archiver.Bucket)
	}

	return nil
}
