package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"bitmexflow/models"
)

const (
	DefaultConfigPath = "config/config.yml"
	DefaultBitmexURL  = "wss://www.bitmex.com/realtime"
)

type Config struct {
	Bitmexflow BitmexflowConfig `yaml:"bitmexflow"`
	Source     SourceConfig     `yaml:"source"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BitmexflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Bitmex BitmexSourceConfig `yaml:"bitmex"`
}

type BitmexSourceConfig struct {
	URL              string        `yaml:"url"`
	Tables           []string      `yaml:"tables"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	ReadBufferBytes  int           `yaml:"read_buffer_bytes"`
	ReadLimitBytes   int64         `yaml:"read_limit_bytes"`
}

// SubscribeTables resolves Tables to their enum values.
func (c BitmexSourceConfig) SubscribeTables() ([]models.Table, error) {
	tables := make([]models.Table, 0, len(c.Tables))
	for _, name := range c.Tables {
		t, err := models.ParseTable(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

type ChannelsConfig struct {
	// QueueWarnBacklog logs a warning when this many batches are waiting.
	// Zero disables the warning; the queue is never bounded.
	QueueWarnBacklog int `yaml:"queue_warn_backlog"`
}

type WriterConfig struct {
	Output    string         `yaml:"output"`
	Delimiter string         `yaml:"delimiter"`
	Rotation  RotationConfig `yaml:"rotation"`
	Archive   ArchiveConfig  `yaml:"archive"`
}

// Delim returns the delimiter rune. Call after validation.
func (c WriterConfig) Delim() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r
}

type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Prefix        string        `yaml:"prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRows       int           `yaml:"max_rows"`
	Compression   string        `yaml:"compression"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	ReportInterval time.Duration `yaml:"report_interval"`
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Bitmexflow: BitmexflowConfig{Name: "bitmexflow"},
		Source: SourceConfig{Bitmex: BitmexSourceConfig{
			URL:              DefaultBitmexURL,
			Tables:           []string{"trade", "orderBookL2", "orderBookL2_25"},
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     15 * time.Second,
			PongWait:         30 * time.Second,
			ReadBufferBytes:  64 * 1024,
			ReadLimitBytes:   16 << 20,
		}},
		Writer: WriterConfig{
			Output:    "stdout",
			Delimiter: "|",
			Rotation:  RotationConfig{MaxSizeMB: 512, MaxAge: 7, Compress: true},
			Archive: ArchiveConfig{
				Prefix:        "bitmex",
				FlushInterval: time.Minute,
				MaxRows:       100000,
				Compression:   "snappy",
				Retry: RetryConfig{
					InitialInterval: 500 * time.Millisecond,
					MaxInterval:     10 * time.Second,
					MaxElapsedTime:  time.Minute,
				},
			},
		},
		Metrics: MetricsConfig{
			Addr:           "0.0.0.0:2112",
			ReportInterval: time.Minute,
			Namespace:      "BitmexFlow",
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stderr"},
	}
}

// LoadConfig reads path, or its APP_ENV specific variant, over the defaults
// and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BITMEX_WS_URL"); v != "" {
		config.Source.Bitmex.URL = strings.TrimSpace(v)
	}
	if config.Writer.Archive.Enabled {
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
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Bitmexflow.Name == "" {
		return fmt.Errorf("bitmexflow.name is required")
	}

	src := cfg.Source.Bitmex
	if !strings.HasPrefix(src.URL, "ws://") && !strings.HasPrefix(src.URL, "wss://") {
		return fmt.Errorf("source.bitmex.url '%s' must be a ws:// or wss:// url", src.URL)
	}
	if len(src.Tables) == 0 {
		return fmt.Errorf("source.bitmex.tables must name at least one table")
	}
	if _, err := src.SubscribeTables(); err != nil {
		return fmt.Errorf("source.bitmex.tables: %w", err)
	}
	if src.PingInterval <= 0 {
		return fmt.Errorf("source.bitmex.ping_interval must be greater than 0")
	}
	if src.PongWait <= src.PingInterval {
		return fmt.Errorf("source.bitmex.pong_wait must be greater than ping_interval")
	}

	if cfg.Channels.QueueWarnBacklog < 0 {
		return fmt.Errorf("channels.queue_warn_backlog must not be negative")
	}

	if err := validateDelimiter(cfg.Writer.Delimiter); err != nil {
		return fmt.Errorf("writer.delimiter: %w", err)
	}
	if cfg.Writer.Output == "" {
		return fmt.Errorf("writer.output is required")
	}
	if outputTarget(cfg.Writer.Output) == outputTarget(cfg.Logging.Output) {
		return fmt.Errorf("writer.output and logging.output must not both be '%s'", outputTarget(cfg.Writer.Output))
	}

	if a := cfg.Writer.Archive; a.Enabled {
		if a.FlushInterval <= 0 {
			return fmt.Errorf("writer.archive.flush_interval must be greater than 0")
		}
		switch a.Compression {
		case "", "snappy", "gzip", "zstd", "uncompressed":
		default:
			return fmt.Errorf("writer.archive.compression '%s' is not supported", a.Compression)
		}
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when the archive is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// outputTarget names where a writer or logger output goes; empty means stdout.
func outputTarget(output string) string {
	switch o := strings.TrimSpace(output); o {
	case "", "stdout":
		return "stdout"
	default:
		return filepath.Clean(o)
	}
}

// The record delimiter is a single rune other than comma, quote or a line
// break.
func validateDelimiter(d string) error {
	if utf8.RuneCountInString(d) != 1 {
		return fmt.Errorf("'%s' must be exactly one character", d)
	}
	r, _ := utf8.DecodeRuneInString(d)
	switch r {
	case ',':
		return fmt.Errorf("comma is not allowed")
	case '"', '\r', '\n', utf8.RuneError:
		return fmt.Errorf("%q is not allowed", r)
	}
	return nil
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
