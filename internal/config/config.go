// Package config loads exporter configuration from a TOML or YAML file with
// HELPDESK_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/Sternrassler/helpdesk-exporter/pkg/enrich"
	"github.com/Sternrassler/helpdesk-exporter/pkg/logging"
	"github.com/Sternrassler/helpdesk-exporter/pkg/pagination"
	"github.com/Sternrassler/helpdesk-exporter/pkg/snapshot"
	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingField is wrapped by validation errors for required fields.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidValue is wrapped by validation errors for out-of-range values.
	ErrInvalidValue = errors.New("invalid value")
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "config.toml"

// Config is the complete exporter configuration.
type Config struct {
	Login    string `toml:"login" yaml:"login"`
	Password string `toml:"password" yaml:"password"`
	Domain   string `toml:"domain" yaml:"domain"`
	BaseURL  string `toml:"base_url" yaml:"base_url"`

	Client     ClientConfig     `toml:"client" yaml:"client"`
	Pagination PaginationConfig `toml:"pagination" yaml:"pagination"`
	Enrich     EnrichConfig     `toml:"enrich" yaml:"enrich"`
	Output     OutputConfig     `toml:"output" yaml:"output"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics" yaml:"metrics"`
}

// ClientConfig configures the HTTP transport.
type ClientConfig struct {
	Timeout           time.Duration `toml:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second" yaml:"requests_per_second"`
	UserAgent         string        `toml:"user_agent" yaml:"user_agent"`
}

// PaginationConfig configures page traversal.
type PaginationConfig struct {
	// MaxConsecutiveFailures of 0 never gives up on a page; the collector
	// still bounds the run.
	MaxConsecutiveFailures int           `toml:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxConsecutiveErrors   int           `toml:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	ErrorBackoff           time.Duration `toml:"error_backoff" yaml:"error_backoff"`
}

// EnrichConfig configures ticket comment enrichment.
type EnrichConfig struct {
	Comments         bool          `toml:"comments" yaml:"comments"`
	Workers          int           `toml:"workers" yaml:"workers"`
	MaxAttempts      int           `toml:"max_attempts" yaml:"max_attempts"`
	RateLimitBackoff time.Duration `toml:"rate_limit_backoff" yaml:"rate_limit_backoff"`
	InitialBackoff   time.Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff       time.Duration `toml:"max_backoff" yaml:"max_backoff"`
}

// OutputConfig configures snapshot destinations.
type OutputConfig struct {
	Dir string   `toml:"dir" yaml:"dir"`
	S3  S3Config `toml:"s3" yaml:"s3"`
}

// S3Config configures the optional bucket upload.
type S3Config struct {
	Endpoint  string `toml:"endpoint" yaml:"endpoint"`
	Bucket    string `toml:"bucket" yaml:"bucket"`
	Prefix    string `toml:"prefix" yaml:"prefix"`
	Region    string `toml:"region" yaml:"region"`
	AccessKey string `toml:"access_key" yaml:"access_key"`
	SecretKey string `toml:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl" yaml:"use_ssl"`
}

// RedisConfig configures the shared rate limit store. An empty Addr keeps
// rate limit state in process.
type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Pretty bool   `toml:"pretty" yaml:"pretty"`
}

// MetricsConfig configures the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Default returns the configuration used for fields the file does not set.
func Default() *Config {
	retry := client.DefaultRetryPolicy()
	collect := pagination.DefaultCollectConfig()

	return &Config{
		Client: ClientConfig{
			Timeout:   30 * time.Second,
			UserAgent: "helpdesk-exporter/0.1.0",
		},
		Pagination: PaginationConfig{
			MaxConsecutiveFailures: pagination.DefaultMaxConsecutiveFailures,
			MaxConsecutiveErrors:   collect.MaxConsecutiveErrors,
			ErrorBackoff:           collect.ErrorBackoff,
		},
		Enrich: EnrichConfig{
			Comments:         true,
			Workers:          enrich.DefaultConfig().Workers,
			MaxAttempts:      retry.MaxAttempts,
			RateLimitBackoff: retry.RateLimitBackoff,
			InitialBackoff:   retry.InitialBackoff,
			MaxBackoff:       retry.MaxBackoff,
		},
		Output: OutputConfig{
			Dir: ".",
			S3:  S3Config{UseSSL: true},
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// loadFromFile decodes a TOML file, or YAML for .yaml/.yml. Unknown keys are
// rejected.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &client.Error{Kind: client.KindFormat, URL: path, Message: "read config", Err: err}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return &client.Error{Kind: client.KindFormat, URL: path, Message: "parse YAML", Err: err}
		}
	default:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return &client.Error{Kind: client.KindFormat, URL: path, Message: "parse TOML", Err: err}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return &client.Error{
				Kind:    client.KindFormat,
				URL:     path,
				Message: "unknown keys: " + strings.Join(keys, ", "),
			}
		}
	}
	return nil
}

// loadFromEnv applies HELPDESK_* overrides.
func (c *Config) loadFromEnv() error {
	strs := map[string]*string{
		"HELPDESK_LOGIN":         &c.Login,
		"HELPDESK_PASSWORD":      &c.Password,
		"HELPDESK_DOMAIN":        &c.Domain,
		"HELPDESK_BASE_URL":      &c.BaseURL,
		"HELPDESK_OUTPUT_DIR":    &c.Output.Dir,
		"HELPDESK_S3_ENDPOINT":   &c.Output.S3.Endpoint,
		"HELPDESK_S3_BUCKET":     &c.Output.S3.Bucket,
		"HELPDESK_S3_ACCESS_KEY": &c.Output.S3.AccessKey,
		"HELPDESK_S3_SECRET_KEY": &c.Output.S3.SecretKey,
		"HELPDESK_REDIS_ADDR":    &c.Redis.Addr,
		"HELPDESK_LOG_LEVEL":     &c.Logging.Level,
		"HELPDESK_METRICS_ADDR":  &c.Metrics.Addr,
	}
	for key, dst := range strs {
		if val, ok := os.LookupEnv(key); ok {
			*dst = val
		}
	}

	if val := os.Getenv("HELPDESK_ENRICH_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("HELPDESK_ENRICH_WORKERS: %w: %q", ErrInvalidValue, val)
		}
		c.Enrich.Workers = n
	}
	if val := os.Getenv("HELPDESK_REQUESTS_PER_SECOND"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("HELPDESK_REQUESTS_PER_SECOND: %w: %q", ErrInvalidValue, val)
		}
		c.Client.RequestsPerSecond = f
	}
	if val := os.Getenv("HELPDESK_LOG_PRETTY"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("HELPDESK_LOG_PRETTY: %w: %q", ErrInvalidValue, val)
		}
		c.Logging.Pretty = b
	}
	return nil
}

// Validate checks required fields and value ranges. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	missing := func(field string) {
		errs = append(errs, fmt.Errorf("%s: %w", field, ErrMissingField))
	}
	invalid := func(field string, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %w: %s", field, ErrInvalidValue, fmt.Sprintf(format, args...)))
	}

	if c.Login == "" {
		missing("login")
	}
	if c.Password == "" {
		missing("password")
	}
	if c.Domain == "" && c.BaseURL == "" {
		missing("domain")
	}

	if c.Client.Timeout <= 0 {
		invalid("client.timeout", "must be positive, got %v", c.Client.Timeout)
	}
	if c.Client.RequestsPerSecond < 0 {
		invalid("client.requests_per_second", "must not be negative, got %v", c.Client.RequestsPerSecond)
	}
	if c.Pagination.MaxConsecutiveFailures < 0 {
		invalid("pagination.max_consecutive_failures", "must not be negative, got %d", c.Pagination.MaxConsecutiveFailures)
	}
	if c.Pagination.MaxConsecutiveErrors < 1 {
		invalid("pagination.max_consecutive_errors", "must be at least 1, got %d", c.Pagination.MaxConsecutiveErrors)
	}
	if c.Pagination.ErrorBackoff < 0 {
		invalid("pagination.error_backoff", "must not be negative, got %v", c.Pagination.ErrorBackoff)
	}
	if c.Enrich.Workers < 1 {
		invalid("enrich.workers", "must be at least 1, got %d", c.Enrich.Workers)
	}
	if c.Enrich.MaxAttempts < 0 {
		invalid("enrich.max_attempts", "must not be negative, got %d", c.Enrich.MaxAttempts)
	}
	if c.Enrich.RateLimitBackoff < 0 || c.Enrich.InitialBackoff < 0 || c.Enrich.MaxBackoff < 0 {
		invalid("enrich", "backoff durations must not be negative")
	}

	if (c.Output.S3.Endpoint == "") != (c.Output.S3.Bucket == "") {
		invalid("output.s3", "endpoint and bucket must be set together")
	}
	if c.Output.S3.Endpoint != "" && (c.Output.S3.AccessKey == "" || c.Output.S3.SecretKey == "") {
		missing("output.s3.access_key/secret_key")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		invalid("logging.level", "must be one of [debug, info, warn, error], got %q", c.Logging.Level)
	}

	return errors.Join(errs...)
}

// ClientConfig returns the transport configuration. The rate limit store is
// chosen by the caller.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.Login, c.Password, c.Domain)
	cfg.BaseURL = c.BaseURL
	cfg.Timeout = c.Client.Timeout
	cfg.RequestsPerSecond = c.Client.RequestsPerSecond
	if c.Client.UserAgent != "" {
		cfg.UserAgent = c.Client.UserAgent
	}
	return cfg
}

// PaginatorConfig returns the paginator configuration.
func (c *Config) PaginatorConfig() pagination.Config {
	return pagination.Config{MaxConsecutiveFailures: c.Pagination.MaxConsecutiveFailures}
}

// CollectConfig returns the collector configuration.
func (c *Config) CollectConfig() pagination.CollectConfig {
	return pagination.CollectConfig{
		MaxConsecutiveErrors: c.Pagination.MaxConsecutiveErrors,
		ErrorBackoff:         c.Pagination.ErrorBackoff,
	}
}

// EnrichConfig returns the comment enrichment configuration.
func (c *Config) EnrichConfig() enrich.Config {
	retry := client.DefaultRetryPolicy()
	retry.MaxAttempts = c.Enrich.MaxAttempts
	retry.RateLimitBackoff = c.Enrich.RateLimitBackoff
	retry.InitialBackoff = c.Enrich.InitialBackoff
	retry.MaxBackoff = c.Enrich.MaxBackoff

	return enrich.Config{
		Workers: c.Enrich.Workers,
		Field:   "comments",
		Retry:   retry,
	}
}

// ObjectConfig returns the bucket upload configuration.
func (c *Config) ObjectConfig() snapshot.ObjectConfig {
	return snapshot.ObjectConfig{
		Endpoint:  c.Output.S3.Endpoint,
		Bucket:    c.Output.S3.Bucket,
		Prefix:    c.Output.S3.Prefix,
		Region:    c.Output.S3.Region,
		AccessKey: c.Output.S3.AccessKey,
		SecretKey: c.Output.S3.SecretKey,
		UseSSL:    c.Output.S3.UseSSL,
	}
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
