// Package config loads fetchkit settings from a config file, a .env file and
// FETCHKIT_ environment variables, in increasing order of precedence.
package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"

	"github.com/MustafaHasria/fetchkit"
)

// EnvPrefix is prepended to every key when reading the environment.
const EnvPrefix = "FETCHKIT"

// Keys understood by Load.
const (
	KeyBaseURL               = "base_url"
	KeyConnectTimeout        = "connect_timeout_ms"
	KeyReadTimeout           = "read_timeout_ms"
	KeyMaxConnsPerHost       = "max_conns_per_host"
	KeyMaxConcurrentRequests = "max_concurrent_requests"
	KeyDefaultTTL            = "default_ttl_ms"
	KeyCacheMaxEntries       = "cache_max_entries"
	KeyMaxRetries            = "max_retries"
	KeyBackoffBase           = "backoff_base_ms"
	KeyBackoffCap            = "backoff_cap_ms"
	KeyRateLimitRPS          = "rate_limit_rps"
	KeyRateLimitBurst        = "rate_limit_burst"
	KeyLogLevel              = "log_level"
	KeyLogFormat             = "log_format"
	KeyMetricsAddr           = "metrics_addr"
)

// Config is the flattened set of settings for a transport and repository.
type Config struct {
	BaseURL               string
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration
	MaxConnsPerHost       int
	MaxConcurrentRequests int
	DefaultTTL            time.Duration
	CacheMaxEntries       int
	MaxRetries            int
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	RateLimitRPS          float64
	RateLimitBurst        int
	LogLevel              string
	LogFormat             string
	MetricsAddr           string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	transport := fetchkit.DefaultTransportConfig()
	retry := fetchkit.DefaultRetryPolicy()
	return Config{
		ConnectTimeout:        transport.ConnectTimeout,
		ReadTimeout:           transport.ReadTimeout,
		MaxConnsPerHost:       transport.MaxConnsPerHost,
		MaxConcurrentRequests: transport.MaxConcurrent,
		DefaultTTL:            time.Minute,
		CacheMaxEntries:       1024,
		MaxRetries:            retry.MaxRetries,
		BackoffBase:           retry.Base,
		BackoffCap:            retry.Cap,
		RateLimitBurst:        1,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

type loader struct {
	file     string
	envFiles []string
	v        *viper.Viper
}

// LoadOption configures Load.
type LoadOption func(*loader)

// WithFile reads settings from a YAML, JSON or TOML file. The format follows
// the extension.
func WithFile(path string) LoadOption {
	return func(l *loader) {
		l.file = path
	}
}

// WithEnvFile loads the given dotenv files instead of ./.env. Variables that
// are already set are not overridden.
func WithEnvFile(paths ...string) LoadOption {
	return func(l *loader) {
		l.envFiles = paths
	}
}

// WithViper reads from an existing viper instance, e.g. one bound to CLI flags.
func WithViper(v *viper.Viper) LoadOption {
	return func(l *loader) {
		if v != nil {
			l.v = v
		}
	}
}

// Load resolves the configuration. Duration keys accept an integer number of
// milliseconds or a duration string such as "1500ms", "90s" or "1d".
func Load(options ...LoadOption) (*Config, error) {
	l := &loader{v: viper.New()}
	for _, option := range options {
		option(l)
	}

	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	v := l.v
	def := Default()
	v.SetDefault(KeyBaseURL, def.BaseURL)
	v.SetDefault(KeyConnectTimeout, def.ConnectTimeout.Milliseconds())
	v.SetDefault(KeyReadTimeout, def.ReadTimeout.Milliseconds())
	v.SetDefault(KeyMaxConnsPerHost, def.MaxConnsPerHost)
	v.SetDefault(KeyMaxConcurrentRequests, def.MaxConcurrentRequests)
	v.SetDefault(KeyDefaultTTL, def.DefaultTTL.Milliseconds())
	v.SetDefault(KeyCacheMaxEntries, def.CacheMaxEntries)
	v.SetDefault(KeyMaxRetries, def.MaxRetries)
	v.SetDefault(KeyBackoffBase, def.BackoffBase.Milliseconds())
	v.SetDefault(KeyBackoffCap, def.BackoffCap.Milliseconds())
	v.SetDefault(KeyRateLimitRPS, def.RateLimitRPS)
	v.SetDefault(KeyRateLimitBurst, def.RateLimitBurst)
	v.SetDefault(KeyLogLevel, def.LogLevel)
	v.SetDefault(KeyLogFormat, def.LogFormat)
	v.SetDefault(KeyMetricsAddr, def.MetricsAddr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", l.file)
		}
	}

	return fromViper(v)
}

func (l *loader) loadEnvFiles() error {
	if len(l.envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "load .env")
		}
		return nil
	}
	if err := godotenv.Load(l.envFiles...); err != nil {
		return errors.Wrapf(err, "load env files %v", l.envFiles)
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		BaseURL:               strings.TrimSpace(v.GetString(KeyBaseURL)),
		MaxConnsPerHost:       v.GetInt(KeyMaxConnsPerHost),
		MaxConcurrentRequests: v.GetInt(KeyMaxConcurrentRequests),
		CacheMaxEntries:       v.GetInt(KeyCacheMaxEntries),
		MaxRetries:            v.GetInt(KeyMaxRetries),
		RateLimitRPS:          v.GetFloat64(KeyRateLimitRPS),
		RateLimitBurst:        v.GetInt(KeyRateLimitBurst),
		LogLevel:              strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:             strings.ToLower(v.GetString(KeyLogFormat)),
		MetricsAddr:           v.GetString(KeyMetricsAddr),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{KeyConnectTimeout, &c.ConnectTimeout},
		{KeyReadTimeout, &c.ReadTimeout},
		{KeyDefaultTTL, &c.DefaultTTL},
		{KeyBackoffBase, &c.BackoffBase},
		{KeyBackoffCap, &c.BackoffCap},
	}
	for _, d := range durations {
		parsed, err := ParseDuration(v.Get(d.key))
		if err != nil {
			return nil, errors.Wrapf(err, "config key %s", d.key)
		}
		*d.dst = parsed
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseDuration converts a configured value to a duration. Numbers, and
// strings made only of digits, are milliseconds.
func ParseDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.Newf("fractional milliseconds %v", v)
		}
		return time.Duration(v) * time.Millisecond, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		d, err := str2duration.ParseDuration(s)
		if err != nil {
			return 0, errors.Wrapf(err, "parse duration %q", s)
		}
		return d, nil
	default:
		return 0, errors.Newf("unsupported duration value %v (%T)", value, value)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 {
		problems = append(problems, "timeouts cannot be negative")
	}
	if c.DefaultTTL < 0 {
		problems = append(problems, "default_ttl_ms cannot be negative")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries cannot be negative")
	}
	if c.CacheMaxEntries < 0 {
		problems = append(problems, "cache_max_entries cannot be negative")
	}
	if c.BackoffBase <= 0 {
		problems = append(problems, "backoff_base_ms must be positive")
	}
	if c.BackoffCap < c.BackoffBase {
		problems = append(problems, "backoff_cap_ms must not be below backoff_base_ms")
	}
	if c.RateLimitRPS < 0 {
		problems = append(problems, "rate_limit_rps cannot be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, "unknown log_level "+strconv.Quote(c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, "log_format must be text or json")
	}

	if len(problems) > 0 {
		return errors.Wrapf(fetchkit.ErrInvalidConfiguration, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// TransportConfig returns the connection settings for fetchkit.NewHTTPTransport.
func (c *Config) TransportConfig() fetchkit.TransportConfig {
	tc := fetchkit.DefaultTransportConfig()
	tc.BaseURL = c.BaseURL
	tc.ConnectTimeout = c.ConnectTimeout
	tc.ReadTimeout = c.ReadTimeout
	tc.MaxConnsPerHost = c.MaxConnsPerHost
	tc.MaxConcurrent = c.MaxConcurrentRequests
	return tc
}

// TransportOptions returns the transport options implied by the config.
func (c *Config) TransportOptions() []fetchkit.TransportOption {
	var options []fetchkit.TransportOption
	if c.RateLimitRPS > 0 {
		options = append(options, fetchkit.WithRateLimit(c.RateLimitRPS, c.RateLimitBurst))
	}
	return options
}

// RepositoryOptions returns the fetchkit.New options implied by the config.
func (c *Config) RepositoryOptions() []fetchkit.Option {
	return []fetchkit.Option{
		fetchkit.WithDefaultTTL(c.DefaultTTL),
		fetchkit.WithCacheMaxEntries(c.CacheMaxEntries),
		fetchkit.WithMaxRetries(c.MaxRetries),
		fetchkit.WithBackoff(c.BackoffBase, c.BackoffCap),
	}
}

// Logger builds a logrus logger with the configured level and format.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
