// Package config loads the gateway configuration from CLI flags, environment
// variables prefixed with REALTIME and a config.yaml file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clusterui/realtime/pkg/constants"
)

const (
	EnvPrefix  = "REALTIME"
	configName = "config"
	configType = "yaml"
)

// Keys under which the settings live in viper and config.yaml.
const (
	ListenKey          = "listen"
	APIBaseURLKey      = "api.baseURL"
	APITimeoutKey      = "api.timeout"
	APIMaxConnsKey     = "api.maxConnsPerHost"
	StreamPollKey      = "stream.pollInterval"
	StreamThrottleKey  = "stream.throttle"
	LogLevelKey        = "log.level"
	LogFileKey         = "log.file"
	ShutdownTimeoutKey = "shutdownTimeout"
)

type Config struct {
	// Listen is the host:port the gateway serves the socket, health and
	// metrics endpoints on.
	Listen          string        `mapstructure:"listen"`
	API             APIConfig     `mapstructure:"api"`
	Stream          StreamConfig  `mapstructure:"stream"`
	Log             LogConfig     `mapstructure:"log"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// APIConfig configures the REST backend every request is forwarded to.
type APIConfig struct {
	// BaseURL carries the API prefix, e.g. "http://manager:8000/api".
	BaseURL         string        `mapstructure:"baseURL"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxConnsPerHost int           `mapstructure:"maxConnsPerHost"`
}

type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`
	// Throttle spaces changed values on a channel. Negative disables it.
	Throttle time.Duration `mapstructure:"throttle"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File appends logs to a file instead of stdout.
	File string `mapstructure:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen: "0.0.0.0:8080",
		API: APIConfig{
			BaseURL:         "http://localhost:8000/api",
			Timeout:         constants.DefaultRESTTimeout,
			MaxConnsPerHost: constants.DefaultMaxConnsPerHost,
		},
		Stream: StreamConfig{
			PollInterval: constants.DefaultPollInterval,
			Throttle:     constants.DefaultThrottleInterval,
		},
		Log: LogConfig{
			Level: "info",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// NewViper returns a viper instance reading REALTIME_* variables and
// config.yaml from /etc/realtime, $HOME/.realtime or the working directory.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, path := range []string{"/etc/realtime", "$HOME/.realtime", "."} {
		v.AddConfigPath(path)
	}

	setDefaults(v, DefaultConfig())
	return v
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault(ListenKey, c.Listen)
	v.SetDefault(APIBaseURLKey, c.API.BaseURL)
	v.SetDefault(APITimeoutKey, c.API.Timeout)
	v.SetDefault(APIMaxConnsKey, c.API.MaxConnsPerHost)
	v.SetDefault(StreamPollKey, c.Stream.PollInterval)
	v.SetDefault(StreamThrottleKey, c.Stream.Throttle)
	v.SetDefault(LogLevelKey, c.Log.Level)
	v.SetDefault(LogFileKey, c.Log.File)
	v.SetDefault(ShutdownTimeoutKey, c.ShutdownTimeout)
}

// Read loads the configuration. A missing config file is not an error.
func Read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	c := DefaultConfig()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// Verify rejects settings the gateway cannot start with.
func (c *Config) Verify() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("config: invalid api base url: %w", err)
	}
	if u.Scheme != constants.HTTPScheme && u.Scheme != constants.HTTPSecureScheme {
		return fmt.Errorf("config: api base url %q must be http or https", c.API.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: api base url %q has no host", c.API.BaseURL)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("config: api timeout must be positive, got %s", c.API.Timeout)
	}
	if c.API.MaxConnsPerHost <= 0 {
		return fmt.Errorf("config: max connections per host must be positive, got %d", c.API.MaxConnsPerHost)
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %s", c.Stream.PollInterval)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
