// Package config loads the runtime configuration surface named in the
// spec's persisted-state section (§6.5): password, server address, TLS
// material paths, listen addresses, logging verbosity, and the pool
// check/timeout/min-idle triplet. It does not parse SOCKS5/HTTP/TLS
// material itself -- that belongs to the external adapters -- it only
// shapes and validates the values they're configured with.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps a detail string for a missing or malformed field.
var ErrInvalidConfig = errors.New("anytls/config: invalid configuration")

// Pool mirrors the SessionPool's configurable triplet (spec §4.G).
type Pool struct {
	CheckInterval   time.Duration `mapstructure:"idle_session_check_interval"`
	IdleTimeout     time.Duration `mapstructure:"idle_session_timeout"`
	MinIdleSessions int           `mapstructure:"min_idle_session"`
}

// Config is the typed shape of an AnyTLS deployment's runtime
// configuration (spec §6.5). Embedders load it once at startup; the core
// itself never re-reads it at runtime.
type Config struct {
	// Password authenticates the Authenticator prelude (spec §4.C).
	Password string `mapstructure:"password"`

	// ServerAddress is the client's dial target ("host:port").
	ServerAddress string `mapstructure:"server_address"`

	// ListenAddresses are the server's accept addresses.
	ListenAddresses []string `mapstructure:"listen_addresses"`

	// CertFile/KeyFile locate the server's TLS material. Loading and
	// validating the certificate itself is the TLS layer's job (spec
	// §6.1); this package only carries the paths.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `mapstructure:"log_level"`

	Pool Pool `mapstructure:"pool"`
}

// Load reads configuration from path (YAML, TOML, or JSON, inferred from
// its extension by viper), with environment variables prefixed ANYTLS_
// taking precedence over the file's values, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANYTLS")
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("pool.idle_session_check_interval", 30*time.Second)
	v.SetDefault("pool.idle_session_timeout", 60*time.Second)
	v.SetDefault("pool.min_idle_session", 1)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "anytls/config: read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "anytls/config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that Config carries enough information to run either a
// client or a server, reporting the first missing/invalid field found.
func (c *Config) Validate() error {
	if c.Password == "" {
		return errors.Wrap(ErrInvalidConfig, "password is required")
	}
	if c.ServerAddress == "" && len(c.ListenAddresses) == 0 {
		return errors.Wrap(ErrInvalidConfig, "either server_address (client) or listen_addresses (server) is required")
	}
	if len(c.ListenAddresses) > 0 && (c.CertFile == "" || c.KeyFile == "") {
		return errors.Wrap(ErrInvalidConfig, "cert_file and key_file are required for a server")
	}
	if c.Pool.MinIdleSessions < 0 {
		return errors.Wrap(ErrInvalidConfig, "pool.min_idle_session must be >= 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown log_level %q", c.LogLevel)
	}
	return nil
}
