// Package config loads engine settings from a TOML file and turns them into
// connection options.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"mini-dbus/address"
	"mini-dbus/connection"
	"mini-dbus/middleware"
)

// Config is the TOML-mapped engine configuration.
//
//	bus = "session"            # "session", "system", or a literal bus address
//	signal_buffer = 64
//	handshake_timeout_ms = 10000
//	negotiate_unix_fd = false
//	log_level = "warn"
//
//	[rate_limit]
//	rate = 50.0                # calls per second; 0 disables the limiter
//	burst = 10
type Config struct {
	Bus                string    `toml:"bus"`
	SignalBuffer       int       `toml:"signal_buffer"`
	HandshakeTimeoutMS int       `toml:"handshake_timeout_ms"`
	NegotiateUnixFD    bool      `toml:"negotiate_unix_fd"`
	LogLevel           string    `toml:"log_level"`
	RateLimit          RateLimit `toml:"rate_limit"`
}

// RateLimit configures the optional call pacing middleware.
type RateLimit struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bus:                "session",
		SignalBuffer:       64,
		HandshakeTimeoutMS: 10000,
		LogLevel:           "warn",
	}
}

// Load reads a TOML file over the defaults and validates the result.
// Keys not present keep their default values; unknown keys are an error, they
// are almost always typos.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Bus == "" {
		return fmt.Errorf("config: bus must not be empty")
	}
	if c.SignalBuffer <= 0 {
		return fmt.Errorf("config: signal_buffer must be positive, got %d", c.SignalBuffer)
	}
	if c.HandshakeTimeoutMS <= 0 {
		return fmt.Errorf("config: handshake_timeout_ms must be positive, got %d", c.HandshakeTimeoutMS)
	}
	if c.RateLimit.Rate < 0 {
		return fmt.Errorf("config: rate_limit.rate must not be negative, got %g", c.RateLimit.Rate)
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate_limit.burst must be positive when rate is set")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return nil
}

// Address resolves the configured bus selector to a concrete bus address.
func (c *Config) Address() (string, error) {
	switch c.Bus {
	case "session":
		return address.Session()
	case "system":
		return address.System(), nil
	default:
		return c.Bus, nil
	}
}

// Options translates the configuration into connection options.
func (c *Config) Options(log zerolog.Logger) []connection.Option {
	level, _ := zerolog.ParseLevel(c.LogLevel)

	opts := []connection.Option{
		connection.WithLogger(log.Level(level)),
		connection.WithSignalBuffer(c.SignalBuffer),
		connection.WithHandshakeTimeout(time.Duration(c.HandshakeTimeoutMS) * time.Millisecond),
	}
	if c.NegotiateUnixFD {
		opts = append(opts, connection.WithUnixFD())
	}

	var mws []middleware.Middleware
	mws = append(mws, middleware.Logging(log.Level(level)))
	if c.RateLimit.Rate > 0 {
		mws = append(mws, middleware.RateLimit(c.RateLimit.Rate, c.RateLimit.Burst))
	}
	opts = append(opts, connection.WithMiddleware(mws...))

	return opts
}
