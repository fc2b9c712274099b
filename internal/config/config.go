// Package config loads pbx's runtime configuration from CLI flags and
// environment variables, CLI taking precedence over env taking precedence
// over defaults — the same layering the teacher's FlowPBX config uses.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ErrPortRequired is returned by Load when -p is missing or outside
// 1..65535, matching the original CLI's required -p argument (spec.md §6.1).
// A non-numeric -p fails flag parsing and is reported as a parse error.
var ErrPortRequired = errors.New("config: -p <port> is required")

// Config holds all runtime configuration for the pbx server.
type Config struct {
	Port int // TCP port the switchboard listens on (required)
	Host string

	AdminAddr string // admin HTTP surface listen address, empty disables it

	ExtBase int // first extension number handed out by the registry

	MaxConnsPerSec float64 // new-connection throttle per source IP, 0 disables
	ConnBurst      int

	LogLevel  string
	LogFormat string // "text" or "json"
}

const (
	defaultHost           = "0.0.0.0"
	defaultAdminAddr      = ":9090"
	defaultExtBase        = 100
	defaultMaxConnsPerSec = 5.0
	defaultConnBurst      = 10
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all pbx environment variables.
const envPrefix = "PBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. -p is the one required
// flag; its absence or an out-of-range value returns ErrPortRequired, and
// a non-numeric value returns the flag parse error, so in either case the
// caller can print a usage line and exit non-zero, per spec.md §6.1.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbx", flag.ContinueOnError)

	port := fs.Int("p", 0, "port to listen on (required)")
	fs.StringVar(&cfg.Host, "host", defaultHost, "address to bind the switchboard listener to")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", defaultAdminAddr, "address for the admin HTTP surface (empty disables it)")
	fs.IntVar(&cfg.ExtBase, "ext-base", defaultExtBase, "first extension number assigned by the registry")
	fs.Float64Var(&cfg.MaxConnsPerSec, "max-conns-per-sec", defaultMaxConnsPerSec, "new-connection rate limit per source IP (0 disables)")
	fs.IntVar(&cfg.ConnBurst, "conn-burst", defaultConnBurst, "burst size for the per-IP connection rate limit")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, port)

	if *port <= 0 || *port > 65535 {
		return nil, ErrPortRequired
	}
	cfg.Port = *port

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, port *int) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if !set["p"] {
		if val, ok := os.LookupEnv(envPrefix + "PORT"); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*port = v
			}
		}
	}
	if !set["host"] {
		if val, ok := os.LookupEnv(envPrefix + "HOST"); ok && val != "" {
			cfg.Host = val
		}
	}
	if !set["admin-addr"] {
		if val, ok := os.LookupEnv(envPrefix + "ADMIN_ADDR"); ok {
			cfg.AdminAddr = val
		}
	}
	if !set["ext-base"] {
		if val, ok := os.LookupEnv(envPrefix + "EXT_BASE"); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ExtBase = v
			}
		}
	}
	if !set["max-conns-per-sec"] {
		if val, ok := os.LookupEnv(envPrefix + "MAX_CONNS_PER_SEC"); ok && val != "" {
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.MaxConnsPerSec = v
			}
		}
	}
	if !set["conn-burst"] {
		if val, ok := os.LookupEnv(envPrefix + "CONN_BURST"); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ConnBurst = v
			}
		}
	}
	if !set["log-level"] {
		if val, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok && val != "" {
			cfg.LogLevel = val
		}
	}
	if !set["log-format"] {
		if val, ok := os.LookupEnv(envPrefix + "LOG_FORMAT"); ok && val != "" {
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MaxConnsPerSec < 0 {
		return fmt.Errorf("max-conns-per-sec must not be negative, got %v", c.MaxConnsPerSec)
	}

	return nil
}

// Addr returns the switchboard's listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
