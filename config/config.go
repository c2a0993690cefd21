/*
config.go - Server configuration from the environment

PURPOSE:
  Collects every setting the server reads at startup into one struct.
  Values come from RDCREDIT_* environment variables (an optional .env file
  is loaded first by cmd/server); command-line flags override them.

VARIABLES:
  RDCREDIT_PORT                  Listen port (8080)
  RDCREDIT_DB_PATH               SQLite file, ":memory:" for a scratch db (rdcredit.db)
  RDCREDIT_LOG_LEVEL             debug | info | warn | error (info)
  RDCREDIT_LOG_FORMAT            text | json (text)
  RDCREDIT_STATE_REGISTRY        YAML/JSON registry file; empty uses the embedded one
  RDCREDIT_CORS_ORIGINS          Comma-separated allowed origins
  RDCREDIT_ASC_GAP_POLICY        strict | tolerant (strict)
  RDCREDIT_CACHE_SWEEP_INTERVAL  State cache sweep interval, 0 disables (10m)
  RDCREDIT_CACHE_MAX_ENTRIES     Cache size that triggers a sweep (10000)

SEE ALSO:
  - cmd/server/main.go: Flags and startup
*/
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/warp/credit-engine/qre"
)

type Config struct {
	Port          int           `env:"RDCREDIT_PORT" envDefault:"8080"`
	DBPath        string        `env:"RDCREDIT_DB_PATH" envDefault:"rdcredit.db"`
	LogLevel      string        `env:"RDCREDIT_LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"RDCREDIT_LOG_FORMAT" envDefault:"text"`
	StateRegistry string        `env:"RDCREDIT_STATE_REGISTRY"`
	CORSOrigins   []string      `env:"RDCREDIT_CORS_ORIGINS" envSeparator:","`
	ASCGapPolicy  string        `env:"RDCREDIT_ASC_GAP_POLICY" envDefault:"strict"`
	SweepInterval time.Duration `env:"RDCREDIT_CACHE_SWEEP_INTERVAL" envDefault:"10m"`
	CacheMax      int           `env:"RDCREDIT_CACHE_MAX_ENTRIES" envDefault:"10000"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := c.GapPolicy(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.CacheMax < 0 {
		return fmt.Errorf("invalid cache max entries %d", c.CacheMax)
	}
	return nil
}

func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func (c Config) GapPolicy() (qre.GapPolicy, error) {
	return qre.ParseGapPolicy(strings.ToLower(c.ASCGapPolicy))
}

func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Logger builds the slog handler the config names. w defaults to stderr.
func (c Config) Logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, _ := c.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
