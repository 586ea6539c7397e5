// Package config loads server configuration from a .env file, environment
// variables, and command-line flags, in that increasing order of
// precedence — flags win, then env vars, then .env, then struct defaults.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds everything the server needs to start.
type Config struct {
	Bind      string `env:"CACHESRV_BIND" envDefault:":14869"`
	StorePath string `env:"CACHESRV_STORE" envDefault:"./data"`
	LogPath   string `env:"CACHESRV_LOG" envDefault:""`
	PidPath   string `env:"CACHESRV_PID" envDefault:""`

	Debug   bool `env:"CACHESRV_DEBUG" envDefault:"false"`
	Clear   bool `env:"CACHESRV_CLEAR" envDefault:"false"`

	User  string `env:"CACHESRV_USER" envDefault:""`
	Group string `env:"CACHESRV_GROUP" envDefault:""`

	LogLevel    string `env:"CACHESRV_LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"CACHESRV_METRICS_ADDR" envDefault:":14870"`

	ConnRateGlobalPerSec float64 `env:"CACHESRV_CONN_RATE_GLOBAL" envDefault:"200"`
	ConnRateGlobalBurst  int     `env:"CACHESRV_CONN_BURST_GLOBAL" envDefault:"400"`
	ConnRateIPPerSec     float64 `env:"CACHESRV_CONN_RATE_IP" envDefault:"5"`
	ConnRateIPBurst      int     `env:"CACHESRV_CONN_BURST_IP" envDefault:"20"`
}

// Load builds a Config from .env + environment variables, then applies any
// matching command-line flags in args (not including the program name) on
// top.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine; environment variables and defaults still apply.
		_ = err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	fs := flag.NewFlagSet("cachesrv", flag.ContinueOnError)
	bind := fs.String("bind", cfg.Bind, "address to listen on for TCP and UDP")
	store := fs.String("store", cfg.StorePath, "store path: a directory, or a postgresql:// URI")
	logPath := fs.String("log", cfg.LogPath, "directory for rotating log files (empty: console only)")
	pidPath := fs.String("pid", cfg.PidPath, "directory to write the pid file into (empty: no pid file)")
	debug := fs.Bool("v", cfg.Debug, "verbose (debug-level) logging")
	daemonize := fs.Bool("d", false, "accepted for original-CLI compatibility; this server never forks")
	user := fs.String("user", cfg.User, "drop privileges to this user after binding (unix only)")
	group := fs.String("group", cfg.Group, "drop privileges to this group after binding (unix only)")
	clear := fs.Bool("clear", cfg.Clear, "clear the store on startup")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	_ = daemonize

	cfg.Bind = *bind
	cfg.StorePath = *store
	cfg.LogPath = *logPath
	cfg.PidPath = *pidPath
	cfg.Debug = *debug
	cfg.User = *user
	cfg.Group = *group
	cfg.Clear = *clear

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bind == "" {
		return fmt.Errorf("bind address must not be empty")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if (c.User == "") != (c.Group == "") {
		return fmt.Errorf("--user and --group must both be set or both be empty")
	}
	return nil
}

// Print logs the effective configuration at info level.
func (c *Config) Print(logger zerolog.Logger) {
	logger.Info().
		Str("bind", c.Bind).
		Str("store", c.StorePath).
		Str("log_path", c.LogPath).
		Str("pid_path", c.PidPath).
		Bool("debug", c.Debug).
		Bool("clear", c.Clear).
		Str("log_level", c.LogLevel).
		Str("metrics_addr", c.MetricsAddr).
		Msg("configuration loaded")
}
