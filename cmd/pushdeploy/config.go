package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pushdeploy/internal/security"
	"pushdeploy/internal/server"
)

// envPrefix namespaces environment overrides: --log-level is read from
// PUSHDEPLOY_LOG_LEVEL
const envPrefix = "PUSHDEPLOY"

const (
	defaultConfigName      = "config.yaml"
	defaultDBPath          = "./deployments.db"
	defaultHost            = "127.0.0.1"
	defaultPort            = 8080
	defaultShutdownTimeout = 30 * time.Second
)

// ServeConfig holds the settings of the serve command. Keys are flag names.
type ServeConfig struct {
	Config           string        `mapstructure:"config"`
	DB               string        `mapstructure:"db"`
	Log              string        `mapstructure:"log"`
	LogLevel         string        `mapstructure:"log-level"`
	LogFormat        string        `mapstructure:"log-format"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	WebhookSecret    string        `mapstructure:"webhook-secret"`
	WebhookRateLimit int           `mapstructure:"webhook-rate-limit"`
	APIRateLimit     int           `mapstructure:"api-rate-limit"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown-timeout"`
}

// Addr returns the listen address in host:port form
func (c ServeConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to config.yaml (default: search ./, ./config, /etc/pushdeploy)")
	fs.String("db", defaultDBPath, `Path to SQLite database ("memory" keeps deployments in memory)`)
	fs.String("log", "", "Path to log file (default: stdout only)")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("log-format", "json", "Log format: json or text")
	fs.String("host", defaultHost, "Host to bind to")
	fs.IntP("port", "p", defaultPort, "Port to listen on")
	fs.Int("webhook-rate-limit", server.DefaultWebhookRateLimit, "Webhook requests per minute per client IP (0 disables)")
	fs.Int("api-rate-limit", server.DefaultAPIRateLimit, "API requests per minute per client IP (0 disables)")
	fs.Duration("shutdown-timeout", defaultShutdownTimeout, "How long to wait for running deployments on shutdown")
}

// newViper reads flags, then PUSHDEPLOY_* variables, then .env
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return v, nil
}

// loadServeConfig resolves the serve settings from flags and environment
func loadServeConfig(fs *pflag.FlagSet) (*ServeConfig, error) {
	v, err := newViper(fs)
	if err != nil {
		return nil, err
	}

	// The secret is read from the environment only, never from a flag
	if err := v.BindEnv("webhook-secret", envPrefix+"_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET"); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	var cfg ServeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values a flag type cannot
func (c ServeConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q (want json or text)", c.LogFormat)
	}
	if c.WebhookRateLimit < 0 || c.APIRateLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", raw)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging configures slog to write to stdout and, when logPath is set,
// to that file as well. The caller must close the returned closer.
func setupLogging(logPath, level, format string) (*slog.Logger, io.Closer, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if logPath != "" {
		// Create log directory if needed
		if err := os.MkdirAll(filepath.Dir(logPath), security.PermDirectory); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Open log file with secure permissions
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}
