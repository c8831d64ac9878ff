package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pushdeploy/internal/deployment"
	"pushdeploy/internal/metrics"
	"pushdeploy/internal/security"
	"pushdeploy/internal/server"
	"pushdeploy/internal/service"
	"pushdeploy/internal/store"
	"pushdeploy/pkg/cmdutil"
	"pushdeploy/pkg/fileutil"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server that receives GitHub push webhooks and runs deployments.

Settings come from flags, PUSHDEPLOY_* environment variables (for example
PUSHDEPLOY_PORT or PUSHDEPLOY_LOG_LEVEL) and a .env file in the working
directory, in that order of precedence. The webhook secret in the config file
can be overridden with PUSHDEPLOY_WEBHOOK_SECRET or GITHUB_WEBHOOK_SECRET.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd.Flags())
	if err != nil {
		return err
	}

	// Determine config file path
	configPath := cfg.Config
	if configPath == "" {
		configPath, err = fileutil.FindConfig(defaultConfigName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "No configuration file found in default locations:\n")
			for _, path := range fileutil.DefaultConfigPaths(defaultConfigName) {
				fmt.Fprintf(os.Stderr, "  - %s\n", path)
			}
			fmt.Fprintf(os.Stderr, "Use --config to specify a custom location, or run 'pushdeploy init'\n")
			return fmt.Errorf("configuration file not found")
		}
	}

	logger, logCloser, err := setupLogging(cfg.Log, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("Starting pushdeploy", "version", version)

	logger.Info("Loading configuration", "config", configPath)
	settings, services, err := service.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info("Configuration validated successfully",
		"services", len(services),
		"concurrency", string(settings.Policy),
		"timeout", settings.Timeout.String(),
	)

	if err := security.ValidateSecurePermissions(configPath); err != nil {
		logger.Warn("Config file permissions are too open", "config", configPath, "error", err)
	}

	if len(services) == 0 {
		logger.Warn("No services configured in config file", "config", configPath)
		logger.Warn("The server will start but won't handle any deployments until services are added")
	}
	for _, svc := range services {
		logger.Debug("Service loaded",
			"service", svc.Name,
			"repository", svc.Repository,
			"branch", svc.Branch,
			"path", svc.Path,
			"command", cmdutil.FormatCommand(svc.Command, 60),
		)
	}

	registry := service.NewRegistry(services)
	for _, overlap := range registry.Overlaps() {
		logger.Warn("Services share a repository and branch; only the first one deploys", "services", overlap)
	}

	secret := settings.WebhookSecret
	if cfg.WebhookSecret != "" {
		secret = cfg.WebhookSecret
	}
	if secret == "" {
		logger.Warn("No webhook secret configured: signature verification is disabled")
	} else if err := security.ValidateSecret(secret); err != nil {
		logger.Warn("Webhook secret is weak", "error", err)
	}

	logger.Info("Opening deployment store", "db", cfg.DB)
	st, err := store.Open(cfg.DB)
	if err != nil {
		logger.Error("Failed to open deployment store", "error", err)
		return fmt.Errorf("failed to open deployment store: %w", err)
	}
	defer st.Close()

	m := metrics.New()

	orch := deployment.New(deployment.Options{
		Store:          st,
		Logger:         logger,
		Metrics:        m,
		DefaultTimeout: settings.Timeout,
		DefaultPolicy:  settings.Policy,
		Redact:         []string{secret},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recovered, err := orch.Recover(ctx)
	if err != nil {
		logger.Error("Failed to recover interrupted deployments", "error", err)
		return fmt.Errorf("failed to recover interrupted deployments: %w", err)
	}
	if recovered > 0 {
		logger.Warn("Marked interrupted deployments as failed", "count", recovered)
	}

	srv := server.NewServer(registry, orch, logger, server.Options{
		WebhookSecret:    secret,
		Metrics:          m,
		WebhookRateLimit: cfg.WebhookRateLimit,
		APIRateLimit:     cfg.APIRateLimit,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
			_ = shutdown(srv, cfg.ShutdownTimeout, logger)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	if err := shutdown(srv, cfg.ShutdownTimeout, logger); err != nil {
		return err
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

// shutdown cancels running deployments and stops the server within timeout
func shutdown(srv *server.Server, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Shutting down", "timeout", timeout.String())
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
