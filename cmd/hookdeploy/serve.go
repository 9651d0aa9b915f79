package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hookdeploy/internal/config"
	"hookdeploy/internal/deployment"
	"hookdeploy/internal/metrics"
	"hookdeploy/internal/security"
	"hookdeploy/internal/server"
	"hookdeploy/internal/status"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// ShutdownTimeout bounds draining HTTP connections; deploys are always
// waited for.
const ShutdownTimeout = 15 * time.Second

var (
	configFile string
	logFile    string
	envFile    string
	flagCfg    = config.Default()
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server receiving GitHub push webhooks.

Settings are read, in increasing precedence, from built-in defaults, the YAML
config file, a .env file, HOOKDEPLOY_* environment variables and the flags
below.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "Path to hookdeploy.yaml (default: search ./, ./config/, /etc/hookdeploy/)")
	f.StringVar(&logFile, "log", "", "Also write the server log to this file")
	f.StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading HOOKDEPLOY_* variables")

	f.StringVar(&flagCfg.Host, "host", flagCfg.Host, "Host to bind to")
	f.IntVarP(&flagCfg.Port, "port", "p", flagCfg.Port, "Port to listen on")
	f.StringVar(&flagCfg.ReposDir, "repos-dir", flagCfg.ReposDir, "Directory holding one working copy per repository")
	f.StringVar(&flagCfg.LogDir, "log-dir", flagCfg.LogDir, "Directory for per-deploy output logs")
	f.StringVar(&flagCfg.DeployCommand, "deploy-command", flagCfg.DeployCommand, "Command run in the working copy; the commit SHA is appended")
	f.StringVar(&flagCfg.PublicURL, "public-url", flagCfg.PublicURL, "External URL of this server, used to link statuses to logs")
	f.StringVar(&flagCfg.GitHubAPIURL, "github-api-url", flagCfg.GitHubAPIURL, "GitHub Enterprise API URL")
	f.StringVar(&flagCfg.MetricsAddr, "metrics-addr", flagCfg.MetricsAddr, "Address for the Prometheus metrics listener (disabled when empty)")
	f.IntVar(&flagCfg.WebhookRateLimit, "webhook-rate-limit", flagCfg.WebhookRateLimit, "Webhook requests per minute per IP (0 disables)")
	f.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "Log level: debug, info, warn, error")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil {
		// Only an explicitly named env file has to exist.
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := setupLogging(logFile, cfg.SlogLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closeLog()

	logger.Info("Starting hookdeploy", "version", version, "config", cfg.Path)
	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	srv, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Router(), ReadHeaderTimeout: server.HTTPReadTimeout}
		go func() {
			logger.Info("Starting metrics listener", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics listener failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
		return err
	}
	logger.Info("Stopped")
	return nil
}

// buildServer wires the reporter, runner and deployer behind the HTTP server.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server.Server, error) {
	var opts []status.Option
	if cfg.GitHubAPIURL != "" {
		opts = append(opts, status.WithBaseURL(cfg.GitHubAPIURL))
	}
	if logURL := cfg.LogURL(); logURL != "" {
		opts = append(opts, status.WithLogURL(logURL))
	}
	reporter, err := status.New(cfg.GitHubToken, logger, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir != "" {
		if err := security.CreateSecureDir(cfg.LogDir, security.PermDirectory); err != nil {
			return nil, fmt.Errorf("log_dir: %w", err)
		}
	}

	deployArgs, err := cfg.DeployArgs()
	if err != nil {
		return nil, err
	}
	runner := deployment.NewRunner(deployArgs, cfg.LogDir, logger)

	deployer := deployment.NewDeployer(cfg.ReposDir, runner, reporter, logger)
	deployer.Redact = []string{cfg.GitHubToken, cfg.Secret}

	srv := server.NewServer(deployer, cfg.Secret, logger)
	srv.LogDir = cfg.LogDir
	srv.WebhookRateLimit = cfg.WebhookRateLimit
	return srv, nil
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Host = flagCfg.Host
	}
	if changed("port") {
		cfg.Port = flagCfg.Port
	}
	if changed("repos-dir") {
		cfg.ReposDir = flagCfg.ReposDir
	}
	if changed("log-dir") {
		cfg.LogDir = flagCfg.LogDir
	}
	if changed("deploy-command") {
		cfg.DeployCommand = flagCfg.DeployCommand
	}
	if changed("public-url") {
		cfg.PublicURL = flagCfg.PublicURL
	}
	if changed("github-api-url") {
		cfg.GitHubAPIURL = flagCfg.GitHubAPIURL
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flagCfg.MetricsAddr
	}
	if changed("webhook-rate-limit") {
		cfg.WebhookRateLimit = flagCfg.WebhookRateLimit
	}
	if changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
}

// setupLogging configures a JSON slog logger on stdout, tee'd to logPath
// when one is given. The returned func closes the file.
func setupLogging(logPath string, level slog.Level) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: level}
	if logPath == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), security.PermDirectory); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), opts)
	return slog.New(handler), func() { file.Close() }, nil
}
