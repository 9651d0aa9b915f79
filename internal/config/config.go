package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"hookdeploy/internal/security"
	"hookdeploy/pkg/cmdutil"
	"hookdeploy/pkg/fileutil"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to every environment variable name.
	EnvPrefix = "HOOKDEPLOY"

	// FileName is the config file looked up in the default locations.
	FileName = "hookdeploy.yaml"

	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8080
	DefaultReposDir      = "./repos"
	DefaultDeployCommand = "deploy"
	DefaultLogLevel      = "info"
)

// Config is the server configuration. It is loaded once at startup.
type Config struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`

	// Secret is the webhook HMAC secret. Empty disables verification.
	Secret string `yaml:"secret" envconfig:"SECRET"`

	// GitHubToken authenticates status and comment calls. Empty disables
	// reporting.
	GitHubToken  string `yaml:"github_token" envconfig:"GITHUB_TOKEN"`
	GitHubAPIURL string `yaml:"github_api_url" envconfig:"GITHUB_API_URL"`

	// ReposDir holds one working copy per repository, named after it.
	ReposDir      string `yaml:"repos_dir" envconfig:"REPOS_DIR"`
	DeployCommand string `yaml:"deploy_command" envconfig:"DEPLOY_COMMAND"`

	// LogDir receives one log file per deploy. Empty disables file logs
	// and the log endpoint.
	LogDir string `yaml:"log_dir" envconfig:"LOG_DIR"`

	// PublicURL is where this server is reachable; statuses link their
	// log there when LogDir is also set.
	PublicURL string `yaml:"public_url" envconfig:"PUBLIC_URL"`

	MetricsAddr      string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	WebhookRateLimit int    `yaml:"webhook_rate_limit" envconfig:"WEBHOOK_RATE_LIMIT"`
	LogLevel         string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	// Path is the config file that was loaded, if any.
	Path string `yaml:"-" ignored:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		ReposDir:      DefaultReposDir,
		DeployCommand: DefaultDeployCommand,
		LogLevel:      DefaultLogLevel,
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// the first one found in the default locations when path is empty) and
// HOOKDEPLOY_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = fileutil.FindConfigOptional(FileName)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		} else {
			cfg.Path = path
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}
	return nil
}

// Validate reports every setting the server cannot start with.
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.ReposDir == "" {
		problems = append(problems, "repos_dir is required")
	}
	if _, err := c.DeployArgs(); err != nil {
		problems = append(problems, fmt.Sprintf("deploy_command: %v", err))
	}
	if c.WebhookRateLimit < 0 {
		problems = append(problems, "webhook_rate_limit cannot be negative")
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Sprintf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	for name, raw := range map[string]string{"public_url": c.PublicURL, "github_api_url": c.GitHubAPIURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("%s must be an absolute URL, got %q", name, raw))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Warnings lists settings that work but weaken or disable a feature.
func (c *Config) Warnings() []string {
	var warnings []string

	if c.Secret == "" {
		warnings = append(warnings, "no webhook secret configured: signature verification is disabled")
	} else if err := security.ValidateSecret(c.Secret); err != nil {
		warnings = append(warnings, fmt.Sprintf("weak webhook secret: %v", err))
	}

	if c.GitHubToken == "" {
		warnings = append(warnings, "no GitHub token configured: commit statuses and comments are disabled")
	}

	if c.PublicURL != "" && c.LogDir == "" {
		warnings = append(warnings, "public_url is set without log_dir: statuses will not link to logs")
	}

	if c.Path != "" && (c.Secret != "" || c.GitHubToken != "") {
		if err := security.ValidateSecurePermissions(c.Path); err != nil {
			warnings = append(warnings, fmt.Sprintf("config file holds credentials: %v", err))
		}
	}

	return warnings
}

// DeployArgs splits DeployCommand into an argument vector.
func (c *Config) DeployArgs() ([]string, error) {
	return cmdutil.ParseCommandString(c.DeployCommand)
}

// Addr is the webhook listener address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogURL is the base URL statuses link logs under, or empty when logs are
// not served.
func (c *Config) LogURL() string {
	if c.PublicURL == "" || c.LogDir == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/")
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
