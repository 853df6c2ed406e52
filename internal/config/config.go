// Package config loads engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration loaded from environment variables.
// CLI flags (bound through viper) may override individual fields.
type Config struct {
	// General
	Environment string `envconfig:"PHASEDRIVE_ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"PHASEDRIVE_LOG_LEVEL" default:"info"`

	// Layout
	HomeDir     string `envconfig:"PHASEDRIVE_HOME"`          // default: ~/.phasedrive
	ProtocolDir string `envconfig:"PHASEDRIVE_PROTOCOL_DIR"`  // extra protocol definitions
	WorkDir     string `envconfig:"PHASEDRIVE_WORKDIR"`       // repo the worker operates in ("" = cwd)

	// External tasks
	WorkerCommand   string        `envconfig:"PHASEDRIVE_WORKER_CMD" default:"claude -p"`
	ReviewerCommand string        `envconfig:"PHASEDRIVE_REVIEWER_CMD" default:"claude -p"`
	BuildTimeout    time.Duration `envconfig:"PHASEDRIVE_BUILD_TIMEOUT" default:"45m"`
	ReviewTimeout   time.Duration `envconfig:"PHASEDRIVE_REVIEW_TIMEOUT" default:"20m"`

	// Loop policy
	MaxIterations    int           `envconfig:"PHASEDRIVE_MAX_ITERATIONS" default:"3"`
	BuildRetries     int           `envconfig:"PHASEDRIVE_BUILD_RETRIES" default:"3"`
	ReviewRetries    int           `envconfig:"PHASEDRIVE_REVIEW_RETRIES" default:"2"`
	RetryBaseDelay   time.Duration `envconfig:"PHASEDRIVE_RETRY_BASE_DELAY" default:"5s"`
	CircuitThreshold int           `envconfig:"PHASEDRIVE_CIRCUIT_THRESHOLD" default:"3"`

	// State store
	LockStaleAfter   time.Duration `envconfig:"PHASEDRIVE_LOCK_STALE_AFTER" default:"10m"`
	LockWaitTimeout  time.Duration `envconfig:"PHASEDRIVE_LOCK_WAIT_TIMEOUT" default:"10s"`
	LockPollInterval time.Duration `envconfig:"PHASEDRIVE_LOCK_POLL_INTERVAL" default:"250ms"`

	// Notifications (all optional; emitter degrades to log-only)
	NotifyWebhookURL    string        `envconfig:"PHASEDRIVE_NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string        `envconfig:"PHASEDRIVE_NOTIFY_WEBHOOK_SECRET"`
	SlackBotToken       string        `envconfig:"PHASEDRIVE_SLACK_BOT_TOKEN"`
	SlackChannel        string        `envconfig:"PHASEDRIVE_SLACK_CHANNEL"`
	NotifyDedupeWindow  time.Duration `envconfig:"PHASEDRIVE_NOTIFY_DEDUPE_WINDOW" default:"10m"`

	// On-complete actions
	GitHubToken string `envconfig:"PHASEDRIVE_GITHUB_TOKEN"`
	GitHubRepo  string `envconfig:"PHASEDRIVE_GITHUB_REPO"` // "owner/repo", enables PR creation

	// Status server (run --listen)
	ListenAddr  string `envconfig:"PHASEDRIVE_LISTEN_ADDR"`
	MetricsAddr string `envconfig:"PHASEDRIVE_METRICS_ADDR"`
}

// Load reads configuration from environment variables and fills in
// derived defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home dir: %w", err)
		}
		cfg.HomeDir = filepath.Join(home, ".phasedrive")
	}
	return &cfg, nil
}

// SlackEnabled returns true if a Slack token and channel are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// WebhookEnabled returns true if an outbound notification endpoint is configured.
func (c *Config) WebhookEnabled() bool {
	return c.NotifyWebhookURL != ""
}

// GitHubEnabled returns true if PR creation is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != "" && strings.Contains(c.GitHubRepo, "/")
}

// SplitGitHubRepo returns the owner and repository components of GitHubRepo.
func (c *Config) SplitGitHubRepo() (owner, repo string) {
	parts := strings.SplitN(c.GitHubRepo, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
