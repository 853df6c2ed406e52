package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/phasedrive/phasedrive/internal/artifacts"
	"github.com/phasedrive/phasedrive/internal/config"
	"github.com/phasedrive/phasedrive/internal/engine"
	"github.com/phasedrive/phasedrive/internal/health"
	"github.com/phasedrive/phasedrive/internal/notify"
	"github.com/phasedrive/phasedrive/internal/planner"
	"github.com/phasedrive/phasedrive/internal/protocol"
	"github.com/phasedrive/phasedrive/internal/retry"
	"github.com/phasedrive/phasedrive/internal/review"
	"github.com/phasedrive/phasedrive/internal/runner"
	"github.com/phasedrive/phasedrive/internal/state"
	"github.com/phasedrive/phasedrive/internal/store"
)

// app wires the engine and its collaborators from config. Every command
// builds one, uses it, and closes it.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *state.Store
	paths   *artifacts.Resolver
	engine  *engine.Engine
	planner *planner.Planner
	journal *store.Journal
	checker *health.Checker
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	protocolDir := cfg.ProtocolDir
	if protocolDir == "" {
		protocolDir = filepath.Join(cfg.HomeDir, "protocols")
	}

	stateStore := state.NewStore(cfg.HomeDir, logger)
	locker := state.NewLocker(cfg.HomeDir, cfg.LockStaleAfter, cfg.LockWaitTimeout, cfg.LockPollInterval, logger)
	paths := &artifacts.Resolver{WorkDir: cfg.WorkDir}

	// Audit journal is best effort: an unopenable database degrades to
	// no journal, not a dead CLI.
	journal, err := store.Open(filepath.Join(cfg.HomeDir, "journal.db"), logger)
	if err != nil {
		logger.Warn().Err(err).Msg("audit journal unavailable")
		journal = nil
	}

	reviewerRetry := retry.Config{
		MaxAttempts: cfg.ReviewRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    10 * cfg.RetryBaseDelay,
		Jitter:      true,
	}
	verifier := review.NewVerifier(
		runner.NewCommandInvoker(cfg.ReviewerCommand, logger),
		paths, cfg.ReviewTimeout, reviewerRetry, logger)

	eng := engine.New(engine.Options{
		Config:    cfg,
		Store:     stateStore,
		Locker:    locker,
		Protocols: &protocol.Loader{Dir: protocolDir},
		Paths:     paths,
		Builder:   runner.NewCommandInvoker(cfg.WorkerCommand, logger),
		Checks:    runner.NewCheckRunner(cfg.WorkDir, cfg.BuildTimeout, logger),
		Verifier:  verifier,
		Completer: engine.NewActions(cfg.WorkDir, pullRequester(cfg), logger),
		Notifier:  buildNotifier(cfg, logger),
		Journal:   journal,
		Logger:    logger,
	})

	checker := health.NewChecker(logger)
	checker.Register("state_root", health.DirWritable(cfg.HomeDir))
	if cfg.WorkDir != "" {
		checker.Register("work_tree", health.DirWritable(cfg.WorkDir))
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   stateStore,
		paths:   paths,
		engine:  eng,
		planner: planner.New(eng, paths, logger),
		journal: journal,
		checker: checker,
	}, nil
}

func (a *app) Close() {
	if a.journal != nil {
		a.journal.Close()
	}
}

// pullRequester keeps the PullRequester interface nil when GitHub is not
// configured, rather than holding a nil *GitHubPR.
func pullRequester(cfg *config.Config) engine.PullRequester {
	if pr := engine.NewGitHubPR(cfg); pr != nil {
		return pr
	}
	return nil
}

// buildNotifier assembles the sink stack: always the log, plus Slack and
// webhook when configured, all behind the dedupe window.
func buildNotifier(cfg *config.Config, logger zerolog.Logger) notify.Notifier {
	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.SlackEnabled() {
		sinks = append(sinks, notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel))
	}
	if cfg.WebhookEnabled() {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
	}
	return notify.NewDeduper(notify.NewMulti(logger, sinks...), cfg.NotifyDedupeWindow)
}
