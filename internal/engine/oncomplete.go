package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/phasedrive/phasedrive/internal/config"
	"github.com/phasedrive/phasedrive/internal/protocol"
	"github.com/phasedrive/phasedrive/internal/state"
)

// PullRequester opens a pull request for a completed phase.
type PullRequester interface {
	CreatePullRequest(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition) (string, error)
}

// Actions runs a phase's on-complete actions: named git operations in the
// working tree and, optionally, a pull request.
type Actions struct {
	workDir string
	pr      PullRequester
	logger  zerolog.Logger
}

// NewActions creates the on-complete action runner. pr may be nil when no
// GitHub remote is configured; pull_request actions are then skipped with
// a warning.
func NewActions(workDir string, pr PullRequester, logger zerolog.Logger) *Actions {
	return &Actions{
		workDir: workDir,
		pr:      pr,
		logger:  logger.With().Str("component", "oncomplete").Logger(),
	}
}

// Complete runs the declared actions in order: commit, push, pull request.
func (a *Actions) Complete(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition) error {
	oc := phase.OnComplete
	if oc.Commit {
		msg := fmt.Sprintf("%s: complete phase %s", st.ID, phase.ID)
		if err := a.git(ctx, "add", "-A"); err != nil {
			return err
		}
		if err := a.git(ctx, "commit", "--allow-empty", "-m", msg); err != nil {
			return err
		}
		a.logger.Info().Str("project", st.ID).Str("phase", phase.ID).Msg("changes committed")
	}
	if oc.Push {
		if err := a.git(ctx, "push"); err != nil {
			return err
		}
		a.logger.Info().Str("project", st.ID).Msg("changes pushed")
	}
	if oc.PullRequest {
		if a.pr == nil {
			a.logger.Warn().Str("project", st.ID).Msg("pull_request action declared but no GitHub remote configured")
			return nil
		}
		url, err := a.pr.CreatePullRequest(ctx, st, phase)
		if err != nil {
			return fmt.Errorf("create pull request: %w", err)
		}
		a.logger.Info().Str("project", st.ID).Str("url", url).Msg("pull request opened")
	}
	return nil
}

func (a *Actions) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = a.workDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(buf.String()))
	}
	return nil
}

// GitHubPR opens pull requests through the GitHub API.
type GitHubPR struct {
	client  *github.Client
	owner   string
	repo    string
	base    string
	workDir string
}

// NewGitHubPR builds a PR creator from config. Returns nil when GitHub is
// not configured.
func NewGitHubPR(cfg *config.Config) *GitHubPR {
	if !cfg.GitHubEnabled() {
		return nil
	}
	owner, repo := cfg.SplitGitHubRepo()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
	return &GitHubPR{
		client:  github.NewClient(oauth2.NewClient(context.Background(), ts)),
		owner:   owner,
		repo:    repo,
		base:    "main",
		workDir: cfg.WorkDir,
	}
}

func (g *GitHubPR) CreatePullRequest(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition) (string, error) {
	head := currentBranch(ctx, g.workDir)
	title := fmt.Sprintf("%s: %s", st.ID, st.Title)
	body := fmt.Sprintf("Automated pull request for project %s after phase %s.", st.ID, phase.Name)
	pr, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(g.base),
		Body:  github.String(body),
	})
	if err != nil {
		return "", err
	}
	return pr.GetHTMLURL(), nil
}

func currentBranch(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "HEAD"
	}
	return strings.TrimSpace(string(out))
}
