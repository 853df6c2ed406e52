// Package review fans an artifact out to the phase's reviewers and folds
// their verdicts into a single pass/block decision.
package review

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phasedrive/phasedrive/internal/artifacts"
	"github.com/phasedrive/phasedrive/internal/protocol"
	"github.com/phasedrive/phasedrive/internal/retry"
	"github.com/phasedrive/phasedrive/internal/runner"
	"github.com/phasedrive/phasedrive/internal/signal"
	"github.com/phasedrive/phasedrive/internal/state"
)

// Verifier runs the verification step of a build/verify cycle.
type Verifier struct {
	invoker runner.Invoker
	paths   *artifacts.Resolver
	timeout time.Duration
	retry   retry.Config
	logger  zerolog.Logger
}

// NewVerifier wires a verifier over the given reviewer invoker.
func NewVerifier(invoker runner.Invoker, paths *artifacts.Resolver, timeout time.Duration, retryCfg retry.Config, logger zerolog.Logger) *Verifier {
	return &Verifier{
		invoker: invoker,
		paths:   paths,
		timeout: timeout,
		retry:   retryCfg,
		logger:  logger.With().Str("component", "review").Logger(),
	}
}

// Verify dispatches one task per configured reviewer, in parallel when
// the phase asks for it, and returns every reviewer's result. A reviewer
// whose task still fails after retries gets verdict error; errors are
// recorded, never dropped.
func (v *Verifier) Verify(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition, artifactPath string) []state.ReviewResult {
	if phase.Verify == nil || len(phase.Verify.Reviewers) == 0 {
		return nil
	}

	contextDoc := ""
	if st.Iteration > 1 {
		contextDoc = v.ContextDocument(st, phase.ID)
	}

	results := make([]state.ReviewResult, len(phase.Verify.Reviewers))
	run := func(i int, reviewer string) {
		results[i] = v.reviewOne(ctx, st, phase, reviewer, artifactPath, contextDoc)
	}

	if phase.Verify.Parallel {
		var wg sync.WaitGroup
		for i, reviewer := range phase.Verify.Reviewers {
			wg.Add(1)
			go func(i int, reviewer string) {
				defer wg.Done()
				run(i, reviewer)
			}(i, reviewer)
		}
		wg.Wait()
	} else {
		for i, reviewer := range phase.Verify.Reviewers {
			run(i, reviewer)
		}
	}
	return results
}

func (v *Verifier) reviewOne(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition, reviewer, artifactPath, contextDoc string) state.ReviewResult {
	outPath := v.paths.ReviewOutputPath(st.ID, phase.ID, st.CurrentPlanPhase, st.Iteration, reviewer)
	prompt := v.buildPrompt(st, phase, reviewer, artifactPath, contextDoc)

	var res *runner.Result
	err := retry.Do(ctx, v.retry, func(ctx context.Context) error {
		var invokeErr error
		res, invokeErr = v.invoker.Invoke(ctx, runner.Request{
			Kind:       "review",
			Actor:      reviewer,
			Prompt:     prompt,
			WorkDir:    v.paths.WorkDir,
			OutputPath: outPath,
			Timeout:    v.timeout,
		})
		return invokeErr
	})
	if err != nil {
		v.logger.Error().Err(err).Str("project", st.ID).Str("reviewer", reviewer).
			Int("iteration", st.Iteration).Msg("review task failed after retries")
		return state.ReviewResult{Reviewer: reviewer, Verdict: state.VerdictError, Output: outPath}
	}

	verdict := signal.ParseVerdict(res.Output)
	v.logger.Info().Str("project", st.ID).Str("reviewer", reviewer).
		Int("iteration", st.Iteration).Str("verdict", string(verdict)).Msg("review complete")
	return state.ReviewResult{Reviewer: reviewer, Verdict: verdict, Output: outPath}
}

func (v *Verifier) buildPrompt(st *state.ProjectState, phase protocol.PhaseDefinition, reviewer, artifactPath, contextDoc string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s reviewer for project %s (%s).\n", reviewer, st.ID, st.Title)
	fmt.Fprintf(&b, "Review kind: %s. Phase: %s. Iteration: %d.\n", phase.Verify.Kind, phase.Name, st.Iteration)
	if pp, ok := st.CurrentPlan(); ok {
		fmt.Fprintf(&b, "Plan phase under review: %s (%s).\n", pp.Title, pp.ID)
	}
	fmt.Fprintf(&b, "Artifact to review: %s\n", artifactPath)
	if contextDoc != "" {
		b.WriteString("\n--- Prior iteration context ---\n")
		b.WriteString(contextDoc)
		b.WriteString("\n--- End context ---\n")
		b.WriteString("Do not re-raise concerns the context shows as resolved.\n")
	}
	b.WriteString("\nEnd your review with exactly one line: VERDICT: APPROVE, VERDICT: REQUEST_CHANGES, or VERDICT: COMMENT.\n")
	return b.String()
}

// ContextDocument assembles prior iterations' verdicts and any builder
// rebuttal for the current cycle, so later reviewers see what has already
// been litigated.
func (v *Verifier) ContextDocument(st *state.ProjectState, phaseID string) string {
	var b strings.Builder
	for _, rec := range st.IterationsFor(st.CurrentPlanPhase) {
		if rec.Iteration >= st.Iteration {
			continue
		}
		fmt.Fprintf(&b, "Iteration %d verdicts:\n", rec.Iteration)
		for _, r := range sortedReviews(rec.Reviews) {
			fmt.Fprintf(&b, "  - %s: %s\n", r.Reviewer, r.Verdict)
		}
		rebuttal := v.paths.RebuttalPath(st.ID, phaseID, st.CurrentPlanPhase, rec.Iteration)
		if data, err := os.ReadFile(rebuttal); err == nil && len(data) > 0 {
			fmt.Fprintf(&b, "Builder response to iteration %d feedback:\n%s\n", rec.Iteration, strings.TrimSpace(string(data)))
		}
	}
	return b.String()
}

func sortedReviews(reviews []state.ReviewResult) []state.ReviewResult {
	out := make([]state.ReviewResult, len(reviews))
	copy(out, reviews)
	sort.Slice(out, func(i, j int) bool { return out[i].Reviewer < out[j].Reviewer })
	return out
}

// Unanimous reports whether every verdict permits advance: approve and
// comment pass, request_changes and error block. An empty result set is
// not unanimous.
func Unanimous(results []state.ReviewResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		switch r.Verdict {
		case state.VerdictApprove, state.VerdictComment:
		default:
			return false
		}
	}
	return true
}

// Summary renders a one-line-per-reviewer digest, used when escalating
// an exhausted iteration budget to a human gate.
func Summary(results []state.ReviewResult) string {
	var parts []string
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s=%s", r.Reviewer, r.Verdict))
	}
	return strings.Join(parts, ", ")
}
