// Package engine drives the build/verify/gate loop: the phase state
// machine that moves a project from its first artifact to completion.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phasedrive/phasedrive/internal/artifacts"
	"github.com/phasedrive/phasedrive/internal/config"
	perrors "github.com/phasedrive/phasedrive/internal/errors"
	"github.com/phasedrive/phasedrive/internal/metrics"
	"github.com/phasedrive/phasedrive/internal/notify"
	"github.com/phasedrive/phasedrive/internal/planfile"
	"github.com/phasedrive/phasedrive/internal/protocol"
	"github.com/phasedrive/phasedrive/internal/retry"
	"github.com/phasedrive/phasedrive/internal/review"
	"github.com/phasedrive/phasedrive/internal/runner"
	"github.com/phasedrive/phasedrive/internal/signal"
	"github.com/phasedrive/phasedrive/internal/state"
	"github.com/phasedrive/phasedrive/internal/store"
)

// buildFailuresKey tracks consecutive failed build attempts in the
// project's context map, feeding the circuit breaker.
const buildFailuresKey = "consecutive_build_failures"

// allCompleteKey marks that the builder signalled ALL_COMPLETE, claiming
// every remaining plan phase. Honored once the cycle clears verification.
const allCompleteKey = "all_complete_signalled"

// Verifier runs the verification step. Implemented by review.Verifier.
type Verifier interface {
	Verify(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition, artifactPath string) []state.ReviewResult
}

// Completer runs a phase's on-complete actions. Implemented by Actions.
type Completer interface {
	Complete(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition) error
}

// StepOutcome classifies what one engine step did.
type StepOutcome string

const (
	OutcomeBuilt         StepOutcome = "built"          // build finished, verify is next
	OutcomeIterated      StepOutcome = "iterated"       // review blocked, new iteration queued
	OutcomeGateRequested StepOutcome = "gate_requested" // human approval now required
	OutcomeGatePending   StepOutcome = "gate_pending"   // still waiting on a human
	OutcomeAdvanced      StepOutcome = "advanced"       // moved to the next phase or plan phase
	OutcomeBlocked       StepOutcome = "blocked"        // builder signalled it is stuck
	OutcomeComplete      StepOutcome = "complete"       // terminal phase reached
)

// StepResult is the outcome of one engine step.
type StepResult struct {
	Outcome StepOutcome
	State   *state.ProjectState
	Detail  string
}

// Engine owns every state transition. All mutation of persisted project
// state flows through it, under the project lock.
type Engine struct {
	cfg       *config.Config
	store     *state.Store
	locker    *state.Locker
	protocols *protocol.Loader
	paths     *artifacts.Resolver
	builder   runner.Invoker
	checks    *runner.CheckRunner
	verifier  Verifier
	completer Completer
	notifier  notify.Notifier
	journal   *store.Journal
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Options carries the engine's collaborators.
type Options struct {
	Config    *config.Config
	Store     *state.Store
	Locker    *state.Locker
	Protocols *protocol.Loader
	Paths     *artifacts.Resolver
	Builder   runner.Invoker
	Checks    *runner.CheckRunner
	Verifier  Verifier
	Completer Completer
	Notifier  notify.Notifier
	Journal   *store.Journal // optional
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// New wires an engine.
func New(opts Options) *Engine {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		cfg:       opts.Config,
		store:     opts.Store,
		locker:    opts.Locker,
		protocols: opts.Protocols,
		paths:     opts.Paths,
		builder:   opts.Builder,
		checks:    opts.Checks,
		verifier:  opts.Verifier,
		completer: opts.Completer,
		notifier:  opts.Notifier,
		journal:   opts.Journal,
		metrics:   m,
		logger:    opts.Logger.With().Str("component", "engine").Logger(),
		now:       time.Now,
	}
}

// Metrics exposes the engine's metric set for the status server.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Protocols exposes the protocol loader.
func (e *Engine) Protocols() *protocol.Loader { return e.protocols }

func (e *Engine) record(ctx context.Context, ev store.Event) {
	if e.journal != nil {
		e.journal.Record(ctx, ev)
	}
}

func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	if e.notifier != nil {
		ev.Time = e.now()
		e.notifier.Notify(ctx, ev)
	}
}

// Init creates a fresh project on the named protocol. An existing record
// with the same id is an error, never overwritten.
func (e *Engine) Init(ctx context.Context, protocolName, id, title string) (*state.ProjectState, error) {
	proto, err := e.protocols.Load(protocolName)
	if err != nil {
		return nil, err
	}
	if e.store.Exists(id) {
		return nil, fmt.Errorf("project %s already exists", id)
	}

	st := state.New(id, title, proto, e.now())
	if err := e.store.Write(st); err != nil {
		return nil, err
	}
	if err := e.paths.EnsureOutDir(id); err != nil {
		return nil, err
	}

	e.record(ctx, store.Event{ProjectID: id, Kind: store.KindInit, Phase: st.Phase, Detail: proto.Name})
	e.logger.Info().Str("project", id).Str("protocol", proto.Name).Msg("project initialized")
	return st, nil
}

// Load reads a project and its protocol, validating them against each
// other.
func (e *Engine) Load(id string) (*state.ProjectState, *protocol.Protocol, error) {
	st, err := e.store.Read(id)
	if err != nil {
		return nil, nil, err
	}
	proto, err := e.protocols.Load(st.Protocol)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Validate(proto); err != nil {
		return nil, nil, err
	}
	return st, proto, nil
}

// Step performs one transition of the loop under the project lock.
func (e *Engine) Step(ctx context.Context, id string) (*StepResult, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	st, proto, err := e.Load(id)
	if err != nil {
		return nil, err
	}
	return e.step(ctx, st, proto)
}

// Run drives the loop until it needs a human, completes, or fails.
func (e *Engine) Run(ctx context.Context, id string) (*StepResult, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, proto, err := e.Load(id)
		if err != nil {
			return nil, err
		}
		res, err := e.step(ctx, st, proto)
		if err != nil {
			return res, err
		}
		switch res.Outcome {
		case OutcomeComplete, OutcomeGateRequested, OutcomeGatePending, OutcomeBlocked:
			return res, nil
		}
	}
}

func (e *Engine) step(ctx context.Context, st *state.ProjectState, proto *protocol.Protocol) (*StepResult, error) {
	if st.Complete() {
		return &StepResult{Outcome: OutcomeComplete, State: st}, nil
	}

	phase, _ := proto.Phase(st.Phase)

	// A requested, unapproved gate blocks everything.
	if g, ok := st.Gate(phase.Gate); ok && g.Requested() && g.Status != state.GateApproved {
		return &StepResult{Outcome: OutcomeGatePending, State: st, Detail: phase.Gate}, nil
	}

	// Entering a per-plan-phase container extracts the plan first.
	if phase.Type == protocol.PhasePerPlanPhase && len(st.PlanPhases) == 0 {
		if err := e.enterPlanPhases(ctx, st, proto, phase); err != nil {
			return nil, err
		}
	}

	if !st.BuildComplete {
		return e.build(ctx, st, phase)
	}
	return e.verify(ctx, st, proto, phase)
}

// enterPlanPhases extracts the plan-phase list from the preceding phase's
// artifact.
func (e *Engine) enterPlanPhases(ctx context.Context, st *state.ProjectState, proto *protocol.Protocol, phase protocol.PhaseDefinition) error {
	src, ok := planSource(proto, phase.ID)
	if !ok {
		return fmt.Errorf("%w: phase %s has no preceding plan artifact", perrors.ErrPlanMissing, phase.ID)
	}
	phases, err := planfile.Extract(e.paths.ArtifactPath(src, st.ID))
	if err != nil {
		return err
	}
	st.PlanPhases = phases
	st.CurrentPlanPhase = phases[0].ID
	st.ResetCycle()
	if err := e.store.Write(st); err != nil {
		return err
	}
	e.logger.Info().Str("project", st.ID).Int("plan_phases", len(phases)).Msg("plan extracted")
	return nil
}

// ExtractPlan populates the plan-phase list of a per-plan-phase
// container the project has reached but not entered. Any other phase,
// or a container already carrying its plan, is a no-op.
func (e *Engine) ExtractPlan(ctx context.Context, id string) (*state.ProjectState, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	st, proto, err := e.Load(id)
	if err != nil {
		return nil, err
	}
	phase, _ := proto.Phase(st.Phase)
	if phase.Type == protocol.PhasePerPlanPhase && len(st.PlanPhases) == 0 {
		if err := e.enterPlanPhases(ctx, st, proto, phase); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// planSource finds the artifact template of the phase that feeds the
// given per-plan-phase container.
func planSource(proto *protocol.Protocol, phaseID string) (string, bool) {
	for _, ph := range proto.Phases {
		if ph.Next == phaseID && ph.Build != nil && ph.Build.Artifact != "" {
			return ph.Build.Artifact, true
		}
	}
	return "", false
}

func (e *Engine) maxIterations(phase protocol.PhaseDefinition) int {
	if phase.MaxIterations > 0 {
		return phase.MaxIterations
	}
	return e.cfg.MaxIterations
}

func (e *Engine) buildFailures(st *state.ProjectState) int {
	n, _ := strconv.Atoi(st.Context[buildFailuresKey])
	return n
}

func (e *Engine) setBuildFailures(st *state.ProjectState, n int) {
	if n == 0 {
		delete(st.Context, buildFailuresKey)
		return
	}
	if st.Context == nil {
		st.Context = map[string]string{}
	}
	st.Context[buildFailuresKey] = strconv.Itoa(n)
}

// build runs the build worker for the current cycle.
func (e *Engine) build(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition) (*StepResult, error) {
	if failures := e.buildFailures(st); failures >= e.cfg.CircuitThreshold {
		e.metrics.CircuitTrips.Inc()
		e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindCircuitOpen, Phase: st.Phase, Iteration: st.Iteration})
		e.notify(ctx, notify.Event{Type: notify.EventCircuitOpen, Project: st.ID, Title: st.Title, Phase: st.Phase})
		return nil, fmt.Errorf("%w: %d consecutive build failures in phase %s", perrors.ErrCircuitOpen, failures, st.Phase)
	}

	e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindBuildStarted, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Iteration: st.Iteration})

	outPath := e.paths.BuildOutputPath(st.ID, st.Phase, st.CurrentPlanPhase, st.Iteration)
	prompt := e.buildPrompt(st, phase)

	var res *runner.Result
	start := e.now()
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: e.cfg.BuildRetries,
		BaseDelay:   e.cfg.RetryBaseDelay,
		MaxDelay:    10 * e.cfg.RetryBaseDelay,
		Jitter:      true,
	}, func(ctx context.Context) error {
		var invokeErr error
		res, invokeErr = e.builder.Invoke(ctx, runner.Request{
			Kind:       "build",
			Actor:      "builder",
			Prompt:     prompt,
			WorkDir:    e.paths.WorkDir,
			OutputPath: outPath,
			Timeout:    e.cfg.BuildTimeout,
		})
		return invokeErr
	})
	e.metrics.BuildDuration.WithLabelValues(st.Phase).Observe(e.now().Sub(start).Seconds())

	if err != nil {
		e.metrics.BuildsTotal.WithLabelValues(st.Phase, "failure").Inc()
		e.setBuildFailures(st, e.buildFailures(st)+1)
		e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindBuildFailed, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Iteration: st.Iteration, Detail: err.Error()})
		if werr := e.store.Write(st); werr != nil {
			return nil, werr
		}
		return nil, err
	}

	e.setBuildFailures(st, 0)

	switch signal.ExtractCompletion(res.Output) {
	case signal.CompletionBlocked:
		st.AwaitingInput = true
		if err := e.store.Write(st); err != nil {
			return nil, err
		}
		e.notify(ctx, notify.Event{Type: notify.EventBlocked, Project: st.ID, Title: st.Title, Phase: st.Phase, Summary: tailLines(res.Output, 3)})
		return &StepResult{Outcome: OutcomeBlocked, State: st}, nil
	case signal.CompletionAll:
		if phase.Type == protocol.PhasePerPlanPhase {
			if st.Context == nil {
				st.Context = map[string]string{}
			}
			st.Context[allCompleteKey] = "true"
		}
	}

	// The build contract requires the artifact on disk; a missing one is
	// a failed build, not a review subject.
	if phase.Build != nil && phase.Build.Artifact != "" {
		artifact := e.paths.ArtifactPath(phase.Build.Artifact, st.ID)
		if !artifacts.Exists(artifact) {
			e.metrics.BuildsTotal.WithLabelValues(st.Phase, "no_artifact").Inc()
			e.setBuildFailures(st, e.buildFailures(st)+1)
			if err := e.store.Write(st); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", perrors.ErrArtifactMissing, artifact)
		}
	}

	e.metrics.BuildsTotal.WithLabelValues(st.Phase, "success").Inc()
	st.BuildComplete = true
	st.AwaitingInput = false
	rec := state.IterationRecord{
		Iteration:   st.Iteration,
		PlanPhase:   st.CurrentPlanPhase,
		BuildOutput: outPath,
		CostUSD:     res.CostUSD,
		DurationMS:  res.DurationMS,
	}
	st.RecordIteration(rec)
	if err := e.store.Write(st); err != nil {
		return nil, err
	}

	e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindBuildComplete, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Iteration: st.Iteration})
	return &StepResult{Outcome: OutcomeBuilt, State: st}, nil
}

func (e *Engine) buildPrompt(st *state.ProjectState, phase protocol.PhaseDefinition) string {
	prompt := fmt.Sprintf("Project %s (%s), phase %s, iteration %d.\n", st.ID, st.Title, phase.Name, st.Iteration)
	if phase.Build != nil {
		prompt += fmt.Sprintf("Instructions: %s\nProduce the artifact at: %s\n",
			phase.Build.Prompt, e.paths.ArtifactPath(phase.Build.Artifact, st.ID))
	}
	if pp, ok := st.CurrentPlan(); ok {
		prompt += fmt.Sprintf("Current plan phase: %s (%s).\n", pp.Title, pp.ID)
	}
	if st.Iteration > 1 {
		var prior []string
		for _, rec := range st.IterationsFor(st.CurrentPlanPhase) {
			if rec.Iteration < st.Iteration {
				for _, r := range rec.Reviews {
					if r.Verdict == state.VerdictRequestChanges || r.Verdict == state.VerdictComment {
						prior = append(prior, fmt.Sprintf("%s (iteration %d): see %s", r.Reviewer, rec.Iteration, r.Output))
					}
				}
			}
		}
		if len(prior) > 0 {
			prompt += "Address the outstanding review feedback:\n"
			for _, p := range prior {
				prompt += "  - " + p + "\n"
			}
		}
	}
	prompt += "Signal PHASE_COMPLETE when done, or BLOCKED: <reason> if you cannot proceed.\n"
	return prompt
}

// verify runs the review fan-out and decides: advance, gate, or iterate.
func (e *Engine) verify(ctx context.Context, st *state.ProjectState, proto *protocol.Protocol, phase protocol.PhaseDefinition) (*StepResult, error) {
	artifact := ""
	if phase.Build != nil && phase.Build.Artifact != "" {
		artifact = e.paths.ArtifactPath(phase.Build.Artifact, st.ID)
		// build_complete with no artifact is a build contract violation;
		// re-run the build rather than reviewing nothing.
		if !artifacts.Exists(artifact) {
			st.BuildComplete = false
			if err := e.store.Write(st); err != nil {
				return nil, err
			}
			return &StepResult{Outcome: OutcomeIterated, State: st, Detail: "artifact vanished, rebuilding"}, nil
		}
	}

	// A phase that configures no reviewers has nothing to verify; the
	// build's success is the pass.
	if phase.Verify == nil || len(phase.Verify.Reviewers) == 0 {
		e.metrics.IterationsPerCycle.Observe(float64(st.Iteration))
		return e.passed(ctx, st, proto, phase, "")
	}

	results := e.verifier.Verify(ctx, st, phase, artifact)
	for _, r := range results {
		e.metrics.ReviewVerdicts.WithLabelValues(r.Reviewer, string(r.Verdict)).Inc()
	}

	rec := state.IterationRecord{Iteration: st.Iteration, PlanPhase: st.CurrentPlanPhase, Reviews: results}
	if prior := findRecord(st, st.Iteration, st.CurrentPlanPhase); prior != nil {
		rec.BuildOutput = prior.BuildOutput
		rec.CostUSD = prior.CostUSD
		rec.DurationMS = prior.DurationMS
	}
	st.RecordIteration(rec)
	e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindReview, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Iteration: st.Iteration, Detail: review.Summary(results)})

	if review.Unanimous(results) {
		e.metrics.IterationsPerCycle.Observe(float64(st.Iteration))
		return e.passed(ctx, st, proto, phase, "")
	}

	if st.Iteration < e.maxIterations(phase) {
		st.Iteration++
		st.BuildComplete = false
		if err := e.store.Write(st); err != nil {
			return nil, err
		}
		e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindIterate, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Iteration: st.Iteration})
		return &StepResult{Outcome: OutcomeIterated, State: st, Detail: review.Summary(results)}, nil
	}

	// Iteration budget exhausted: a human gets the call when the phase
	// has a gate; otherwise one dissenting reviewer must not wedge the
	// workflow forever.
	e.metrics.IterationsPerCycle.Observe(float64(st.Iteration))
	summary := review.Summary(results)
	e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindEscalation, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Iteration: st.Iteration, Detail: summary})
	e.notify(ctx, notify.Event{Type: notify.EventEscalation, Project: st.ID, Title: st.Title, Phase: st.Phase, Summary: summary})
	if phase.Gate != "" {
		e.metrics.EscalationsTotal.WithLabelValues("gate").Inc()
		return e.requestGate(ctx, st, phase, "iteration budget exhausted: "+summary)
	}
	e.metrics.EscalationsTotal.WithLabelValues("forced_advance").Inc()
	return e.passed(ctx, st, proto, phase, "forced advance after "+summary)
}

func findRecord(st *state.ProjectState, iteration int, planPhase string) *state.IterationRecord {
	for i := range st.History {
		if st.History[i].Iteration == iteration && st.History[i].PlanPhase == planPhase {
			return &st.History[i]
		}
	}
	return nil
}

// passed handles a cycle that cleared verification (or was force-passed
// by escalation): plan-phase advance, checks, on-complete actions, then
// gate request or phase advance.
func (e *Engine) passed(ctx context.Context, st *state.ProjectState, proto *protocol.Protocol, phase protocol.PhaseDefinition, detail string) (*StepResult, error) {
	// Inside a per-plan-phase container a passing cycle advances the plan
	// first; only clearing the tail completes the phase itself.
	if phase.Type == protocol.PhasePerPlanPhase && st.CurrentPlanPhase != "" {
		phases, pastTail, err := planfile.Advance(st.PlanPhases, st.CurrentPlanPhase)
		if err != nil {
			return nil, err
		}
		// An ALL_COMPLETE signal claims the remaining plan phases too,
		// once this cycle's verification has cleared.
		if st.Context[allCompleteKey] == "true" {
			delete(st.Context, allCompleteKey)
			for i := range phases {
				phases[i].Status = state.PlanPhaseComplete
			}
			pastTail = true
		}
		st.PlanPhases = phases
		if !pastTail {
			for _, pp := range phases {
				if pp.Status == state.PlanPhaseInProgress {
					st.CurrentPlanPhase = pp.ID
					break
				}
			}
			st.ResetCycle()
			if err := e.store.Write(st); err != nil {
				return nil, err
			}
			e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindAdvance, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Detail: "plan phase"})
			return &StepResult{Outcome: OutcomeAdvanced, State: st, Detail: "plan phase " + st.CurrentPlanPhase}, nil
		}
		st.CurrentPlanPhase = ""
	}

	if err := e.runChecks(ctx, phase); err != nil {
		// A failing check blocks completion the same way a blocking
		// review does: iterate with the failure as feedback.
		if st.Iteration < e.maxIterations(phase) {
			st.Iteration++
			st.BuildComplete = false
			if werr := e.store.Write(st); werr != nil {
				return nil, werr
			}
			return &StepResult{Outcome: OutcomeIterated, State: st, Detail: err.Error()}, nil
		}
		return nil, err
	}

	if e.completer != nil {
		if err := e.completer.Complete(ctx, st, phase); err != nil {
			e.logger.Error().Err(err).Str("project", st.ID).Str("phase", st.Phase).
				Msg("on-complete actions failed")
		}
	}

	if phase.Gate != "" {
		return e.requestGate(ctx, st, phase, detail)
	}
	return e.advance(ctx, st, proto, phase)
}

// runChecks executes the phase's named shell checks.
func (e *Engine) runChecks(ctx context.Context, phase protocol.PhaseDefinition) error {
	if e.checks == nil {
		return nil
	}
	for _, c := range phase.Checks {
		if _, err := e.checks.Run(ctx, c.Name, c.Command); err != nil {
			return err
		}
	}
	return nil
}

// requestGate opens the phase's gate for human review and resets the
// cycle so an approved gate resumes cleanly.
func (e *Engine) requestGate(ctx context.Context, st *state.ProjectState, phase protocol.PhaseDefinition, detail string) (*StepResult, error) {
	st.EnsureGate(phase)
	g := st.Gates[phase.Gate]
	now := e.now()
	g.RequestedAt = &now
	st.AwaitingInput = true
	st.ResetCycle()
	if err := e.store.Write(st); err != nil {
		return nil, err
	}

	e.metrics.GateRequestsTotal.WithLabelValues(phase.Gate).Inc()
	e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindGateRequested, Phase: st.Phase, Detail: phase.Gate})
	e.notify(ctx, notify.Event{Type: notify.EventGateRequested, Project: st.ID, Title: st.Title, Phase: st.Phase, Gate: phase.Gate, Summary: detail})
	e.logger.Info().Str("project", st.ID).Str("gate", phase.Gate).Msg("gate requested")
	return &StepResult{Outcome: OutcomeGateRequested, State: st, Detail: phase.Gate}, nil
}

// advance moves the project to the phase's next pointer.
func (e *Engine) advance(ctx context.Context, st *state.ProjectState, proto *protocol.Protocol, phase protocol.PhaseDefinition) (*StepResult, error) {
	st.Phase = phase.Next
	st.ResetCycle()
	st.AwaitingInput = false
	st.PlanPhases = nil
	st.CurrentPlanPhase = ""

	if st.Complete() {
		if err := e.store.Write(st); err != nil {
			return nil, err
		}
		e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindComplete, Phase: st.Phase})
		e.notify(ctx, notify.Event{Type: notify.EventProjectComplete, Project: st.ID, Title: st.Title})
		e.logger.Info().Str("project", st.ID).Msg("project complete")
		return &StepResult{Outcome: OutcomeComplete, State: st}, nil
	}

	next, _ := proto.Phase(st.Phase)
	st.EnsureGate(next)
	if err := e.store.Write(st); err != nil {
		return nil, err
	}
	e.record(ctx, store.Event{ProjectID: st.ID, Kind: store.KindAdvance, Phase: st.Phase})
	e.notify(ctx, notify.Event{Type: notify.EventPhaseAdvanced, Project: st.ID, Title: st.Title, Phase: st.Phase})
	e.logger.Info().Str("project", st.ID).Str("phase", st.Phase).Msg("phase advanced")
	return &StepResult{Outcome: OutcomeAdvanced, State: st, Detail: st.Phase}, nil
}

func tailLines(s string, n int) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			lines = append(lines, t)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " / ")
}
