package engine

import (
	"context"
	"fmt"

	"github.com/phasedrive/phasedrive/internal/artifacts"
	perrors "github.com/phasedrive/phasedrive/internal/errors"
	"github.com/phasedrive/phasedrive/internal/notify"
	"github.com/phasedrive/phasedrive/internal/state"
	"github.com/phasedrive/phasedrive/internal/store"
)

// Approve marks a requested gate approved and advances the owning phase.
// The explicit flag must be set by a human-originated call; approval is
// never inferred from anything else, and a call without it leaves state
// untouched.
func (e *Engine) Approve(ctx context.Context, id, gateName string, explicit bool) (*StepResult, error) {
	if !explicit {
		return nil, fmt.Errorf("%w: gate %q", perrors.ErrExplicitApproval, gateName)
	}

	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	st, proto, err := e.Load(id)
	if err != nil {
		return nil, err
	}

	g, ok := st.Gate(gateName)
	if !ok || !g.Requested() {
		return nil, fmt.Errorf("%w: %q", perrors.ErrGateNotRequested, gateName)
	}
	if g.Status == state.GateApproved {
		return &StepResult{Outcome: OutcomeGatePending, State: st, Detail: "already approved"}, nil
	}

	phase, _ := proto.Phase(st.Phase)
	if phase.Gate != gateName {
		return nil, fmt.Errorf("gate %q does not belong to the current phase %s", gateName, st.Phase)
	}

	now := e.now()
	g.Status = state.GateApproved
	g.ApprovedAt = &now
	st.AwaitingInput = false

	e.record(ctx, store.Event{ProjectID: id, Kind: store.KindGateApproved, Phase: st.Phase, Detail: gateName})
	e.notify(ctx, notify.Event{Type: notify.EventGateApproved, Project: id, Title: st.Title, Gate: gateName})
	e.logger.Info().Str("project", id).Str("gate", gateName).Msg("gate approved")

	return e.advance(ctx, st, proto, phase)
}

// ApproveFromArtifact applies the pre-approval shortcut: a requested gate
// whose phase artifact already carries approval metadata is approved on
// the strength of that metadata. The metadata is human-authored, so the
// explicit-flag rule is satisfied by the document itself.
func (e *Engine) ApproveFromArtifact(ctx context.Context, id, gateName string) (*StepResult, error) {
	st, proto, err := e.Load(id)
	if err != nil {
		return nil, err
	}
	phase, _ := proto.Phase(st.Phase)
	if phase.Gate != gateName || phase.Build == nil {
		return nil, fmt.Errorf("%w: %q", perrors.ErrGateNotRequested, gateName)
	}
	artifact := e.paths.ArtifactPath(phase.Build.Artifact, st.ID)
	if !artifacts.HasApproval(artifact) {
		return nil, fmt.Errorf("%w: artifact %s carries no approval metadata", perrors.ErrGateNotRequested, artifact)
	}

	// The metadata stands in for the whole build/verify cycle, so a gate
	// that was never formally requested still gets opened and approved.
	if g, ok := st.Gate(gateName); !ok || !g.Requested() {
		release, err := e.locker.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		st.EnsureGate(phase)
		now := e.now()
		st.Gates[gateName].RequestedAt = &now
		err = e.store.Write(st)
		release()
		if err != nil {
			return nil, err
		}
	}
	return e.Approve(ctx, id, gateName, true)
}

// Rollback moves the project back to an earlier phase, clearing cycle
// progress. The move is audited; history is kept.
func (e *Engine) Rollback(ctx context.Context, id, phaseID string) (*state.ProjectState, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	st, proto, err := e.Load(id)
	if err != nil {
		return nil, err
	}

	target, ok := proto.Phase(phaseID)
	if !ok {
		return nil, fmt.Errorf("%w: phase %q not in protocol %s", perrors.ErrProtocolInvalid, phaseID, proto.Name)
	}

	from := st.Phase
	st.Phase = target.ID
	st.ResetCycle()
	st.AwaitingInput = false
	st.PlanPhases = nil
	st.CurrentPlanPhase = ""
	// The target's gate has to be re-earned after a rollback.
	if g, ok := st.Gate(target.Gate); ok {
		g.Status = state.GatePending
		g.RequestedAt = nil
		g.ApprovedAt = nil
	}
	if err := e.store.Write(st); err != nil {
		return nil, err
	}

	e.record(ctx, store.Event{ProjectID: id, Kind: store.KindRollback, Phase: target.ID, Detail: "from " + from})
	e.logger.Warn().Str("project", id).Str("from", from).Str("to", target.ID).Msg("rolled back")
	return st, nil
}

// MarkDone records that an externally driven build finished. The artifact
// contract still holds: the phase artifact must exist on disk.
func (e *Engine) MarkDone(ctx context.Context, id string) (*state.ProjectState, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	st, proto, err := e.Load(id)
	if err != nil {
		return nil, err
	}
	if st.Complete() {
		return st, nil
	}

	phase, _ := proto.Phase(st.Phase)
	if phase.Build != nil && phase.Build.Artifact != "" {
		artifact := e.paths.ArtifactPath(phase.Build.Artifact, st.ID)
		if !artifacts.Exists(artifact) {
			return nil, fmt.Errorf("%w: %s", perrors.ErrArtifactMissing, artifact)
		}
	}

	st.BuildComplete = true
	st.AwaitingInput = false
	st.RecordIteration(state.IterationRecord{Iteration: st.Iteration, PlanPhase: st.CurrentPlanPhase})
	if err := e.store.Write(st); err != nil {
		return nil, err
	}
	e.record(ctx, store.Event{ProjectID: id, Kind: store.KindBuildComplete, Phase: st.Phase, PlanPhase: st.CurrentPlanPhase, Iteration: st.Iteration, Detail: "external"})
	return st, nil
}

// RunPhaseChecks runs the current phase's named checks and returns the
// first failure.
func (e *Engine) RunPhaseChecks(ctx context.Context, id string) error {
	st, proto, err := e.Load(id)
	if err != nil {
		return err
	}
	if st.Complete() {
		return nil
	}
	phase, _ := proto.Phase(st.Phase)
	return e.runChecks(ctx, phase)
}
