// Package planner computes the next batch of work for a project without
// running any of it. It is the read-mostly counterpart to the engine's
// loop: external workers poll it, do the work, and report back.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/phasedrive/phasedrive/internal/artifacts"
	"github.com/phasedrive/phasedrive/internal/engine"
	perrors "github.com/phasedrive/phasedrive/internal/errors"
	"github.com/phasedrive/phasedrive/internal/protocol"
	"github.com/phasedrive/phasedrive/internal/state"
)

// Status classifies what a project needs next.
type Status string

const (
	// StatusTasks means the returned tasks should be executed.
	StatusTasks Status = "tasks"
	// StatusGatePending means a human approval is the only way forward.
	StatusGatePending Status = "gate_pending"
	// StatusComplete means the protocol has run to completion.
	StatusComplete Status = "complete"
)

// Task is one unit of work for an external executor.
type Task struct {
	Kind      string   `json:"kind" yaml:"kind"` // build | verify
	Phase     string   `json:"phase" yaml:"phase"`
	PlanPhase string   `json:"plan_phase,omitempty" yaml:"plan_phase,omitempty"`
	Iteration int      `json:"iteration" yaml:"iteration"`
	Artifact  string   `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Prompt    string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Reviewers []string `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`
}

// Plan is the planner's answer: either tasks to run, a gate to wait on,
// or completion.
type Plan struct {
	Status Status `json:"status" yaml:"status"`
	Tasks  []Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Gate   string `json:"gate,omitempty" yaml:"gate,omitempty"`
}

// maxRecompute bounds the observe-update-recompute loop. Each pass either
// returns or consumes one completed step, so a small constant suffices;
// hitting it means state is cycling and deserves a loud error.
const maxRecompute = 8

// Planner computes next steps. It mutates persisted state only to absorb
// steps that have already completed on disk (artifact present, approval
// metadata present); given unchanged filesystem state its output is
// stable across calls.
type Planner struct {
	engine *engine.Engine
	paths  *artifacts.Resolver
	logger zerolog.Logger
}

// New creates a planner over the engine's state transitions.
func New(eng *engine.Engine, paths *artifacts.Resolver, logger zerolog.Logger) *Planner {
	return &Planner{
		engine: eng,
		paths:  paths,
		logger: logger.With().Str("component", "planner").Logger(),
	}
}

// Next computes the project's next step batch.
func (p *Planner) Next(ctx context.Context, id string) (*Plan, error) {
	for pass := 0; pass < maxRecompute; pass++ {
		st, proto, err := p.engine.Load(id)
		if err != nil {
			return nil, err
		}
		if st.Complete() {
			return &Plan{Status: StatusComplete}, nil
		}

		phase, _ := proto.Phase(st.Phase)
		artifact := ""
		if phase.Build != nil && phase.Build.Artifact != "" {
			artifact = p.paths.ArtifactPath(phase.Build.Artifact, st.ID)
		}

		// Pre-approval shortcut: approval metadata in the artifact stands
		// in for the whole build/verify cycle of a gated phase.
		if phase.Gate != "" && artifact != "" && artifacts.HasApproval(artifact) {
			if _, err := p.engine.ApproveFromArtifact(ctx, id, phase.Gate); err != nil {
				if !errors.Is(err, perrors.ErrGateNotRequested) {
					return nil, err
				}
			} else {
				p.logger.Info().Str("project", id).Str("gate", phase.Gate).
					Msg("gate auto-approved from artifact metadata")
				continue
			}
		}

		if g, ok := st.Gate(phase.Gate); ok && g.Requested() && !gateApproved(g) {
			return &Plan{Status: StatusGatePending, Gate: phase.Gate}, nil
		}

		// Entering a per-plan-phase container extracts the plan before any
		// task can be framed, same as the engine's own loop.
		if phase.Type == protocol.PhasePerPlanPhase && len(st.PlanPhases) == 0 {
			if _, err := p.engine.ExtractPlan(ctx, id); err != nil {
				return nil, err
			}
			continue
		}

		if !st.BuildComplete {
			// Absorb a build that finished since the last call: the
			// artifact on disk is the completion evidence.
			if artifact != "" && artifacts.Exists(artifact) {
				if _, err := p.engine.MarkDone(ctx, id); err != nil {
					return nil, err
				}
				continue
			}
			prompt := ""
			if phase.Build != nil {
				prompt = phase.Build.Prompt
			}
			return &Plan{Status: StatusTasks, Tasks: []Task{{
				Kind:      "build",
				Phase:     st.Phase,
				PlanPhase: st.CurrentPlanPhase,
				Iteration: st.Iteration,
				Artifact:  artifact,
				Prompt:    prompt,
			}}}, nil
		}

		var reviewers []string
		if phase.Verify != nil {
			reviewers = phase.Verify.Reviewers
		}
		return &Plan{Status: StatusTasks, Tasks: []Task{{
			Kind:      "verify",
			Phase:     st.Phase,
			PlanPhase: st.CurrentPlanPhase,
			Iteration: st.Iteration,
			Artifact:  artifact,
			Reviewers: reviewers,
		}}}, nil
	}
	return nil, fmt.Errorf("planner did not converge for project %s", id)
}

func gateApproved(g *state.Gate) bool { return g.Status == state.GateApproved }
