// Package state holds the durable per-project workflow record and the
// crash-safe store that persists it.
package state

import (
	"fmt"
	"time"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
	"github.com/phasedrive/phasedrive/internal/protocol"
)

// GateStatus is the lifecycle of a human-approval checkpoint.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
)

// Gate is a human-approval checkpoint blocking phase advance.
type Gate struct {
	Name        string     `yaml:"name" json:"name"`
	Status      GateStatus `yaml:"status" json:"status"`
	RequestedAt *time.Time `yaml:"requested_at,omitempty" json:"requested_at,omitempty"`
	ApprovedAt  *time.Time `yaml:"approved_at,omitempty" json:"approved_at,omitempty"`
}

// Requested reports whether the gate has been opened for human review.
func (g *Gate) Requested() bool { return g.RequestedAt != nil }

// PlanPhaseStatus is the lifecycle of one plan sub-phase.
type PlanPhaseStatus string

const (
	PlanPhasePending    PlanPhaseStatus = "pending"
	PlanPhaseInProgress PlanPhaseStatus = "in_progress"
	PlanPhaseComplete   PlanPhaseStatus = "complete"
)

// PlanPhase is a sub-unit of a per-plan-phase phase, extracted from the
// planning artifact.
type PlanPhase struct {
	ID     string          `yaml:"id" json:"id"`
	Title  string          `yaml:"title" json:"title"`
	Status PlanPhaseStatus `yaml:"status" json:"status"`
}

// Verdict is the outcome of one reviewer's pass.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
	VerdictComment        Verdict = "comment"
	VerdictError          Verdict = "error"
)

// ReviewResult records one reviewer's verdict for one iteration.
type ReviewResult struct {
	Reviewer string  `yaml:"reviewer" json:"reviewer"`
	Verdict  Verdict `yaml:"verdict" json:"verdict"`
	Output   string  `yaml:"output,omitempty" json:"output,omitempty"` // path to the captured review output
}

// IterationRecord is the audit record of one build/verify cycle. Records
// are keyed by (iteration, plan_phase) so sub-phase cycles stay
// disambiguated.
type IterationRecord struct {
	Iteration   int            `yaml:"iteration" json:"iteration"`
	PlanPhase   string         `yaml:"plan_phase,omitempty" json:"plan_phase,omitempty"`
	BuildOutput string         `yaml:"build_output,omitempty" json:"build_output,omitempty"`
	Reviews     []ReviewResult `yaml:"reviews,omitempty" json:"reviews,omitempty"`
	CostUSD     float64        `yaml:"cost_usd,omitempty" json:"cost_usd,omitempty"`
	DurationMS  int64          `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`
}

// ProjectState is the single durable record of a project's progress
// through its protocol. It is mutated only by the engine's transition
// functions and persisted through Store.
type ProjectState struct {
	ID               string            `yaml:"id" json:"id"`
	Title            string            `yaml:"title" json:"title"`
	Protocol         string            `yaml:"protocol" json:"protocol"`
	Phase            string            `yaml:"phase" json:"phase"`
	Iteration        int               `yaml:"iteration" json:"iteration"`
	BuildComplete    bool              `yaml:"build_complete" json:"build_complete"`
	Gates            map[string]*Gate  `yaml:"gates,omitempty" json:"gates,omitempty"`
	PlanPhases       []PlanPhase       `yaml:"plan_phases,omitempty" json:"plan_phases,omitempty"`
	CurrentPlanPhase string            `yaml:"current_plan_phase,omitempty" json:"current_plan_phase,omitempty"`
	History          []IterationRecord `yaml:"history,omitempty" json:"history,omitempty"`
	AwaitingInput    bool              `yaml:"awaiting_input" json:"awaiting_input"`
	Context          map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
	StartedAt        time.Time         `yaml:"started_at" json:"started_at"`
	UpdatedAt        time.Time         `yaml:"updated_at" json:"updated_at"`
}

// New seeds a fresh project record from the protocol's first phase.
func New(id, title string, proto *protocol.Protocol, now time.Time) *ProjectState {
	first := proto.First()
	s := &ProjectState{
		ID:        id,
		Title:     title,
		Protocol:  proto.Name,
		Phase:     first.ID,
		Iteration: 1,
		Gates:     map[string]*Gate{},
		Context:   map[string]string{},
		StartedAt: now,
		UpdatedAt: now,
	}
	s.EnsureGate(first)
	return s
}

// Complete reports whether the project has reached the terminal sentinel.
func (s *ProjectState) Complete() bool {
	return s.Phase == protocol.TerminalPhase
}

// EnsureGate registers the phase's declared gate (if any) as pending. The
// gates map accumulates every gate declared by phases reached so far; an
// already-registered gate is left untouched.
func (s *ProjectState) EnsureGate(phase protocol.PhaseDefinition) {
	if phase.Gate == "" {
		return
	}
	if s.Gates == nil {
		s.Gates = map[string]*Gate{}
	}
	if _, ok := s.Gates[phase.Gate]; !ok {
		s.Gates[phase.Gate] = &Gate{Name: phase.Gate, Status: GatePending}
	}
}

// Gate returns the named gate, if registered.
func (s *ProjectState) Gate(name string) (*Gate, bool) {
	g, ok := s.Gates[name]
	return g, ok
}

// CurrentPlan returns the active plan phase, if any.
func (s *ProjectState) CurrentPlan() (PlanPhase, bool) {
	for _, pp := range s.PlanPhases {
		if pp.ID == s.CurrentPlanPhase {
			return pp, true
		}
	}
	return PlanPhase{}, false
}

// RecordIteration appends an iteration record, replacing any prior record
// with the same (iteration, plan_phase) key so a re-run of a cycle never
// duplicates history.
func (s *ProjectState) RecordIteration(rec IterationRecord) {
	for i, existing := range s.History {
		if existing.Iteration == rec.Iteration && existing.PlanPhase == rec.PlanPhase {
			s.History[i] = rec
			return
		}
	}
	s.History = append(s.History, rec)
}

// IterationsFor returns history records for the given plan phase key
// (empty for the outer phase), in recording order.
func (s *ProjectState) IterationsFor(planPhase string) []IterationRecord {
	var out []IterationRecord
	for _, rec := range s.History {
		if rec.PlanPhase == planPhase {
			out = append(out, rec)
		}
	}
	return out
}

// ResetCycle clears per-cycle progress after a phase or plan-phase advance.
func (s *ProjectState) ResetCycle() {
	s.Iteration = 1
	s.BuildComplete = false
}

// Validate checks the record's invariants against its protocol.
func (s *ProjectState) Validate(proto *protocol.Protocol) error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing project id", perrors.ErrStateCorrupt)
	}
	if s.Iteration < 1 {
		return fmt.Errorf("%w: iteration %d < 1", perrors.ErrStateCorrupt, s.Iteration)
	}
	if s.Complete() {
		return nil
	}
	phase, ok := proto.Phase(s.Phase)
	if !ok {
		return fmt.Errorf("%w: phase %q not in protocol %s", perrors.ErrStateCorrupt, s.Phase, proto.Name)
	}
	if len(s.PlanPhases) > 0 && phase.Type != protocol.PhasePerPlanPhase {
		return fmt.Errorf("%w: plan phases present outside a per-plan-phase phase", perrors.ErrStateCorrupt)
	}
	return nil
}
