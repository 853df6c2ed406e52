package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

func TestNewSeedsFirstPhase(t *testing.T) {
	proto := testProtocol(t)
	st := New("p1", "Project One", proto, time.Now())

	assert.Equal(t, "specify", st.Phase)
	assert.Equal(t, 1, st.Iteration)
	assert.False(t, st.BuildComplete)
	g, ok := st.Gate("specify_approval")
	require.True(t, ok, "first phase gate should be registered at init")
	assert.Equal(t, GatePending, g.Status)
	assert.False(t, g.Requested())
}

func TestEnsureGateIdempotent(t *testing.T) {
	proto := testProtocol(t)
	st := New("p1", "P1", proto, time.Now())

	now := time.Now()
	st.Gates["specify_approval"].RequestedAt = &now

	first := proto.First()
	st.EnsureGate(first)
	assert.True(t, st.Gates["specify_approval"].Requested(), "re-registering must not reset a gate")
}

func TestRecordIterationReplacesSameKey(t *testing.T) {
	st := New("p1", "P1", testProtocol(t), time.Now())

	st.RecordIteration(IterationRecord{Iteration: 1, PlanPhase: "phase-1", BuildOutput: "a"})
	st.RecordIteration(IterationRecord{Iteration: 1, PlanPhase: "phase-2", BuildOutput: "b"})
	st.RecordIteration(IterationRecord{Iteration: 1, PlanPhase: "phase-1", BuildOutput: "c"})

	require.Len(t, st.History, 2)
	got := st.IterationsFor("phase-1")
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].BuildOutput)
}

func TestCurrentPlan(t *testing.T) {
	st := New("p1", "P1", testProtocol(t), time.Now())
	st.PlanPhases = []PlanPhase{
		{ID: "phase-1", Title: "Scaffolding", Status: PlanPhaseComplete},
		{ID: "phase-2", Title: "Endpoints", Status: PlanPhaseInProgress},
	}
	st.CurrentPlanPhase = "phase-2"

	pp, ok := st.CurrentPlan()
	require.True(t, ok)
	assert.Equal(t, "Endpoints", pp.Title)

	st.CurrentPlanPhase = "phase-9"
	_, ok = st.CurrentPlan()
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	proto := testProtocol(t)

	tests := []struct {
		name    string
		mutate  func(*ProjectState)
		wantErr bool
	}{
		{name: "fresh state is valid", mutate: func(s *ProjectState) {}},
		{name: "terminal state is valid", mutate: func(s *ProjectState) { s.Phase = "complete" }},
		{name: "missing id", mutate: func(s *ProjectState) { s.ID = "" }, wantErr: true},
		{name: "zero iteration", mutate: func(s *ProjectState) { s.Iteration = 0 }, wantErr: true},
		{name: "unknown phase", mutate: func(s *ProjectState) { s.Phase = "deploy" }, wantErr: true},
		{
			name: "plan phases outside per-plan-phase",
			mutate: func(s *ProjectState) {
				s.PlanPhases = []PlanPhase{{ID: "phase-1", Title: "X", Status: PlanPhasePending}}
			},
			wantErr: true,
		},
		{
			name: "plan phases inside implement",
			mutate: func(s *ProjectState) {
				s.Phase = "implement"
				s.PlanPhases = []PlanPhase{{ID: "phase-1", Title: "X", Status: PlanPhasePending}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := New("p1", "P1", proto, time.Now())
			tt.mutate(st)
			err := st.Validate(proto)
			if tt.wantErr {
				assert.ErrorIs(t, err, perrors.ErrStateCorrupt)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
