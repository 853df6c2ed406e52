package planfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
	"github.com/phasedrive/phasedrive/internal/state"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractFencedYAML(t *testing.T) {
	path := writePlan(t, `# Plan

Some prose first.

`+"```yaml"+`
phases:
  - id: scaffolding
    title: Project scaffolding
  - id: endpoints
    title: HTTP endpoints
  - title: Hardening
`+"```"+`

## 1. This heading must not be picked up
`)

	phases, err := Extract(path)
	require.NoError(t, err)
	require.Len(t, phases, 3)

	assert.Equal(t, "scaffolding", phases[0].ID)
	assert.Equal(t, state.PlanPhaseInProgress, phases[0].Status)
	assert.Equal(t, "endpoints", phases[1].ID)
	assert.Equal(t, state.PlanPhasePending, phases[1].Status)
	assert.Equal(t, "phase-3", phases[2].ID, "missing ids are synthesized from position")
	assert.Equal(t, "Hardening", phases[2].Title)
}

func TestExtractNumberedHeadings(t *testing.T) {
	path := writePlan(t, `# Plan

## Phase 1: Scaffolding
Details.

## 2. Endpoints
More details.

### Phase 3) Hardening
`)

	phases, err := Extract(path)
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, "phase-1", phases[0].ID)
	assert.Equal(t, "Scaffolding", phases[0].Title)
	assert.Equal(t, state.PlanPhaseInProgress, phases[0].Status)
	assert.Equal(t, "Endpoints", phases[1].Title)
	assert.Equal(t, "Hardening", phases[2].Title)
}

func TestExtractFailsLoudly(t *testing.T) {
	_, err := Extract(filepath.Join(t.TempDir(), "absent.md"))
	assert.ErrorIs(t, err, perrors.ErrPlanMissing)

	path := writePlan(t, "# Plan\n\nNo phases anywhere.\n")
	_, err = Extract(path)
	assert.ErrorIs(t, err, perrors.ErrPlanMissing)
}

func TestAdvance(t *testing.T) {
	phases := []state.PlanPhase{
		{ID: "a", Title: "A", Status: state.PlanPhaseInProgress},
		{ID: "b", Title: "B", Status: state.PlanPhasePending},
		{ID: "c", Title: "C", Status: state.PlanPhasePending},
	}

	next, done, err := Advance(phases, "a")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, state.PlanPhaseComplete, next[0].Status)
	assert.Equal(t, state.PlanPhaseInProgress, next[1].Status)
	assert.Equal(t, state.PlanPhasePending, next[2].Status)

	// Input slice is untouched.
	assert.Equal(t, state.PlanPhaseInProgress, phases[0].Status)

	next, done, err = Advance(next, "b")
	require.NoError(t, err)
	assert.False(t, done)

	next, done, err = Advance(next, "c")
	require.NoError(t, err)
	assert.True(t, done, "completing the tail phase signals container exit")
	for _, p := range next {
		assert.Equal(t, state.PlanPhaseComplete, p.Status)
	}
}

func TestAdvanceUnknownPhase(t *testing.T) {
	phases := []state.PlanPhase{{ID: "a", Status: state.PlanPhaseInProgress}}
	_, _, err := Advance(phases, "zz")
	assert.ErrorIs(t, err, perrors.ErrPlanMissing)
}
