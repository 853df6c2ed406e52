package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasedrive/phasedrive/internal/artifacts"
	"github.com/phasedrive/phasedrive/internal/config"
	"github.com/phasedrive/phasedrive/internal/engine"
	"github.com/phasedrive/phasedrive/internal/protocol"
	"github.com/phasedrive/phasedrive/internal/state"
)

const plannerProtocolDef = `
name: PLANFLOW
version: 1
phases:
  - id: specify
    name: Specify
    type: one_shot
    build:
      prompt: prompts/specify.md
      artifact: "{project}/spec.md"
    verify:
      reviewers: [architect, qa]
      kind: spec
      parallel: false
    gate: specify_approval
  - id: review
    name: Review
    type: build_verify
    build:
      prompt: prompts/review.md
      artifact: "{project}/review.md"
    verify:
      reviewers: [qa]
      kind: release
      parallel: false
`

type harness struct {
	planner  *Planner
	engine   *engine.Engine
	store    *state.Store
	workDir  string
	protoDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	home := t.TempDir()
	work := t.TempDir()

	protoDir := filepath.Join(home, "protocols")
	require.NoError(t, os.MkdirAll(protoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(protoDir, "planflow.yaml"), []byte(plannerProtocolDef), 0o644))

	cfg := &config.Config{
		HomeDir:          home,
		WorkDir:          work,
		MaxIterations:    3,
		BuildRetries:     2,
		RetryBaseDelay:   time.Millisecond,
		CircuitThreshold: 3,
		LockStaleAfter:   10 * time.Minute,
		LockWaitTimeout:  200 * time.Millisecond,
		LockPollInterval: 10 * time.Millisecond,
	}

	st := state.NewStore(home, zerolog.Nop())
	paths := &artifacts.Resolver{WorkDir: work}
	eng := engine.New(engine.Options{
		Config:    cfg,
		Store:     st,
		Locker:    state.NewLocker(home, cfg.LockStaleAfter, cfg.LockWaitTimeout, cfg.LockPollInterval, zerolog.Nop()),
		Protocols: &protocol.Loader{Dir: protoDir},
		Paths:     paths,
		Logger:    zerolog.Nop(),
	})

	return &harness{
		planner:  New(eng, paths, zerolog.Nop()),
		engine:   eng,
		store:    st,
		workDir:  work,
		protoDir: protoDir,
	}
}

func (h *harness) writeArtifact(t *testing.T, project, name, content string) {
	t.Helper()
	path := filepath.Join(h.workDir, project, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNextEmitsBuildTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Init(ctx, "planflow", "p1", "P1")
	require.NoError(t, err)

	plan, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusTasks, plan.Status)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "build", plan.Tasks[0].Kind)
	assert.Equal(t, "specify", plan.Tasks[0].Phase)
	assert.Equal(t, 1, plan.Tasks[0].Iteration)
	assert.Equal(t, "prompts/specify.md", plan.Tasks[0].Prompt)
}

func TestNextIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Init(ctx, "planflow", "p1", "P1")
	require.NoError(t, err)

	first, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	second, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "no filesystem change, same answer")
}

func TestNextAbsorbsFinishedBuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Init(ctx, "planflow", "p1", "P1")
	require.NoError(t, err)

	h.writeArtifact(t, "p1", "spec.md", "# Spec\nBody.\n")

	plan, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusTasks, plan.Status)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "verify", plan.Tasks[0].Kind)
	assert.Equal(t, []string{"architect", "qa"}, plan.Tasks[0].Reviewers)

	// The absorbed build is now persisted.
	st, _, err := h.engine.Load("p1")
	require.NoError(t, err)
	assert.True(t, st.BuildComplete)

	// And the answer stays stable.
	again, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan, again)
}

func TestNextGatePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Init(ctx, "planflow", "p1", "P1")
	require.NoError(t, err)

	// Put the project at a requested gate by hand.
	st, _, err := h.engine.Load("p1")
	require.NoError(t, err)
	now := time.Now()
	st.Gates["specify_approval"].RequestedAt = &now
	st.AwaitingInput = true
	require.NoError(t, h.store.Write(st))

	h.writeArtifact(t, "p1", "spec.md", "# Spec\nBody without approval.\n")

	plan, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusGatePending, plan.Status)
	assert.Equal(t, "specify_approval", plan.Gate)
}

func TestNextPreApprovalShortcut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Init(ctx, "planflow", "p1", "P1")
	require.NoError(t, err)

	h.writeArtifact(t, "p1", "spec.md", "---\napproved: true\n---\n# Spec\n")

	plan, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusTasks, plan.Status)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "review", plan.Tasks[0].Phase, "gated phase skipped on artifact approval")

	st, _, err := h.engine.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, "review", st.Phase)
	g, _ := st.Gate("specify_approval")
	assert.Equal(t, state.GateApproved, g.Status)
}

func TestNextExtractsPlanPhases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := `
name: SUBFLOW
version: 1
phases:
  - id: plan
    name: Plan
    type: one_shot
    build:
      prompt: prompts/plan.md
      artifact: "{project}/plan.md"
    verify:
      reviewers: [architect]
      kind: plan
      parallel: false
  - id: implement
    name: Implement
    type: per_plan_phase
    build:
      prompt: prompts/implement.md
      artifact: "{project}/build-notes.md"
    verify:
      reviewers: [qa]
      kind: code
      parallel: false
`
	require.NoError(t, os.WriteFile(filepath.Join(h.protoDir, "subflow.yaml"), []byte(def), 0o644))

	_, err := h.engine.Init(ctx, "subflow", "p1", "P1")
	require.NoError(t, err)

	h.writeArtifact(t, "p1", "plan.md", "# Plan\n\n## Phase 1: Scaffolding\n\n## Phase 2: Endpoints\n")

	st, _, err := h.engine.Load("p1")
	require.NoError(t, err)
	st.Phase = "implement"
	require.NoError(t, h.store.Write(st))

	plan, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusTasks, plan.Status)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "build", plan.Tasks[0].Kind)
	assert.Equal(t, "phase-1", plan.Tasks[0].PlanPhase, "first plan phase framed into the task")

	st, _, err = h.engine.Load("p1")
	require.NoError(t, err)
	require.Len(t, st.PlanPhases, 2)
	assert.Equal(t, "phase-1", st.CurrentPlanPhase)
}

func TestNextComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Init(ctx, "planflow", "p1", "P1")
	require.NoError(t, err)

	st, _, err := h.engine.Load("p1")
	require.NoError(t, err)
	st.Phase = "complete"
	require.NoError(t, h.store.Write(st))

	plan, err := h.planner.Next(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, plan.Status)
}
