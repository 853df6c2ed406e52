package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

func TestLoadBuiltinSPIR(t *testing.T) {
	loader := &Loader{}

	p, err := loader.Load("SPIR")
	require.NoError(t, err)
	assert.Equal(t, "SPIR", p.Name)
	require.Len(t, p.Phases, 4)

	// Declaration order fixes the next pointers.
	assert.Equal(t, "plan", p.Phases[0].Next)
	assert.Equal(t, "implement", p.Phases[1].Next)
	assert.Equal(t, "review", p.Phases[2].Next)
	assert.Equal(t, TerminalPhase, p.Phases[3].Next)

	impl, ok := p.Phase("implement")
	require.True(t, ok)
	assert.Equal(t, PhasePerPlanPhase, impl.Type)
	assert.Equal(t, 3, impl.MaxIterations)
	assert.True(t, impl.OnComplete.Push)
}

func TestLoadByAlias(t *testing.T) {
	loader := &Loader{}

	for _, name := range []string{"spir", "default", "Spir"} {
		p, err := loader.Load(name)
		require.NoError(t, err, name)
		assert.Equal(t, "SPIR", p.Name)
	}
}

func TestLoadUnknownProtocol(t *testing.T) {
	loader := &Loader{}

	_, err := loader.Load("waterfall")
	assert.ErrorIs(t, err, perrors.ErrProtocolNotFound)

	_, err = loader.Load("")
	assert.ErrorIs(t, err, perrors.ErrProtocolNotFound)
}

func TestDiskDefinitionShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	def := `
name: SPIR
version: 2
phases:
  - id: build
    name: Build
    type: build_verify
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spir.yaml"), []byte(def), 0o644))
	loader := &Loader{Dir: dir}

	p, err := loader.Load("spir")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	require.Len(t, p.Phases, 1)
}

func TestAllSorted(t *testing.T) {
	loader := &Loader{}

	all, err := loader.All()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{"unknown field", "name: X\nphases:\n  - id: a\n    type: one_shot\n    bogus: true\n"},
		{"no phases", "name: X\nphases: []\n"},
		{"no name", "phases:\n  - id: a\n    type: one_shot\n"},
		{"duplicate id", "name: X\nphases:\n  - id: a\n    type: one_shot\n  - id: a\n    type: one_shot\n"},
		{"terminal collision", "name: X\nphases:\n  - id: complete\n    type: one_shot\n"},
		{"unknown type", "name: X\nphases:\n  - id: a\n    type: waterfall\n"},
		{"self gate", "name: X\nphases:\n  - id: a\n    type: one_shot\n    gate: a\n"},
		{"duplicate gate", "name: X\nphases:\n  - id: a\n    type: one_shot\n    gate: g\n  - id: b\n    type: one_shot\n    gate: g\n"},
		{"dangling next", "name: X\nphases:\n  - id: a\n    type: one_shot\n    next: z\n"},
		{"negative iterations", "name: X\nphases:\n  - id: a\n    type: one_shot\n    max_iterations: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.def))
			assert.ErrorIs(t, err, perrors.ErrProtocolInvalid)
		})
	}
}

func TestGateNames(t *testing.T) {
	loader := &Loader{}
	p, err := loader.Load("spir")
	require.NoError(t, err)
	assert.Equal(t, []string{"specify_approval", "plan_approval", "release_approval"}, p.GateNames())
}
