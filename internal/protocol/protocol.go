// Package protocol defines phase protocols: the declarative, ordered phase
// lists that drive a project from first artifact to completion.
package protocol

import (
	"fmt"
	"strings"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

// PhaseType determines how the engine drives a phase.
type PhaseType string

const (
	// PhaseOneShot produces a single artifact and verifies it.
	PhaseOneShot PhaseType = "one_shot"
	// PhasePerPlanPhase subdivides work into plan phases extracted from a
	// planning artifact; each sub-phase runs its own build/verify cycle.
	PhasePerPlanPhase PhaseType = "per_plan_phase"
	// PhaseBuildVerify is a plain build/verify cycle without an approval
	// artifact of its own.
	PhaseBuildVerify PhaseType = "build_verify"
)

// TerminalPhase is the sentinel value of a next pointer (and of
// ProjectState.Phase) when the protocol has run to completion.
const TerminalPhase = "complete"

// BuildConfig describes how a phase's artifact is produced.
type BuildConfig struct {
	Prompt   string `yaml:"prompt"`
	Artifact string `yaml:"artifact"`
}

// VerifyConfig describes the automated review of a phase's artifact.
type VerifyConfig struct {
	Reviewers []string `yaml:"reviewers"`
	Kind      string   `yaml:"kind"`
	Parallel  bool     `yaml:"parallel"`
}

// Check is a named shell command run before a phase can complete.
type Check struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// OnComplete lists actions run after a phase's final verification passes.
type OnComplete struct {
	Commit      bool `yaml:"commit"`
	Push        bool `yaml:"push"`
	PullRequest bool `yaml:"pull_request"`
}

// PhaseDefinition is one declared phase of a protocol.
type PhaseDefinition struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Type          PhaseType     `yaml:"type"`
	Build         *BuildConfig  `yaml:"build,omitempty"`
	Verify        *VerifyConfig `yaml:"verify,omitempty"`
	MaxIterations int           `yaml:"max_iterations,omitempty"` // 0 = policy default
	Gate          string        `yaml:"gate,omitempty"`
	Checks        []Check       `yaml:"checks,omitempty"`
	OnComplete    OnComplete    `yaml:"on_complete,omitempty"`
	Next          string        `yaml:"next,omitempty"` // computed from order when empty
}

// Protocol is an ordered phase list looked up by name or alias.
type Protocol struct {
	Name    string            `yaml:"name"`
	Version int               `yaml:"version"`
	Aliases []string          `yaml:"aliases,omitempty"`
	Phases  []PhaseDefinition `yaml:"phases"`
}

// Phase returns the definition for the given phase id.
func (p *Protocol) Phase(id string) (PhaseDefinition, bool) {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph, true
		}
	}
	return PhaseDefinition{}, false
}

// First returns the protocol's first phase.
func (p *Protocol) First() PhaseDefinition {
	return p.Phases[0]
}

// Matches reports whether the protocol answers to the given name or alias.
func (p *Protocol) Matches(name string) bool {
	if strings.EqualFold(p.Name, name) {
		return true
	}
	for _, a := range p.Aliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// GateNames returns the gate declared by each phase, in declaration order.
func (p *Protocol) GateNames() []string {
	var out []string
	for _, ph := range p.Phases {
		if ph.Gate != "" {
			out = append(out, ph.Gate)
		}
	}
	return out
}

// normalize fills computed fields: phases with no explicit next pointer
// chain in declaration order, and the last phase terminates.
func (p *Protocol) normalize() {
	for i := range p.Phases {
		if p.Phases[i].Next != "" {
			continue
		}
		if i == len(p.Phases)-1 {
			p.Phases[i].Next = TerminalPhase
		} else {
			p.Phases[i].Next = p.Phases[i+1].ID
		}
	}
}

// validate checks structural invariants. It fails loudly rather than
// defaulting: a protocol that cannot be trusted must not drive a project.
func (p *Protocol) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: protocol name is required", perrors.ErrProtocolInvalid)
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("%w: protocol %s declares no phases", perrors.ErrProtocolInvalid, p.Name)
	}
	ids := make(map[string]struct{}, len(p.Phases))
	gates := make(map[string]string)
	for _, ph := range p.Phases {
		if ph.ID == "" {
			return fmt.Errorf("%w: protocol %s has a phase with no id", perrors.ErrProtocolInvalid, p.Name)
		}
		if ph.ID == TerminalPhase {
			return fmt.Errorf("%w: phase id %q collides with the terminal sentinel", perrors.ErrProtocolInvalid, ph.ID)
		}
		if _, dup := ids[ph.ID]; dup {
			return fmt.Errorf("%w: duplicate phase id %q", perrors.ErrProtocolInvalid, ph.ID)
		}
		ids[ph.ID] = struct{}{}
		switch ph.Type {
		case PhaseOneShot, PhasePerPlanPhase, PhaseBuildVerify:
		default:
			return fmt.Errorf("%w: phase %s has unknown type %q", perrors.ErrProtocolInvalid, ph.ID, ph.Type)
		}
		if ph.Gate != "" {
			if ph.Gate == ph.ID {
				return fmt.Errorf("%w: phase %s declares a self-referential gate", perrors.ErrProtocolInvalid, ph.ID)
			}
			if owner, dup := gates[ph.Gate]; dup {
				return fmt.Errorf("%w: gate %q declared by both %s and %s", perrors.ErrProtocolInvalid, ph.Gate, owner, ph.ID)
			}
			gates[ph.Gate] = ph.ID
		}
		if ph.MaxIterations < 0 {
			return fmt.Errorf("%w: phase %s has negative max_iterations", perrors.ErrProtocolInvalid, ph.ID)
		}
	}
	for _, ph := range p.Phases {
		if ph.Next == TerminalPhase {
			continue
		}
		if _, ok := ids[ph.Next]; !ok {
			return fmt.Errorf("%w: phase %s points to unknown next phase %q", perrors.ErrProtocolInvalid, ph.ID, ph.Next)
		}
	}
	return nil
}
