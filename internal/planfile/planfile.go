// Package planfile extracts the ordered plan-phase list from a planning
// artifact and tracks progression through it.
package planfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
	"github.com/phasedrive/phasedrive/internal/state"
)

// phaseList is the machine-readable form embedded in a fenced yaml block.
type phaseList struct {
	Phases []struct {
		ID    string `yaml:"id"`
		Title string `yaml:"title"`
	} `yaml:"phases"`
}

var (
	fencedYAML = regexp.MustCompile("(?s)```ya?ml\\s*\\n(.*?)```")
	// Numbered section headers, e.g. "## Phase 2: Endpoints" or "## 2. Endpoints".
	numberedHeading = regexp.MustCompile(`(?m)^#{2,4}\s*(?:Phase\s+)?(\d+)[.:)]?\s+(.+?)\s*$`)
)

// Extract parses the plan artifact into an ordered phase list. A fenced
// yaml block with a phases key wins; numbered section headers are the
// fallback. The first phase comes back in_progress, the rest pending.
// A missing or phaseless artifact is an error.
func Extract(path string) ([]state.PlanPhase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: plan artifact %s: %v", perrors.ErrPlanMissing, path, err)
	}

	phases := extractYAML(data)
	if len(phases) == 0 {
		phases = extractHeadings(data)
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("%w: no phases found in %s", perrors.ErrPlanMissing, path)
	}

	phases[0].Status = state.PlanPhaseInProgress
	return phases, nil
}

func extractYAML(data []byte) []state.PlanPhase {
	for _, m := range fencedYAML.FindAllSubmatch(data, -1) {
		var pl phaseList
		if yaml.Unmarshal(m[1], &pl) != nil || len(pl.Phases) == 0 {
			continue
		}
		out := make([]state.PlanPhase, 0, len(pl.Phases))
		for i, p := range pl.Phases {
			id := p.ID
			if id == "" {
				id = fmt.Sprintf("phase-%d", i+1)
			}
			out = append(out, state.PlanPhase{ID: id, Title: p.Title, Status: state.PlanPhasePending})
		}
		return out
	}
	return nil
}

func extractHeadings(data []byte) []state.PlanPhase {
	var out []state.PlanPhase
	for _, m := range numberedHeading.FindAllStringSubmatch(string(data), -1) {
		out = append(out, state.PlanPhase{
			ID:     "phase-" + m[1],
			Title:  strings.TrimSpace(m[2]),
			Status: state.PlanPhasePending,
		})
	}
	return out
}

// Advance marks the current phase complete and the next pending phase
// in_progress. The second return is true when the tail phase was just
// completed, meaning the caller should transition out of the
// per-plan-phase container.
func Advance(phases []state.PlanPhase, currentID string) ([]state.PlanPhase, bool, error) {
	idx := -1
	for i, p := range phases {
		if p.ID == currentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false, fmt.Errorf("%w: plan phase %q not in plan", perrors.ErrPlanMissing, currentID)
	}

	out := make([]state.PlanPhase, len(phases))
	copy(out, phases)
	out[idx].Status = state.PlanPhaseComplete

	for i := idx + 1; i < len(out); i++ {
		if out[i].Status == state.PlanPhasePending {
			out[i].Status = state.PlanPhaseInProgress
			return out, false, nil
		}
	}
	return out, true, nil
}
