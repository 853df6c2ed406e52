// Package signal parses completion markers and review verdicts out of
// captured subprocess output.
//
// Parsing is deliberately conservative: anything ambiguous reads as
// request_changes, never as approval.
package signal

import (
	"strings"

	"github.com/phasedrive/phasedrive/internal/state"
)

// Completion markers emitted inline by the builder.
const (
	markerPhaseComplete = "PHASE_COMPLETE"
	markerAllComplete   = "ALL_COMPLETE"
	markerBlocked       = "BLOCKED"
)

// Completion is a builder's inline progress signal.
type Completion string

const (
	// CompletionPhase marks the current cycle's work as done.
	CompletionPhase Completion = "phase_complete"
	// CompletionAll marks every remaining plan phase as done.
	CompletionAll Completion = "all_complete"
	// CompletionBlocked marks the builder as stuck and needing a human.
	CompletionBlocked Completion = "blocked"
	// CompletionNone means no marker was found.
	CompletionNone Completion = ""
)

// ExtractCompletion scans for the last inline completion marker. When
// several are present the last one wins, so an early template echo never
// outranks the builder's final word.
func ExtractCompletion(text string) Completion {
	found := CompletionNone
	for _, line := range strings.Split(text, "\n") {
		stripped := stripDecoration(line)
		switch {
		case containsMarker(stripped, markerAllComplete):
			found = CompletionAll
		case containsMarker(stripped, markerPhaseComplete):
			found = CompletionPhase
		case containsMarker(stripped, markerBlocked):
			found = CompletionBlocked
		}
	}
	return found
}

func containsMarker(line, marker string) bool {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	// The marker must stand alone, not be buried in prose about it.
	rest := strings.TrimSpace(line[idx+len(marker):])
	return rest == "" || strings.HasPrefix(rest, ":")
}

// minVerdictLength guards against truncated output: a reviewer that
// produced almost nothing cannot have performed a review.
const minVerdictLength = 50

// verdict marker lines, matched after decoration stripping.
var verdictMarkers = []struct {
	prefix  string
	verdict state.Verdict
}{
	{"VERDICT: APPROVE", state.VerdictApprove},
	{"VERDICT: REQUEST_CHANGES", state.VerdictRequestChanges},
	{"VERDICT: COMMENT", state.VerdictComment},
}

// ParseVerdict extracts a reviewer's verdict. It scans from the end of
// the text backward for an explicit verdict line, so a trailing real
// verdict outranks an earlier template echo. Output below the minimum
// length, or with no marker at all, reads as request_changes.
func ParseVerdict(text string) state.Verdict {
	if len(strings.TrimSpace(text)) < minVerdictLength {
		return state.VerdictRequestChanges
	}

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		stripped := strings.ToUpper(stripDecoration(lines[i]))
		for _, m := range verdictMarkers {
			if strings.HasPrefix(stripped, m.prefix) {
				return m.verdict
			}
		}
	}
	return state.VerdictRequestChanges
}

// stripDecoration removes list bullets, emphasis and heading punctuation
// so a verdict inside markdown decoration still matches.
func stripDecoration(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "#>-*+0123456789. \t")
	s = strings.Trim(s, "*_`")
	return strings.TrimSpace(s)
}
