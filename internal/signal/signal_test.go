package signal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phasedrive/phasedrive/internal/state"
)

const filler = "The implementation adds the requested endpoint handlers and covers them with table tests.\n"

func TestExtractCompletion(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Completion
	}{
		{"none", "just some build output\n", CompletionNone},
		{"phase complete", "work done\nPHASE_COMPLETE\n", CompletionPhase},
		{"with detail", "PHASE_COMPLETE: implement\n", CompletionPhase},
		{"all complete", "ALL_COMPLETE\n", CompletionAll},
		{"blocked", "cannot proceed\nBLOCKED: missing credentials\n", CompletionBlocked},
		{"last wins", "PHASE_COMPLETE\nmore work\nBLOCKED: regression found\n", CompletionBlocked},
		{"template echo then real", "emit PHASE_COMPLETE when done\n...\nALL_COMPLETE\n", CompletionAll},
		{"marker in prose ignored", "we will be BLOCKED on review capacity\n", CompletionNone},
		{"bulleted marker", "- PHASE_COMPLETE\n", CompletionPhase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCompletion(tt.text))
		})
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name string
		text string
		want state.Verdict
	}{
		{"explicit approve", filler + "VERDICT: APPROVE\n", state.VerdictApprove},
		{"explicit request changes", filler + "VERDICT: REQUEST_CHANGES\n", state.VerdictRequestChanges},
		{"explicit comment", filler + "VERDICT: COMMENT\n", state.VerdictComment},
		{"lowercase", filler + "verdict: approve\n", state.VerdictApprove},
		{"bold marker", filler + "**VERDICT: APPROVE**\n", state.VerdictApprove},
		{"bulleted marker", filler + "- VERDICT: COMMENT\n", state.VerdictComment},
		{"trailing verdict outranks echo", filler + "VERDICT: APPROVE\n" + filler + "VERDICT: REQUEST_CHANGES\n", state.VerdictRequestChanges},
		{"template echo only counts as last", "End with VERDICT: REQUEST_CHANGES if issues remain.\n" + filler + "VERDICT: APPROVE\n", state.VerdictApprove},
		{"no marker", filler + filler, state.VerdictRequestChanges},
		{"empty", "", state.VerdictRequestChanges},
		{"truncated output", "VERDICT: APPROVE", state.VerdictRequestChanges},
		{"whitespace only", strings.Repeat(" \n", 100), state.VerdictRequestChanges},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVerdict(tt.text))
		})
	}
}
