package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordAndHistory(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	j.Record(ctx, Event{ProjectID: "p1", Kind: KindInit, Phase: "specify"})
	j.Record(ctx, Event{ProjectID: "p1", Kind: KindBuildStarted, Phase: "specify", Iteration: 1})
	j.Record(ctx, Event{ProjectID: "p2", Kind: KindInit, Phase: "implement"})
	j.Record(ctx, Event{ProjectID: "p1", Kind: KindGateRequested, Phase: "specify", Detail: "specify_approval"})

	events, err := j.History(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, KindInit, events[0].Kind)
	assert.Equal(t, KindBuildStarted, events[1].Kind)
	assert.Equal(t, KindGateRequested, events[2].Kind)
	assert.Equal(t, "specify_approval", events[2].Detail)
	assert.NotEmpty(t, events[0].ID)

	limited, err := j.History(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := j.History(ctx, "p9", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
