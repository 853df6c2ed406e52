package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	return NewLocker(t.TempDir(), 10*time.Minute, 100*time.Millisecond, 10*time.Millisecond, zerolog.Nop())
}

func TestLockerAcquireRelease(t *testing.T) {
	l := newTestLocker(t)

	release, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	_, err = os.Stat(l.lockPath("p1"))
	assert.NoError(t, err, "lock file should exist while held")

	release()
	_, err = os.Stat(l.lockPath("p1"))
	assert.True(t, os.IsNotExist(err), "lock file should be gone after release")
}

func TestLockerHeldFailsAfterWait(t *testing.T) {
	l := newTestLocker(t)

	release, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), "p1")
	assert.ErrorIs(t, err, perrors.ErrLockHeld)
}

func TestLockerIndependentProjects(t *testing.T) {
	l := newTestLocker(t)

	r1, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer r1()

	r2, err := l.Acquire(context.Background(), "p2")
	require.NoError(t, err)
	defer r2()
}

func TestLockerReclaimsStaleLock(t *testing.T) {
	l := newTestLocker(t)
	path := l.lockPath("p1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	stale := lockRecord{PID: 99999, CreatedAt: time.Now().Add(-time.Hour)}
	data, err := yaml.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	release, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer release()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec lockRecord
	require.NoError(t, yaml.Unmarshal(got, &rec))
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestLockerRemovesUnreadableLock(t *testing.T) {
	l := newTestLocker(t)
	path := l.lockPath("p1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{{{ junk"), 0o644))

	release, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	release()
}

func TestLockerRespectsContext(t *testing.T) {
	l := newTestLocker(t)
	l.WaitTimeout = time.Minute

	release, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
