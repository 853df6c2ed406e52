package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

const lockFileName = "lock.yaml"

// lockRecord identifies the holder of an advisory project lock.
type lockRecord struct {
	PID       int       `yaml:"pid"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Locker serializes engine runs per project with an advisory lock file.
// A lock older than StaleAfter is presumed abandoned by a crashed run and
// is reclaimed; otherwise acquisition polls until WaitTimeout and then
// fails with ErrLockHeld.
type Locker struct {
	root         string
	StaleAfter   time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// NewLocker creates a locker over the same root as the state store.
func NewLocker(dir string, staleAfter, waitTimeout, pollInterval time.Duration, logger zerolog.Logger) *Locker {
	return &Locker{
		root:         dir,
		StaleAfter:   staleAfter,
		WaitTimeout:  waitTimeout,
		PollInterval: pollInterval,
		logger:       logger.With().Str("component", "state-lock").Logger(),
		now:          time.Now,
	}
}

func (l *Locker) lockPath(projectID string) string {
	return filepath.Join(l.root, "projects", projectID, lockFileName)
}

// Acquire takes the project lock, waiting up to WaitTimeout for a live
// holder to release it. The returned release function removes the lock
// and is safe to call once.
func (l *Locker) Acquire(ctx context.Context, projectID string) (func(), error) {
	deadline := l.now().Add(l.WaitTimeout)
	path := l.lockPath(projectID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	for {
		ok, err := l.tryAcquire(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { os.Remove(path) }, nil
		}
		if l.now().After(deadline) {
			holder := l.describeHolder(path)
			return nil, fmt.Errorf("%w: project %s%s", perrors.ErrLockHeld, projectID, holder)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.PollInterval):
		}
	}
}

func (l *Locker) tryAcquire(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return false, fmt.Errorf("create lock: %w", err)
		}
		if l.reclaimStale(path) {
			return false, nil // removed, retry the exclusive create
		}
		return false, nil
	}
	defer f.Close()

	rec := lockRecord{PID: os.Getpid(), CreatedAt: l.now()}
	data, err := yaml.Marshal(rec)
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("write lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("flush lock: %w", err)
	}
	return true, nil
}

// reclaimStale removes a lock file that is unreadable, unparseable, or
// older than StaleAfter. Returns true when the lock was removed.
func (l *Locker) reclaimStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Raced with a release; the retry will see the truth.
		return os.IsNotExist(err)
	}
	var rec lockRecord
	if yaml.Unmarshal(data, &rec) != nil || rec.CreatedAt.IsZero() {
		l.logger.Warn().Str("path", path).Msg("removing unreadable lock file")
		return os.Remove(path) == nil
	}
	if l.now().Sub(rec.CreatedAt) > l.StaleAfter {
		l.logger.Warn().Int("pid", rec.PID).Time("created_at", rec.CreatedAt).
			Msg("reclaiming stale lock")
		return os.Remove(path) == nil
	}
	return false
}

func (l *Locker) describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var rec lockRecord
	if yaml.Unmarshal(data, &rec) != nil {
		return ""
	}
	return fmt.Sprintf(" (held by pid %d since %s)", rec.PID, rec.CreatedAt.Format(time.RFC3339))
}
