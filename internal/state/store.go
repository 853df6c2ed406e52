package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

const (
	stateFileName = "state.yaml"
	tempSuffix    = ".tmp"
)

// Store persists project records under root/projects/<id>/. Every write
// is temp-file-then-rename, so a crash at any point leaves either the old
// record or a recoverable temp file, never a torn one.
type Store struct {
	root   string
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		root:   dir,
		logger: logger.With().Str("component", "state-store").Logger(),
		now:    time.Now,
	}
}

// Dir returns the project's directory, creating it if needed.
func (s *Store) Dir(projectID string) (string, error) {
	dir := filepath.Join(s.root, "projects", projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}

func (s *Store) statePath(projectID string) string {
	return filepath.Join(s.root, "projects", projectID, stateFileName)
}

// Read loads the project record, recovering from an interrupted write
// first: a parseable temp file left by a crash is promoted to the real
// record, an unparseable one is discarded.
func (s *Store) Read(projectID string) (*ProjectState, error) {
	path := s.statePath(projectID)
	if err := s.recover(projectID, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: project %s", perrors.ErrStateNotFound, projectID)
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st ProjectState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: project %s: %v", perrors.ErrStateCorrupt, projectID, err)
	}
	if st.ID == "" {
		return nil, fmt.Errorf("%w: project %s: record has no id", perrors.ErrStateCorrupt, projectID)
	}
	return &st, nil
}

// recover resolves a leftover temp file from an interrupted write.
func (s *Store) recover(projectID, path string) error {
	tmp := path + tempSuffix
	data, err := os.ReadFile(tmp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read temp state: %w", err)
	}

	var st ProjectState
	if yaml.Unmarshal(data, &st) == nil && st.ID != "" {
		s.logger.Warn().Str("project", projectID).Msg("promoting interrupted state write")
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("promote temp state: %w", err)
		}
		return nil
	}

	s.logger.Warn().Str("project", projectID).Msg("discarding corrupt temp state")
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard temp state: %w", err)
	}
	return nil
}

// Write persists the record atomically, stamping UpdatedAt.
func (s *Store) Write(st *ProjectState) error {
	if st.ID == "" {
		return fmt.Errorf("%w: write with no project id", perrors.ErrStateCorrupt)
	}
	if _, err := s.Dir(st.ID); err != nil {
		return err
	}
	st.UpdatedAt = s.now()

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := s.statePath(st.ID)
	tmp := path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	// The rename must never promote unflushed data.
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("flush temp state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// Exists reports whether the project has a persisted record, without
// touching any leftover temp file.
func (s *Store) Exists(projectID string) bool {
	if _, err := os.Stat(s.statePath(projectID)); err == nil {
		return true
	}
	_, err := os.Stat(s.statePath(projectID) + tempSuffix)
	return err == nil
}

// List returns the ids of every project with a persisted record, sorted
// by directory order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
