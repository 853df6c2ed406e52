// Package store keeps an append-only audit journal of engine transitions
// in SQLite. The journal is presentation-only: workflow correctness never
// depends on it, and writes are best effort.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Journal manages the SQLite audit database.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// Open opens (or creates) the journal database and runs migrations.
func Open(dbPath string, logger zerolog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	j := &Journal{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
		now:    time.Now,
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		plan_phase TEXT NOT NULL DEFAULT '',
		iteration INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, created_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	return nil
}

// Event is one audited engine transition.
type Event struct {
	ID        string
	ProjectID string
	Kind      string
	Phase     string
	PlanPhase string
	Iteration int
	Detail    string
	CreatedAt time.Time
}

// Event kinds recorded by the engine.
const (
	KindInit          = "init"
	KindBuildStarted  = "build_started"
	KindBuildComplete = "build_complete"
	KindBuildFailed   = "build_failed"
	KindReview        = "review"
	KindIterate       = "iterate"
	KindGateRequested = "gate_requested"
	KindGateApproved  = "gate_approved"
	KindEscalation    = "escalation"
	KindAdvance       = "advance"
	KindRollback      = "rollback"
	KindCircuitOpen   = "circuit_open"
	KindComplete      = "complete"
)

// Record appends an event. Failures are logged and swallowed: the audit
// trail never blocks a transition.
func (j *Journal) Record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, project_id, kind, phase, plan_phase, iteration, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProjectID, ev.Kind, ev.Phase, ev.PlanPhase, ev.Iteration, ev.Detail, j.now().Unix())
	if err != nil {
		j.logger.Warn().Err(err).Str("project", ev.ProjectID).Str("kind", ev.Kind).
			Msg("audit write failed")
	}
}

// History returns a project's events, oldest first, up to limit
// (0 = no limit).
func (j *Journal) History(ctx context.Context, projectID string, limit int) ([]Event, error) {
	q := `SELECT id, project_id, kind, phase, plan_phase, iteration, detail, created_at
	      FROM events WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`
	args := []interface{}{projectID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.Kind, &ev.Phase, &ev.PlanPhase,
			&ev.Iteration, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}
