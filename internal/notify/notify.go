// Package notify emits workflow events to humans: gate requests,
// escalations, completions. Delivery is best effort; a notification
// failure never fails the workflow step that produced it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies a workflow notification.
type EventType string

const (
	EventGateRequested   EventType = "gate_requested"
	EventGateApproved    EventType = "gate_approved"
	EventPhaseAdvanced   EventType = "phase_advanced"
	EventProjectComplete EventType = "project_complete"
	EventEscalation      EventType = "escalation"
	EventCircuitOpen     EventType = "circuit_open"
	EventBlocked         EventType = "blocked"
)

// Event is one human-facing workflow notification.
type Event struct {
	Type    EventType `json:"type"`
	Project string    `json:"project"`
	Title   string    `json:"title,omitempty"`
	Phase   string    `json:"phase,omitempty"`
	Gate    string    `json:"gate,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Time    time.Time `json:"time"`
}

// Text renders the event as a single human-readable line.
func (e Event) Text() string {
	switch e.Type {
	case EventGateRequested:
		return fmt.Sprintf("[%s] gate %q awaits approval (phase %s): %s", e.Project, e.Gate, e.Phase, e.Summary)
	case EventGateApproved:
		return fmt.Sprintf("[%s] gate %q approved", e.Project, e.Gate)
	case EventPhaseAdvanced:
		return fmt.Sprintf("[%s] advanced to phase %s", e.Project, e.Phase)
	case EventProjectComplete:
		return fmt.Sprintf("[%s] project complete", e.Project)
	case EventEscalation:
		return fmt.Sprintf("[%s] iteration budget exhausted in phase %s: %s", e.Project, e.Phase, e.Summary)
	case EventCircuitOpen:
		return fmt.Sprintf("[%s] build circuit breaker tripped in phase %s", e.Project, e.Phase)
	case EventBlocked:
		return fmt.Sprintf("[%s] builder blocked in phase %s: %s", e.Project, e.Phase, e.Summary)
	default:
		return fmt.Sprintf("[%s] %s", e.Project, e.Type)
	}
}

// key identifies an event for dedupe purposes. Timestamps and summaries
// are excluded so a repeated reminder inside the window collapses.
func (e Event) key() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.Type, e.Project, e.Phase, e.Gate)
}

// Notifier delivers one event to one destination.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. Always configured, so
// every event is observable even with no external sinks.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info().Str("event", string(ev.Type)).Str("project", ev.Project).
		Str("phase", ev.Phase).Str("gate", ev.Gate).Msg(ev.Text())
	return nil
}

// Multi fans an event out to every sink, logging failures instead of
// returning them.
type Multi struct {
	sinks  []Notifier
	logger zerolog.Logger
}

// NewMulti combines sinks into one best-effort notifier.
func NewMulti(logger zerolog.Logger, sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks, logger: logger.With().Str("component", "notify").Logger()}
}

func (m *Multi) Notify(ctx context.Context, ev Event) error {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			m.logger.Warn().Err(err).Str("event", string(ev.Type)).
				Str("project", ev.Project).Msg("notification sink failed")
		}
	}
	return nil
}
