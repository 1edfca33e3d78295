// Package notify delivers structured status-change events to external
// sinks. The coordinator emits events, never formatted text; each sink
// decides how to render them.
package notify

import "time"

// EventKind classifies a status-change event
type EventKind string

const (
	EventRunStarted     EventKind = "run_started"
	EventPhaseCompleted EventKind = "phase_completed"
	EventRunPaused      EventKind = "run_paused"
	EventRunAborted     EventKind = "run_aborted"
	EventRunVerified    EventKind = "run_verified"
)

// Event is one status change of a run
type Event struct {
	Kind    EventKind `json:"kind"`
	RunID   string    `json:"run_id"`
	IssueID int       `json:"issue_id"`
	Phase   string    `json:"phase,omitempty"`
	Status  string    `json:"status,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier is the interface for delivering events
type Notifier interface {
	Send(ev Event) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the event to all notifiers, returning the last error
func (m *MultiNotifier) Send(ev Event) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ev); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(ev Event) error { return nil }
