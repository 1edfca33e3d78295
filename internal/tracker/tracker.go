// Package tracker attributes external command executions to a
// (run, phase) pair. A Scope collects finalized tool calls append-only
// and persists them exactly once when the phase ends, no matter how the
// phase exits. Instrumentation must never change the outcome of the
// command it wraps: a persistence failure is logged and swallowed.
package tracker

import (
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
)

// summaryLimit bounds how much combined output is kept per tool call.
// Full output is never persisted.
const summaryLimit = 2048

// RecordSink persists one finalized phase record together with its tool
// calls. Satisfied by runstore.Store.
type RecordSink interface {
	AppendPhaseRecord(rec *domain.PhaseRecord) error
}

// Tracker creates scopes bound to a sink
type Tracker struct {
	sink RecordSink
	log  *zap.Logger
}

// New creates a Tracker persisting through sink
func New(sink RecordSink, log *zap.Logger) *Tracker {
	return &Tracker{sink: sink, log: log}
}

// Scope is the tracking lifetime for one phase of one run
type Scope struct {
	runID     string
	issueID   int
	phase     domain.Phase
	sink      RecordSink
	log       *zap.Logger
	startedAt time.Time

	mu    sync.Mutex
	calls []domain.ToolCall
	once  sync.Once
}

// Begin opens a scope for the given (run, issue, phase) triple
func (t *Tracker) Begin(runID string, issueID int, phase domain.Phase) *Scope {
	return &Scope{
		runID:     runID,
		issueID:   issueID,
		phase:     phase,
		sink:      t.sink,
		log:       t.log,
		startedAt: time.Now(),
	}
}

// Track runs the named command in dir, recording timestamps, duration,
// exit status, and a bounded output summary. The returned error is the
// command's own error, untouched; a failing command is recorded the same
// way as a succeeding one.
func (s *Scope) Track(tool string, args []string, dir string) (domain.ToolCall, error) {
	call := domain.ToolCall{
		Tool:      tool,
		Args:      args,
		Dir:       dir,
		StartedAt: time.Now(),
	}

	cmd := exec.Command(tool, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()

	call.Duration = time.Since(call.StartedAt)
	call.Summary = summarize(out)
	if err != nil {
		call.ExitStatus = -1
		if ee, ok := err.(*exec.ExitError); ok {
			call.ExitStatus = ee.ExitCode()
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	return call, err
}

// Calls returns a copy of the calls recorded so far
func (s *Scope) Calls() []domain.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ToolCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// End persists the scope as a finalized PhaseRecord. Only the first call
// persists; later calls are no-ops, so End can sit on a defer while the
// normal path calls it with the real outcome. Persistence failures are
// logged and swallowed so instrumentation cannot fail a phase.
func (s *Scope) End(status domain.PhaseStatus, detail string) {
	s.once.Do(func() {
		now := time.Now()
		s.mu.Lock()
		rec := &domain.PhaseRecord{
			RunID:      s.runID,
			Phase:      s.phase,
			Status:     status,
			StartedAt:  s.startedAt,
			FinishedAt: &now,
			Detail:     detail,
			ToolCalls:  s.calls,
		}
		s.mu.Unlock()

		if s.sink == nil {
			return
		}
		if err := s.sink.AppendPhaseRecord(rec); err != nil {
			s.log.Warn("persisting phase record failed",
				zap.String("run", s.runID),
				zap.Int("issue", s.issueID),
				zap.String("phase", string(s.phase)),
				zap.Error(err))
		}
	})
}

// summarize keeps the head and tail of the output within summaryLimit
func summarize(out []byte) string {
	if len(out) <= summaryLimit {
		return string(out)
	}
	head := out[:summaryLimit/2]
	tail := out[len(out)-summaryLimit/2:]
	return string(head) + "\n[... output truncated ...]\n" + string(tail)
}
