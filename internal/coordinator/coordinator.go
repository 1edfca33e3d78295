// Package coordinator drives workflow runs through the delivery
// pipeline. Each run advances strictly sequentially through the
// canonical phase order; distinct runs proceed independently up to the
// isolation manager's capacity. Every phase execution leaves a durable
// PhaseRecord before control returns to the caller.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/delivery-orchestrator/internal/config"
	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
	"github.com/hochfrequenz/delivery-orchestrator/internal/notify"
	"github.com/hochfrequenz/delivery-orchestrator/internal/template"
	"github.com/hochfrequenz/delivery-orchestrator/internal/tracker"
)

// RunStore persists runs and their phase history. *runstore.Store
// satisfies it.
type RunStore interface {
	CreateRun(run *domain.Run) error
	UpdateRun(run *domain.Run) error
	GetRun(id string) (*domain.Run, error)
	ListPhaseRecords(runID string) ([]*domain.PhaseRecord, error)
}

// Allocator grants and releases isolation resources. Reallocate serves
// resuming runs whose working copy must keep its branch history.
// *isolation.Manager satisfies it.
type Allocator interface {
	Allocate(runID string, issueID int) (*domain.Allocation, error)
	Reallocate(runID string, issueID int) (*domain.Allocation, error)
	Release(runID string) error
	Get(runID string) (*domain.Allocation, bool)
}

// Executor performs a phase's real work. The coordinator treats it as
// opaque: it only sees success or failure plus an artifact reference.
type Executor interface {
	Execute(ctx context.Context, run *domain.Run, alloc *domain.Allocation, phase domain.Phase, spec template.PhaseSpec, scope *tracker.Scope) (artifact string, err error)
}

// Outcome is the result of advancing one phase
type Outcome struct {
	Phase    domain.Phase
	Status   domain.PhaseStatus
	Detail   string
	Artifact string
}

// Coordinator is the top-level state machine over workflow runs
type Coordinator struct {
	store    RunStore
	grants   Allocator
	tracker  *tracker.Tracker
	executor Executor
	notifier notify.Notifier
	phases   *config.PhasesConfig
	log      *zap.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// runState serializes the phases of one run and carries its template
type runState struct {
	tmpl *template.Template
	mu   sync.Mutex
}

// New creates a Coordinator
func New(store RunStore, grants Allocator, tr *tracker.Tracker, exec Executor, notifier notify.Notifier, phases *config.PhasesConfig, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		grants:   grants,
		tracker:  tr,
		executor: exec,
		notifier: notifier,
		phases:   phases,
		log:      log,
		runs:     make(map[string]*runState),
	}
}

// Start creates a run for an issue and requests its isolation grant.
// Returns domain.ErrCapacityExhausted when no slot is free; the caller
// decides whether to retry.
func (c *Coordinator) Start(ctx context.Context, issueID int, tmpl *template.Template) (*domain.Run, error) {
	runID := uuid.NewString()

	// The run row goes in first: the allocation record references it, so
	// the grant cannot be persisted for crash recovery before the run
	// exists.
	now := time.Now()
	run := &domain.Run{
		ID:        runID,
		IssueID:   issueID,
		Status:    domain.RunCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	alloc, err := c.grants.Allocate(runID, issueID)
	if err != nil {
		run.Status = domain.RunAborted
		run.AbortReason = err.Error()
		if uerr := c.store.UpdateRun(run); uerr != nil {
			c.log.Error("closing out unallocatable run failed", zap.String("run", runID), zap.Error(uerr))
		}
		return nil, err
	}

	run.Branch = alloc.Branch
	if err := c.store.UpdateRun(run); err != nil {
		c.grants.Release(runID)
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	c.attach(runID, tmpl)
	c.emit(notify.Event{
		Kind:    notify.EventRunStarted,
		RunID:   runID,
		IssueID: issueID,
		Status:  string(run.Status),
		At:      now,
	})
	c.log.Info("run started",
		zap.String("run", runID),
		zap.Int("issue", issueID),
		zap.String("template", tmpl.Name))
	return run, nil
}

func (c *Coordinator) attach(runID string, tmpl *template.Template) *runState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[runID]
	if !ok {
		st = &runState{tmpl: tmpl}
		c.runs[runID] = st
	}
	return st
}

func (c *Coordinator) state(runID string) (*runState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s is not attached; start or resume it first", runID)
	}
	return st, nil
}

func (c *Coordinator) forget(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}

// UpdatePhases swaps the default failure classification, e.g. after a
// config reload. Templates still win for the phases they configure.
func (c *Coordinator) UpdatePhases(p *config.PhasesConfig) {
	c.mu.Lock()
	c.phases = p
	c.mu.Unlock()
}

func (c *Coordinator) phasesConfig() *config.PhasesConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phases
}

func (c *Coordinator) emit(ev notify.Event) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Send(ev); err != nil {
		c.log.Warn("notification failed", zap.String("run", ev.RunID), zap.Error(err))
	}
}

// nextPhase determines which phase Advance executes next. A paused run
// retries the phase it paused in.
func nextPhase(run *domain.Run) domain.Phase {
	if run.Status == domain.RunPaused {
		return run.CurrentPhase
	}
	if run.CurrentPhase == "" {
		return domain.PhaseSequence[0]
	}
	return domain.NextPhase(run.CurrentPhase)
}

// Advance executes exactly the next phase of the run. The PhaseRecord is
// durably committed before Advance returns, on every exit path. Blocking
// failures abort the run and come back as *domain.PhaseFailure;
// non-blocking failures come back as a warning Outcome with a nil error.
func (c *Coordinator) Advance(ctx context.Context, runID string) (*Outcome, error) {
	st, err := c.state(runID)
	if err != nil {
		return nil, err
	}

	// Phases of one run never overlap
	st.mu.Lock()
	defer st.mu.Unlock()

	run, err := c.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s, cannot advance", runID, run.Status)
	}

	phase := nextPhase(run)
	if phase == "" {
		return nil, fmt.Errorf("run %s has no phases left", runID)
	}

	alloc, ok := c.grants.Get(runID)
	if !ok {
		// A run without its grant cannot execute anything; refuse to
		// guess and shut it down.
		err := fmt.Errorf("%w: run %s has no isolation grant", domain.ErrCorruptState, runID)
		c.finishAborted(run, err.Error())
		return nil, err
	}

	run.CurrentPhase = phase
	// The verify phase maps onto the terminal status, which only the
	// phase's completion may set
	if phase != domain.PhaseVerify {
		run.Status = domain.StatusForPhase(phase)
	}
	run.UpdatedAt = time.Now()
	if err := c.store.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("persisting phase transition: %w", err)
	}

	spec, _ := st.tmpl.SpecFor(phase)
	scope := c.tracker.Begin(run.ID, run.IssueID, phase)
	// Safety net: whatever path leaves this function, the record lands
	defer scope.End(domain.PhaseFailedBlocking, "phase terminated abnormally")

	if spec.Skip {
		return c.finishSkipped(run, phase, spec.Reason, scope)
	}

	artifact, execErr := c.executor.Execute(ctx, run, alloc, phase, spec, scope)
	if execErr != nil {
		return c.handleFailure(run, phase, artifact, execErr, scope, st.tmpl)
	}

	scope.End(domain.PhaseCompleted, "")
	if artifact != "" {
		run.ResultRef = artifact
	}
	if phase == domain.PhaseVerify {
		c.finishVerified(run)
		return &Outcome{Phase: phase, Status: domain.PhaseCompleted, Artifact: artifact}, nil
	}

	run.UpdatedAt = time.Now()
	if err := c.store.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}
	c.emit(notify.Event{
		Kind:    notify.EventPhaseCompleted,
		RunID:   run.ID,
		IssueID: run.IssueID,
		Phase:   string(phase),
		Status:  string(domain.PhaseCompleted),
		At:      time.Now(),
	})
	return &Outcome{Phase: phase, Status: domain.PhaseCompleted, Artifact: artifact}, nil
}

// finishSkipped records an operator override and moves the run past the
// phase without executing it.
func (c *Coordinator) finishSkipped(run *domain.Run, phase domain.Phase, reason string, scope *tracker.Scope) (*Outcome, error) {
	scope.End(domain.PhaseSkipped, reason)
	c.log.Info("phase skipped by operator override",
		zap.String("run", run.ID),
		zap.String("phase", string(phase)),
		zap.String("reason", reason))

	if phase == domain.PhaseVerify {
		c.finishVerified(run)
		return &Outcome{Phase: phase, Status: domain.PhaseSkipped, Detail: reason}, nil
	}

	run.Status = domain.StatusForPhase(phase)
	run.UpdatedAt = time.Now()
	if err := c.store.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}
	c.emit(notify.Event{
		Kind:    notify.EventPhaseCompleted,
		RunID:   run.ID,
		IssueID: run.IssueID,
		Phase:   string(phase),
		Status:  string(domain.PhaseSkipped),
		Detail:  reason,
		At:      time.Now(),
	})
	return &Outcome{Phase: phase, Status: domain.PhaseSkipped, Detail: reason}, nil
}

// handleFailure classifies a phase failure and persists it before
// control returns. Quota exhaustion pauses the run instead of failing
// the phase.
func (c *Coordinator) handleFailure(run *domain.Run, phase domain.Phase, artifact string, execErr error, scope *tracker.Scope, tmpl *template.Template) (*Outcome, error) {
	var quota *domain.QuotaExhaustedError
	if errors.As(execErr, &quota) {
		// The phase did not finish; its record stays non-final so a
		// resume re-executes it
		scope.End(domain.PhaseRunning, fmt.Sprintf("paused: %v", execErr))
		run.Status = domain.RunPaused
		run.UpdatedAt = time.Now()
		if err := c.store.UpdateRun(run); err != nil {
			return nil, fmt.Errorf("persisting pause: %w", err)
		}
		c.emit(notify.Event{
			Kind:    notify.EventRunPaused,
			RunID:   run.ID,
			IssueID: run.IssueID,
			Phase:   string(phase),
			Detail:  execErr.Error(),
			At:      time.Now(),
		})
		c.log.Info("run paused on quota exhaustion",
			zap.String("run", run.ID),
			zap.String("phase", string(phase)),
			zap.Time("reset_at", quota.ResetAt))
		return nil, execErr
	}

	class := tmpl.FailureClassFor(phase, c.phasesConfig().FailureClassFor)
	failure := &domain.PhaseFailure{
		RunID:    run.ID,
		Phase:    phase,
		Class:    class,
		Cause:    execErr,
		Artifact: artifact,
	}

	if class == domain.FailureNonBlocking {
		scope.End(domain.PhaseFailedNonBlocking, execErr.Error())
		c.log.Warn("phase failed, continuing",
			zap.String("run", run.ID),
			zap.String("phase", string(phase)),
			zap.Error(execErr))
		c.emit(notify.Event{
			Kind:    notify.EventPhaseCompleted,
			RunID:   run.ID,
			IssueID: run.IssueID,
			Phase:   string(phase),
			Status:  string(domain.PhaseFailedNonBlocking),
			Detail:  execErr.Error(),
			At:      time.Now(),
		})
		if phase == domain.PhaseVerify {
			// Nothing is left to run after a tolerated verify failure
			c.finishVerified(run)
		}
		return &Outcome{Phase: phase, Status: domain.PhaseFailedNonBlocking, Detail: execErr.Error(), Artifact: artifact}, nil
	}

	scope.End(domain.PhaseFailedBlocking, execErr.Error())
	c.finishAborted(run, failure.Error())
	return nil, failure
}

// finishVerified moves the run to its terminal success state and frees
// its resources.
func (c *Coordinator) finishVerified(run *domain.Run) {
	run.Status = domain.RunVerified
	run.UpdatedAt = time.Now()
	if err := c.store.UpdateRun(run); err != nil {
		c.log.Error("persisting verified run failed", zap.String("run", run.ID), zap.Error(err))
	}
	c.grants.Release(run.ID)
	c.forget(run.ID)
	c.emit(notify.Event{
		Kind:    notify.EventRunVerified,
		RunID:   run.ID,
		IssueID: run.IssueID,
		Status:  string(domain.RunVerified),
		Detail:  run.ResultRef,
		At:      time.Now(),
	})
	c.log.Info("run verified", zap.String("run", run.ID), zap.String("result", run.ResultRef))
}

// finishAborted moves the run to Aborted. Resource release is
// unconditional: it happens even when the status update fails.
func (c *Coordinator) finishAborted(run *domain.Run, reason string) {
	run.Status = domain.RunAborted
	run.AbortReason = reason
	run.UpdatedAt = time.Now()
	if err := c.store.UpdateRun(run); err != nil {
		c.log.Error("persisting aborted run failed", zap.String("run", run.ID), zap.Error(err))
	}
	c.grants.Release(run.ID)
	c.forget(run.ID)
	c.emit(notify.Event{
		Kind:    notify.EventRunAborted,
		RunID:   run.ID,
		IssueID: run.IssueID,
		Detail:  reason,
		At:      time.Now(),
	})
	c.log.Info("run aborted", zap.String("run", run.ID), zap.String("reason", reason))
}

// Abort transitions the run to the terminal Aborted state and releases
// its resources before returning.
func (c *Coordinator) Abort(ctx context.Context, runID, reason string) error {
	run, err := c.store.GetRun(runID)
	if err != nil {
		// Still try to free whatever the run may hold
		c.grants.Release(runID)
		c.forget(runID)
		return fmt.Errorf("loading run: %w", err)
	}
	if run.Status.IsTerminal() {
		c.grants.Release(runID)
		c.forget(runID)
		return nil
	}
	c.finishAborted(run, reason)
	return nil
}

// finalized reports whether a phase record counts as done for resume
// purposes. A record left in running state (e.g. a quota pause or a
// crash mid-phase) is not final and its phase executes again.
func finalized(status domain.PhaseStatus) bool {
	switch status {
	case domain.PhaseCompleted, domain.PhaseSkipped, domain.PhaseFailedNonBlocking:
		return true
	}
	return false
}

// Resume re-attaches to a persisted run. It reconciles the run row with
// the phase history so a later Advance continues after the last
// finalized phase, never re-executing one. Unreadable or inconsistent
// state aborts the run with domain.ErrCorruptState.
func (c *Coordinator) Resume(ctx context.Context, runID string, tmpl *template.Template) (*domain.Run, error) {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s, cannot resume", runID, run.Status)
	}

	records, err := c.store.ListPhaseRecords(runID)
	if err != nil {
		corrupt := fmt.Errorf("%w: reading phase history: %v", domain.ErrCorruptState, err)
		c.finishAborted(run, corrupt.Error())
		return nil, corrupt
	}

	lastFinal := -1
	for _, rec := range records {
		idx := domain.PhaseIndex(rec.Phase)
		if idx < 0 {
			corrupt := fmt.Errorf("%w: unknown phase %q in history", domain.ErrCorruptState, rec.Phase)
			c.finishAborted(run, corrupt.Error())
			return nil, corrupt
		}
		if rec.Status == domain.PhaseFailedBlocking {
			// A blocking failure must have aborted the run; a live run
			// carrying one is inconsistent
			corrupt := fmt.Errorf("%w: blocking failure in %s but run is %s", domain.ErrCorruptState, rec.Phase, run.Status)
			c.finishAborted(run, corrupt.Error())
			return nil, corrupt
		}
		if finalized(rec.Status) && idx > lastFinal {
			lastFinal = idx
		}
	}
	if run.CurrentPhase != "" && lastFinal > domain.PhaseIndex(run.CurrentPhase) {
		corrupt := fmt.Errorf("%w: history is ahead of run row (finalized %s, row at %s)",
			domain.ErrCorruptState, domain.PhaseSequence[lastFinal], run.CurrentPhase)
		c.finishAborted(run, corrupt.Error())
		return nil, corrupt
	}

	// A paused run keeps pointing at the phase it paused in; everything
	// else rewinds to the last finalized phase
	if run.Status != domain.RunPaused {
		if lastFinal < 0 {
			run.CurrentPhase = ""
			run.Status = domain.RunCreated
		} else {
			run.CurrentPhase = domain.PhaseSequence[lastFinal]
			if run.CurrentPhase != domain.PhaseVerify {
				run.Status = domain.StatusForPhase(run.CurrentPhase)
			}
		}
	}
	run.UpdatedAt = time.Now()
	if err := c.store.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	// After a restart the grant is gone; take a new one on the run's
	// existing branch so finalized phases keep their commits
	if _, ok := c.grants.Get(runID); !ok {
		if _, err := c.grants.Reallocate(runID, run.IssueID); err != nil {
			return nil, err
		}
	}

	c.attach(runID, tmpl)
	c.log.Info("run resumed",
		zap.String("run", runID),
		zap.String("status", string(run.Status)),
		zap.String("current_phase", string(run.CurrentPhase)))
	return run, nil
}

// Drive advances the run until it reaches a terminal state. Quota pauses
// and blocking failures surface as errors; non-blocking failures keep
// the loop going. One Drive call per run is the intended scheduling
// model.
func (c *Coordinator) Drive(ctx context.Context, runID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		run, err := c.store.GetRun(runID)
		if err != nil {
			return fmt.Errorf("loading run: %w", err)
		}
		if run.Status.IsTerminal() {
			return nil
		}
		if _, err := c.Advance(ctx, runID); err != nil {
			return err
		}
	}
}
