package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/delivery-orchestrator/internal/config"
	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
	"github.com/hochfrequenz/delivery-orchestrator/internal/isolation"
	"github.com/hochfrequenz/delivery-orchestrator/internal/notify"
	"github.com/hochfrequenz/delivery-orchestrator/internal/runstore"
	"github.com/hochfrequenz/delivery-orchestrator/internal/template"
	"github.com/hochfrequenz/delivery-orchestrator/internal/tracker"
)

type testWorkspacer struct {
	base string

	mu         sync.Mutex
	reattached []string
}

func (w *testWorkspacer) Create(runID string, issueID int) (string, string, error) {
	path := filepath.Join(w.base, runID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", "", err
	}
	return path, fmt.Sprintf("delivery/issue-%d", issueID), nil
}

func (w *testWorkspacer) Reattach(runID string, issueID int) (string, string, error) {
	w.mu.Lock()
	w.reattached = append(w.reattached, runID)
	w.mu.Unlock()
	return w.Create(runID, issueID)
}

func (w *testWorkspacer) Remove(path string) error { return os.RemoveAll(path) }

type fakeExecutor struct {
	mu     sync.Mutex
	counts map[domain.Phase]int
	failOn map[domain.Phase]error
}

func (e *fakeExecutor) Execute(ctx context.Context, run *domain.Run, alloc *domain.Allocation, phase domain.Phase, spec template.PhaseSpec, scope *tracker.Scope) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counts == nil {
		e.counts = make(map[domain.Phase]int)
	}
	e.counts[phase]++
	if err := e.failOn[phase]; err != nil {
		return "", err
	}
	if phase == domain.PhaseShip {
		return "https://example.test/pr/1", nil
	}
	return "", nil
}

func (e *fakeExecutor) count(p domain.Phase) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[p]
}

func (e *fakeExecutor) setFailure(p domain.Phase, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failOn == nil {
		e.failOn = make(map[domain.Phase]error)
	}
	if err == nil {
		delete(e.failOn, p)
	} else {
		e.failOn[p] = err
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Send(ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) kinds() []notify.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type testEnv struct {
	store *runstore.Store
	mgr   *isolation.Manager
	exec  *fakeExecutor
	notes *recordingNotifier
	coord *Coordinator
}

func newEnv(t *testing.T, maxConcurrent int) *testEnv {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mgr, err := isolation.NewManager(isolation.Config{
		MaxConcurrent:  maxConcurrent,
		PrimaryPorts:   [2]int{19000, 19004},
		SecondaryPorts: [2]int{19100, 19104},
	}, &testWorkspacer{base: t.TempDir()}, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	exec := &fakeExecutor{}
	notes := &recordingNotifier{}
	phases := &config.PhasesConfig{Blocking: []string{"plan", "build", "test", "ship", "verify"}}
	tr := tracker.New(store, zap.NewNop())

	return &testEnv{
		store: store,
		mgr:   mgr,
		exec:  exec,
		notes: notes,
		coord: New(store, mgr, tr, exec, notes, phases, zap.NewNop()),
	}
}

func emptyTemplate(t *testing.T) *template.Template {
	t.Helper()
	tmpl, err := template.Parse([]byte("name: default\n"))
	if err != nil {
		t.Fatal(err)
	}
	return tmpl
}

func TestDrive_FullPipelineVerifies(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.coord.Drive(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	got, err := env.store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunVerified {
		t.Errorf("Status = %s, want %s", got.Status, domain.RunVerified)
	}
	if got.ResultRef != "https://example.test/pr/1" {
		t.Errorf("ResultRef = %q, want ship artifact", got.ResultRef)
	}

	records, err := env.store.ListPhaseRecords(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != len(domain.PhaseSequence) {
		t.Fatalf("records = %d, want %d", len(records), len(domain.PhaseSequence))
	}
	for i, rec := range records {
		if rec.Phase != domain.PhaseSequence[i] {
			t.Errorf("record %d phase = %s, want %s (canonical order)", i, rec.Phase, domain.PhaseSequence[i])
		}
		if rec.Status != domain.PhaseCompleted {
			t.Errorf("record %d status = %s, want completed", i, rec.Status)
		}
	}

	if _, held := env.mgr.Get(run.ID); held {
		t.Error("grant still held after verified run")
	}

	kinds := env.notes.kinds()
	if len(kinds) == 0 || kinds[0] != notify.EventRunStarted {
		t.Errorf("first event = %v, want run_started", kinds)
	}
	if kinds[len(kinds)-1] != notify.EventRunVerified {
		t.Errorf("last event = %v, want run_verified", kinds[len(kinds)-1])
	}
}

func TestStart_CapacityCapAcrossRuns(t *testing.T) {
	env := newEnv(t, 1)
	ctx := context.Background()
	tmpl := emptyTemplate(t)

	first, err := env.coord.Start(ctx, 42, tmpl)
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.coord.Start(ctx, 43, tmpl)
	if !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("second start error = %v, want ErrCapacityExhausted", err)
	}

	if err := env.coord.Abort(ctx, first.ID, "making room"); err != nil {
		t.Fatal(err)
	}

	second, err := env.coord.Start(ctx, 43, tmpl)
	if err != nil {
		t.Fatalf("start after release failed: %v", err)
	}
	if second.IssueID != 43 {
		t.Errorf("IssueID = %d, want 43", second.IssueID)
	}
}

func TestAdvance_NonBlockingFailureContinues(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	tmpl, err := template.Parse([]byte(`
name: lenient
phases:
  build:
    failure: non_blocking
`))
	if err != nil {
		t.Fatal(err)
	}

	env.exec.setFailure(domain.PhaseBuild, errors.New("compile failed"))
	run, err := env.coord.Start(ctx, 42, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.coord.Drive(ctx, run.ID); err != nil {
		t.Fatalf("non-blocking failure must not stop the pipeline: %v", err)
	}

	got, _ := env.store.GetRun(run.ID)
	if got.Status != domain.RunVerified {
		t.Errorf("Status = %s, want verified", got.Status)
	}

	records, _ := env.store.ListPhaseRecords(run.ID)
	var buildRec *domain.PhaseRecord
	for _, rec := range records {
		if rec.Phase == domain.PhaseBuild {
			buildRec = rec
		}
	}
	if buildRec == nil {
		t.Fatal("no build record")
	}
	if buildRec.Status != domain.PhaseFailedNonBlocking {
		t.Errorf("build status = %s, want failed_non_blocking", buildRec.Status)
	}
	if buildRec.Detail != "compile failed" {
		t.Errorf("build detail = %q, want the failure cause", buildRec.Detail)
	}
}

func TestAdvance_BlockingFailureAborts(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	env.exec.setFailure(domain.PhaseTest, errors.New("3 tests failed"))
	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}

	err = env.coord.Drive(ctx, run.ID)
	var failure *domain.PhaseFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want PhaseFailure", err)
	}
	if failure.Phase != domain.PhaseTest || failure.Class != domain.FailureBlocking {
		t.Errorf("failure = %+v, want blocking test failure", failure)
	}

	got, _ := env.store.GetRun(run.ID)
	if got.Status != domain.RunAborted {
		t.Errorf("Status = %s, want aborted", got.Status)
	}
	if got.AbortReason == "" {
		t.Error("AbortReason empty, want the failure report")
	}
	if _, held := env.mgr.Get(run.ID); held {
		t.Error("grant still held after abort")
	}

	records, _ := env.store.ListPhaseRecords(run.ID)
	last := records[len(records)-1]
	if last.Phase != domain.PhaseTest || last.Status != domain.PhaseFailedBlocking {
		t.Errorf("last record = %s/%s, want test/failed_blocking", last.Phase, last.Status)
	}
}

func TestAdvance_QuotaPausesAndResumesSamePhase(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	env.exec.setFailure(domain.PhaseReview, &domain.QuotaExhaustedError{ResetAt: time.Now().Add(time.Hour)})
	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}

	err = env.coord.Drive(ctx, run.ID)
	var quota *domain.QuotaExhaustedError
	if !errors.As(err, &quota) {
		t.Fatalf("error = %v, want QuotaExhaustedError", err)
	}

	got, _ := env.store.GetRun(run.ID)
	if got.Status != domain.RunPaused {
		t.Errorf("Status = %s, want paused", got.Status)
	}
	if got.CurrentPhase != domain.PhaseReview {
		t.Errorf("CurrentPhase = %s, want review", got.CurrentPhase)
	}
	// A paused run keeps its resources; it resumes the same phase
	if _, held := env.mgr.Get(run.ID); !held {
		t.Error("paused run lost its grant")
	}

	env.exec.setFailure(domain.PhaseReview, nil)
	if err := env.coord.Drive(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	if env.exec.count(domain.PhaseReview) != 2 {
		t.Errorf("review executions = %d, want 2 (paused attempt + retry)", env.exec.count(domain.PhaseReview))
	}
	if env.exec.count(domain.PhasePlan) != 1 {
		t.Errorf("plan executions = %d, want 1 (never re-executed)", env.exec.count(domain.PhasePlan))
	}
	got, _ = env.store.GetRun(run.ID)
	if got.Status != domain.RunVerified {
		t.Errorf("Status = %s, want verified", got.Status)
	}
}

func TestResume_AfterRestartSkipsFinalizedPhases(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	env.exec.setFailure(domain.PhaseLint, &domain.QuotaExhaustedError{ResetAt: time.Now().Add(time.Hour)})
	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}
	env.coord.Drive(ctx, run.ID) // pauses in lint

	// Simulate a process restart: fresh coordinator and manager over the
	// same store and the same executor
	ws2 := &testWorkspacer{base: t.TempDir()}
	mgr2, err := isolation.NewManager(isolation.Config{
		MaxConcurrent:  3,
		PrimaryPorts:   [2]int{19000, 19004},
		SecondaryPorts: [2]int{19100, 19104},
	}, ws2, env.store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	phases := &config.PhasesConfig{Blocking: []string{"plan", "build", "test", "ship", "verify"}}
	coord2 := New(env.store, mgr2, tracker.New(env.store, zap.NewNop()), env.exec, &recordingNotifier{}, phases, zap.NewNop())

	env.exec.setFailure(domain.PhaseLint, nil)
	resumed, err := coord2.Resume(ctx, run.ID, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}
	if resumed.CurrentPhase != domain.PhaseLint {
		t.Errorf("CurrentPhase = %s, want lint (the paused phase)", resumed.CurrentPhase)
	}

	// The new working copy must come from the run's existing branch, not
	// a fresh checkout that discards the finalized phases' commits
	ws2.mu.Lock()
	reattached := append([]string(nil), ws2.reattached...)
	ws2.mu.Unlock()
	if len(reattached) != 1 || reattached[0] != run.ID {
		t.Errorf("reattached = %v, want [%s]", reattached, run.ID)
	}

	if err := coord2.Drive(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	for _, p := range []domain.Phase{domain.PhasePlan, domain.PhaseValidate, domain.PhaseBuild} {
		if env.exec.count(p) != 1 {
			t.Errorf("%s executions = %d, want 1 (finalized before restart)", p, env.exec.count(p))
		}
	}
	if env.exec.count(domain.PhaseLint) != 2 {
		t.Errorf("lint executions = %d, want 2", env.exec.count(domain.PhaseLint))
	}
	got, _ := env.store.GetRun(run.ID)
	if got.Status != domain.RunVerified {
		t.Errorf("Status = %s, want verified", got.Status)
	}
}

func TestResume_CorruptHistoryAborts(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.coord.Advance(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	// History claiming a finalized phase far beyond the run row
	now := time.Now()
	env.store.AppendPhaseRecord(&domain.PhaseRecord{
		RunID:      run.ID,
		Phase:      domain.PhaseShip,
		Status:     domain.PhaseCompleted,
		StartedAt:  now,
		FinishedAt: &now,
	})

	_, err = env.coord.Resume(ctx, run.ID, emptyTemplate(t))
	if !errors.Is(err, domain.ErrCorruptState) {
		t.Fatalf("error = %v, want ErrCorruptState", err)
	}

	got, _ := env.store.GetRun(run.ID)
	if got.Status != domain.RunAborted {
		t.Errorf("Status = %s, want aborted (never silently resumed)", got.Status)
	}
	if _, held := env.mgr.Get(run.ID); held {
		t.Error("grant still held after corrupt-state abort")
	}
}

func TestAdvance_SkipOverrideRecorded(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	tmpl, err := template.Parse([]byte(`
name: waived
phases:
  review:
    skip: true
    reason: manual review waived by operator
`))
	if err != nil {
		t.Fatal(err)
	}

	run, err := env.coord.Start(ctx, 42, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.coord.Drive(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	if env.exec.count(domain.PhaseReview) != 0 {
		t.Errorf("review executions = %d, want 0 (skipped)", env.exec.count(domain.PhaseReview))
	}

	records, _ := env.store.ListPhaseRecords(run.ID)
	var reviewRec *domain.PhaseRecord
	for _, rec := range records {
		if rec.Phase == domain.PhaseReview {
			reviewRec = rec
		}
	}
	if reviewRec == nil {
		t.Fatal("skipped phase left no record")
	}
	if reviewRec.Status != domain.PhaseSkipped {
		t.Errorf("review status = %s, want skipped", reviewRec.Status)
	}
	if reviewRec.Detail != "manual review waived by operator" {
		t.Errorf("review detail = %q, want the operator reason", reviewRec.Detail)
	}
}

func TestAbort_ReleasesResources(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.coord.Advance(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	if err := env.coord.Abort(ctx, run.ID, "operator abort"); err != nil {
		t.Fatal(err)
	}

	got, _ := env.store.GetRun(run.ID)
	if got.Status != domain.RunAborted {
		t.Errorf("Status = %s, want aborted", got.Status)
	}
	if got.AbortReason != "operator abort" {
		t.Errorf("AbortReason = %q", got.AbortReason)
	}
	if _, held := env.mgr.Get(run.ID); held {
		t.Error("grant still held after abort")
	}

	if _, err := env.coord.Advance(ctx, run.ID); err == nil {
		t.Error("advancing an aborted run should fail")
	}
}

func TestAdvance_ParallelRunsStayIndependent(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()
	tmpl := emptyTemplate(t)

	runA, err := env.coord.Start(ctx, 42, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	runB, err := env.coord.Start(ctx, 43, tmpl)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = env.coord.Drive(ctx, runA.ID) }()
	go func() { defer wg.Done(); errs[1] = env.coord.Drive(ctx, runB.ID) }()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("drive %d failed: %v", i, err)
		}
	}
	for _, id := range []string{runA.ID, runB.ID} {
		got, _ := env.store.GetRun(id)
		if got.Status != domain.RunVerified {
			t.Errorf("run %s status = %s, want verified", id, got.Status)
		}
	}
}

func TestStart_PersistsAllocationForRecovery(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}

	// Crash recovery reads this table; the grant must land despite the
	// foreign key onto runs
	allocs, err := env.store.ListAllocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 {
		t.Fatalf("persisted allocations = %d, want 1", len(allocs))
	}
	if allocs[0].RunID != run.ID {
		t.Errorf("allocation run = %s, want %s", allocs[0].RunID, run.ID)
	}
	if allocs[0].PrimaryPort == 0 || allocs[0].SecondaryPort == 0 {
		t.Errorf("allocation ports = %d/%d, want both set", allocs[0].PrimaryPort, allocs[0].SecondaryPort)
	}

	if err := env.coord.Abort(ctx, run.ID, "done"); err != nil {
		t.Fatal(err)
	}
	allocs, err = env.store.ListAllocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 0 {
		t.Errorf("allocations after release = %d, want 0", len(allocs))
	}
}

func TestUpdatePhases_AppliesToLaterFailures(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	// lint is non-blocking under the initial config
	env.exec.setFailure(domain.PhaseLint, errors.New("style violations"))
	run, err := env.coord.Start(ctx, 42, emptyTemplate(t))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ { // plan, validate, build
		if _, err := env.coord.Advance(ctx, run.ID); err != nil {
			t.Fatal(err)
		}
	}

	env.coord.UpdatePhases(&config.PhasesConfig{Blocking: []string{"lint"}})

	_, err = env.coord.Advance(ctx, run.ID)
	var failure *domain.PhaseFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want PhaseFailure under the swapped config", err)
	}
	if failure.Phase != domain.PhaseLint || failure.Class != domain.FailureBlocking {
		t.Errorf("failure = %+v, want blocking lint failure", failure)
	}
}
