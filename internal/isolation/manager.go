// Package isolation grants each workflow run an exclusive working copy
// and a disjoint port pair, bounded by a concurrency cap. Allocation is
// atomic: a partial grant is always rolled back before the error returns.
package isolation

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
)

// Workspacer creates and destroys exclusive working copies. Create
// starts from a clean slate; Reattach checks out the run's existing
// branch so commits from before a restart survive.
type Workspacer interface {
	Create(runID string, issueID int) (path, branch string, err error)
	Reattach(runID string, issueID int) (path, branch string, err error)
	Remove(path string) error
}

// AllocationStore persists live grants so a sweep can reclaim them after
// a hard crash. *runstore.Store satisfies it.
type AllocationStore interface {
	SaveAllocation(a *domain.Allocation) error
	DeleteAllocation(runID string) error
	ListAllocations() ([]*domain.Allocation, error)
}

// Manager allocates and releases isolation grants
type Manager struct {
	workspaces Workspacer
	primary    *PortPool
	secondary  *PortPool
	store      AllocationStore
	log        *zap.Logger

	// Capacity cap. TryAcquire gives the fail-fast contract: requests
	// beyond the cap fail immediately rather than queuing.
	slots *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]*domain.Allocation
	pending map[string]bool // run ids mid-allocation, not yet in active
}

// Config bounds the manager
type Config struct {
	MaxConcurrent  int
	PrimaryPorts   [2]int
	SecondaryPorts [2]int
}

// NewManager creates a Manager. store may be nil (grants then live only
// in memory and cannot be swept after a crash).
func NewManager(cfg Config, workspaces Workspacer, store AllocationStore, log *zap.Logger) (*Manager, error) {
	primary, err := NewPortPool(cfg.PrimaryPorts[0], cfg.PrimaryPorts[1])
	if err != nil {
		return nil, fmt.Errorf("primary pool: %w", err)
	}
	secondary, err := NewPortPool(cfg.SecondaryPorts[0], cfg.SecondaryPorts[1])
	if err != nil {
		return nil, fmt.Errorf("secondary pool: %w", err)
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", cfg.MaxConcurrent)
	}

	return &Manager{
		workspaces: workspaces,
		primary:    primary,
		secondary:  secondary,
		store:      store,
		log:        log,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		active:     make(map[string]*domain.Allocation),
		pending:    make(map[string]bool),
	}, nil
}

// Allocate grants a working copy and a port pair to a run. At most one
// grant exists per run id. Returns domain.ErrCapacityExhausted when the
// cap or either pool is exhausted; nothing partial is ever retained.
func (m *Manager) Allocate(runID string, issueID int) (*domain.Allocation, error) {
	return m.allocate(runID, issueID, m.workspaces.Create)
}

// Reallocate grants resources to a resuming run. The working copy is
// reattached to the run's existing branch so the commits of already
// finalized phases are kept.
func (m *Manager) Reallocate(runID string, issueID int) (*domain.Allocation, error) {
	return m.allocate(runID, issueID, m.workspaces.Reattach)
}

func (m *Manager) allocate(runID string, issueID int, workspace func(string, int) (string, string, error)) (*domain.Allocation, error) {
	// Reserve the run id before touching any resource: a second call for
	// the same id must fail instead of racing this one and leaking its
	// grant.
	m.mu.Lock()
	if _, exists := m.active[runID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("run %s already holds an allocation", runID)
	}
	if m.pending[runID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("run %s allocation already in progress", runID)
	}
	m.pending[runID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, runID)
		m.mu.Unlock()
	}()

	if !m.slots.TryAcquire(1) {
		return nil, domain.ErrCapacityExhausted
	}

	path, branch, err := workspace(runID, issueID)
	if err != nil {
		m.slots.Release(1)
		return nil, fmt.Errorf("creating working copy: %w", err)
	}

	primaryPort, ok := m.primary.Acquire()
	if !ok {
		m.rollback(path, 0, 0)
		return nil, domain.ErrCapacityExhausted
	}

	secondaryPort, ok := m.secondary.Acquire()
	if !ok {
		m.rollback(path, primaryPort, 0)
		return nil, domain.ErrCapacityExhausted
	}

	alloc := &domain.Allocation{
		RunID:         runID,
		WorkingCopy:   path,
		Branch:        branch,
		PrimaryPort:   primaryPort,
		SecondaryPort: secondaryPort,
	}

	// A grant that cannot be persisted would be invisible to crash
	// recovery; refuse it rather than hand out resources a sweep can
	// never find.
	if m.store != nil {
		if err := m.store.SaveAllocation(alloc); err != nil {
			m.rollback(path, primaryPort, secondaryPort)
			return nil, fmt.Errorf("persisting allocation: %w", err)
		}
	}

	m.mu.Lock()
	m.active[runID] = alloc
	m.mu.Unlock()

	m.log.Info("allocated",
		zap.String("run", runID),
		zap.String("working_copy", path),
		zap.Int("primary_port", primaryPort),
		zap.Int("secondary_port", secondaryPort))
	return alloc, nil
}

// rollback tears down a partial grant in reverse order
func (m *Manager) rollback(path string, primaryPort, secondaryPort int) {
	if secondaryPort != 0 {
		m.secondary.Release(secondaryPort)
	}
	if primaryPort != 0 {
		m.primary.Release(primaryPort)
	}
	if err := m.workspaces.Remove(path); err != nil {
		m.log.Warn("failed to remove working copy during rollback", zap.String("path", path), zap.Error(err))
	}
	m.slots.Release(1)
}

// Release frees a run's grant. Releasing an unknown or already-released
// run id is a no-op, not an error.
func (m *Manager) Release(runID string) error {
	m.mu.Lock()
	alloc, ok := m.active[runID]
	if ok {
		delete(m.active, runID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	// Working copy removal failure must not leak the ports or the slot
	if err := m.workspaces.Remove(alloc.WorkingCopy); err != nil {
		m.log.Warn("failed to remove working copy", zap.String("path", alloc.WorkingCopy), zap.Error(err))
	}
	m.primary.Release(alloc.PrimaryPort)
	m.secondary.Release(alloc.SecondaryPort)
	m.slots.Release(1)

	if m.store != nil {
		if err := m.store.DeleteAllocation(runID); err != nil {
			m.log.Warn("failed to delete allocation record", zap.String("run", runID), zap.Error(err))
		}
	}

	m.log.Info("released", zap.String("run", runID))
	return nil
}

// Get returns the live grant for a run, if any
func (m *Manager) Get(runID string) (*domain.Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.active[runID]
	return alloc, ok
}

// ActiveCount returns the number of live grants
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Recover re-adopts grants persisted before a restart so that their ports
// and slots are reserved and Release works on them. Grants whose ports
// can no longer be reserved are dropped from the store.
func (m *Manager) Recover() error {
	if m.store == nil {
		return nil
	}
	allocs, err := m.store.ListAllocations()
	if err != nil {
		return err
	}

	for _, alloc := range allocs {
		if !m.slots.TryAcquire(1) {
			m.log.Warn("cannot re-adopt allocation, capacity exhausted", zap.String("run", alloc.RunID))
			continue
		}
		if err := m.primary.Reserve(alloc.PrimaryPort); err != nil {
			m.slots.Release(1)
			m.log.Warn("dropping stale allocation", zap.String("run", alloc.RunID), zap.Error(err))
			m.store.DeleteAllocation(alloc.RunID)
			continue
		}
		if err := m.secondary.Reserve(alloc.SecondaryPort); err != nil {
			m.primary.Release(alloc.PrimaryPort)
			m.slots.Release(1)
			m.log.Warn("dropping stale allocation", zap.String("run", alloc.RunID), zap.Error(err))
			m.store.DeleteAllocation(alloc.RunID)
			continue
		}

		m.mu.Lock()
		m.active[alloc.RunID] = alloc
		m.mu.Unlock()
		m.log.Info("re-adopted allocation", zap.String("run", alloc.RunID))
	}
	return nil
}
