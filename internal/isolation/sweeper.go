package isolation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// LiveRunFunc reports which run ids are still active. The sweeper releases
// every grant whose run is no longer among them.
type LiveRunFunc func() (map[string]bool, error)

// Sweeper periodically reconciles the manager's grants against the set of
// live runs, reclaiming working copies and ports leaked by a hard crash.
type Sweeper struct {
	manager  *Manager
	liveRuns LiveRunFunc
	log      *zap.Logger
	stop     chan struct{}

	mu       sync.Mutex
	schedule cron.Schedule
}

// NewSweeper creates a sweeper with a standard 5-field cron expression
func NewSweeper(manager *Manager, liveRuns LiveRunFunc, cronExpr string, log *zap.Logger) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		manager:  manager,
		liveRuns: liveRuns,
		schedule: schedule,
		log:      log,
		stop:     make(chan struct{}),
	}, nil
}

// Reschedule swaps the sweep schedule, e.g. after a config reload. An
// already armed timer still fires at its old time; the new schedule
// applies from the pass after it.
func (s *Sweeper) Reschedule(cronExpr string) error {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.schedule = schedule
	s.mu.Unlock()
	return nil
}

func (s *Sweeper) next(from time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Next(from)
}

// Sweep performs one reconciliation pass and returns the run ids it
// released.
func (s *Sweeper) Sweep() ([]string, error) {
	live, err := s.liveRuns()
	if err != nil {
		return nil, err
	}

	s.manager.mu.Lock()
	var stale []string
	for runID := range s.manager.active {
		if !live[runID] {
			stale = append(stale, runID)
		}
	}
	s.manager.mu.Unlock()

	for _, runID := range stale {
		s.log.Info("sweeping leaked allocation", zap.String("run", runID))
		s.manager.Release(runID)
	}
	return stale, nil
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		for {
			next := s.next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
				if _, err := s.Sweep(); err != nil {
					s.log.Warn("sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	close(s.stop)
}
