package issueapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/delivery-orchestrator/internal/config"
	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
)

// Client fronts two transports sharing one logical capability. All quota
// state lives behind a single mutex so transport-selection decisions
// always read a consistent snapshot.
type Client struct {
	primary   Transport
	secondary Transport
	mode      config.QuotaMode
	log       *zap.Logger

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	primaryQuota   Quota
	secondaryQuota Quota
	current        Transport // transport the last call used
	events         []FallbackEvent
}

// NewClient creates a client preferring primary while it has quota
func NewClient(primary, secondary Transport, mode config.QuotaMode, log *zap.Logger) *Client {
	return &Client{
		primary:   primary,
		secondary: secondary,
		mode:      mode,
		log:       log,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FallbackEvents returns a copy of all recorded transport switches
func (c *Client) FallbackEvents() []FallbackEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FallbackEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Quotas returns a consistent snapshot of both transports' quota state
func (c *Client) Quotas() (primary, secondary Quota) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryQuota, c.secondaryQuota
}

// observe folds fresh response metadata into the shared quota state
func (c *Client) observe(t Transport, q Quota) {
	if !q.Known() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setQuotaLocked(t, q)
}

func (c *Client) setQuotaLocked(t Transport, q Quota) {
	if q.Remaining < 0 {
		q.Remaining = 0
	}
	if q.Remaining > q.Limit {
		q.Remaining = q.Limit
	}
	if t == c.primary {
		c.primaryQuota = q
	} else {
		c.secondaryQuota = q
	}
}

// markExhausted zeroes a transport's remaining quota after a mid-flight
// rejection
func (c *Client) markExhausted(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.primaryQuota
	if t != c.primary {
		q = c.secondaryQuota
	}
	q.Remaining = 0
	if q.Limit == 0 {
		q.Limit = 1
	}
	if q.ResetAt.IsZero() {
		q.ResetAt = time.Now().Add(time.Minute)
	}
	c.setQuotaLocked(t, q)
}

// ensureKnown probes a transport whose quota has never been observed
func (c *Client) ensureKnown(ctx context.Context, t Transport) {
	c.mu.Lock()
	known := (t == c.primary && c.primaryQuota.Known()) ||
		(t == c.secondary && c.secondaryQuota.Known())
	c.mu.Unlock()
	if known {
		return
	}
	q, err := t.ProbeQuota(ctx)
	if err != nil {
		c.log.Warn("quota probe failed", zap.String("transport", t.Name()), zap.Error(err))
		return
	}
	c.observe(t, q)
}

// pick selects the transport for the next request. On double exhaustion
// it blocks until the earliest reset or returns QuotaExhaustedError,
// depending on the configured mode.
func (c *Client) pick(ctx context.Context) (Transport, error) {
	c.ensureKnown(ctx, c.primary)

	for {
		c.mu.Lock()
		pq := c.primaryQuota

		// Unknown quota counts as available: the first call will reveal it
		if !pq.Known() || pq.Remaining > 0 {
			c.current = c.primary
			c.mu.Unlock()
			return c.primary, nil
		}
		c.mu.Unlock()

		// Primary is spent; make sure the fallback event carries a real
		// secondary snapshot, not a never-observed zero value
		c.ensureKnown(ctx, c.secondary)

		c.mu.Lock()
		pq, sq := c.primaryQuota, c.secondaryQuota
		if !sq.Known() || sq.Remaining > 0 {
			if c.current != c.secondary {
				ev := FallbackEvent{
					At:                 time.Now(),
					PrimaryRemaining:   pq.Remaining,
					PrimaryResetAt:     pq.ResetAt,
					SecondaryRemaining: sq.Remaining,
					SecondaryResetAt:   sq.ResetAt,
				}
				c.events = append(c.events, ev)
				c.log.Info("falling back to secondary transport",
					zap.Int("primary_remaining", pq.Remaining),
					zap.Time("primary_reset", pq.ResetAt),
					zap.Int("secondary_remaining", sq.Remaining),
					zap.Time("secondary_reset", sq.ResetAt))
			}
			c.current = c.secondary
			c.mu.Unlock()
			return c.secondary, nil
		}

		resetAt := pq.ResetAt
		if sq.ResetAt.Before(resetAt) {
			resetAt = sq.ResetAt
		}
		c.mu.Unlock()

		if c.mode == config.QuotaFail {
			return nil, &domain.QuotaExhaustedError{ResetAt: resetAt}
		}

		c.log.Info("both transports exhausted, pausing until reset", zap.Time("reset_at", resetAt))
		if err := c.sleep(ctx, time.Until(resetAt)); err != nil {
			return nil, err
		}

		// Refresh both quotas after the pause before deciding again
		for _, t := range []Transport{c.primary, c.secondary} {
			q, err := t.ProbeQuota(ctx)
			if err != nil {
				c.log.Warn("quota probe failed", zap.String("transport", t.Name()), zap.Error(err))
				continue
			}
			c.observe(t, q)
		}
	}
}

// FetchIssue reads an issue. Reads are safe to retry after a transport
// switch.
func (c *Client) FetchIssue(ctx context.Context, issueID int) (*Issue, error) {
	for {
		t, err := c.pick(ctx)
		if err != nil {
			return nil, err
		}

		issue, q, err := t.FetchIssue(ctx, issueID)
		c.observe(t, q)
		if err == ErrTransportExhausted {
			c.markExhausted(t)
			continue
		}
		if err != nil {
			return nil, &domain.TransientError{Op: "fetch issue", Err: err}
		}
		return issue, nil
	}
}

// ListComments reads an issue's comments
func (c *Client) ListComments(ctx context.Context, issueID int) ([]Comment, error) {
	for {
		t, err := c.pick(ctx)
		if err != nil {
			return nil, err
		}

		comments, q, err := t.ListComments(ctx, issueID)
		c.observe(t, q)
		if err == ErrTransportExhausted {
			c.markExhausted(t)
			continue
		}
		if err != nil {
			return nil, &domain.TransientError{Op: "list comments", Err: err}
		}
		return comments, nil
	}
}

// StatusMarker returns the dedup marker stamped into status comments
func StatusMarker(runID string, phase domain.Phase) string {
	return fmt.Sprintf("<!-- delivery-run:%s phase:%s -->", runID, phase)
}

// PostStatusComment posts a status comment for a (run, phase) pair. The
// body is stamped with a marker so a retry after a mid-flight transport
// switch can confirm whether the original attempt already landed instead
// of blindly posting again.
func (c *Client) PostStatusComment(ctx context.Context, issueID int, runID string, phase domain.Phase, body string) error {
	marker := StatusMarker(runID, phase)
	stamped := marker + "\n" + body

	switched := false
	for {
		t, err := c.pick(ctx)
		if err != nil {
			return err
		}

		if switched {
			// The earlier attempt may have succeeded before the quota
			// rejection reached us; confirm before writing again.
			comments, err := c.ListComments(ctx, issueID)
			if err != nil {
				return err
			}
			for _, cm := range comments {
				if strings.Contains(cm.Body, marker) {
					c.log.Info("status comment already present, skipping retry",
						zap.String("run", runID), zap.String("phase", string(phase)))
					return nil
				}
			}
		}

		q, err := t.PostComment(ctx, issueID, stamped)
		c.observe(t, q)
		if err == ErrTransportExhausted {
			c.markExhausted(t)
			switched = true
			continue
		}
		if err != nil {
			return &domain.TransientError{Op: "post comment", Err: err}
		}
		return nil
	}
}
