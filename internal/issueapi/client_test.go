package issueapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/delivery-orchestrator/internal/config"
	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
)

// commentStore is the shared server-side comment list both fake
// transports read and write, like two API endpoints of one tracker.
type commentStore struct {
	mu       sync.Mutex
	comments []Comment
}

func (s *commentStore) add(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, Comment{ID: len(s.comments) + 1, Body: body})
}

func (s *commentStore) list() []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Comment, len(s.comments))
	copy(out, s.comments)
	return out
}

// fakeTransport counts calls and simulates quota depletion
type fakeTransport struct {
	name  string
	store *commentStore

	mu         sync.Mutex
	quota      Quota
	fetches    int
	posts      int
	fetchFails int  // first N fetches rejected mid-flight
	postFails  int  // first N posts rejected mid-flight
	postLanded bool // whether a rejected post still landed server-side
}

func newFakeTransport(name string, remaining int, resetAt time.Time, store *commentStore) *fakeTransport {
	return &fakeTransport{
		name:  name,
		store: store,
		quota: Quota{Remaining: remaining, Limit: 100, ResetAt: resetAt},
	}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) take() error {
	if f.quota.Remaining <= 0 {
		return ErrTransportExhausted
	}
	f.quota.Remaining--
	return nil
}

func (f *fakeTransport) FetchIssue(ctx context.Context, issueID int) (*Issue, Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchFails > 0 {
		f.fetchFails--
		return nil, f.quota, ErrTransportExhausted
	}
	if err := f.take(); err != nil {
		return nil, f.quota, err
	}
	f.fetches++
	return &Issue{Number: issueID, Title: "widget is broken"}, f.quota, nil
}

func (f *fakeTransport) ListComments(ctx context.Context, issueID int) ([]Comment, Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take(); err != nil {
		return nil, f.quota, err
	}
	return f.store.list(), f.quota, nil
}

func (f *fakeTransport) PostComment(ctx context.Context, issueID int, body string) (Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postFails > 0 {
		f.postFails--
		// The ambiguous mid-flight case: the response says exhausted but
		// the write may already have landed server-side
		if f.postLanded {
			f.store.add(body)
		}
		return f.quota, ErrTransportExhausted
	}
	if err := f.take(); err != nil {
		return f.quota, err
	}
	f.posts++
	f.store.add(body)
	return f.quota, nil
}

func (f *fakeTransport) ProbeQuota(ctx context.Context) (Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quota, nil
}

func newFakePair(primaryRemaining, secondaryRemaining int, reset time.Time) (*fakeTransport, *fakeTransport) {
	store := &commentStore{}
	return newFakeTransport("primary", primaryRemaining, reset, store),
		newFakeTransport("secondary", secondaryRemaining, reset, store)
}

func TestFetch_PrefersPrimary(t *testing.T) {
	primary, secondary := newFakePair(10, 10, time.Now().Add(time.Hour))
	c := NewClient(primary, secondary, config.QuotaFail, zap.NewNop())

	issue, err := c.FetchIssue(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if issue.Number != 42 {
		t.Errorf("Number = %d, want 42", issue.Number)
	}
	if primary.fetches != 1 || secondary.fetches != 0 {
		t.Errorf("fetches = primary %d secondary %d, want 1/0", primary.fetches, secondary.fetches)
	}
	if len(c.FallbackEvents()) != 0 {
		t.Errorf("fallback events = %d, want 0", len(c.FallbackEvents()))
	}
}

func TestFetch_FallsBackOnExhaustion(t *testing.T) {
	reset := time.Now().Add(time.Hour)
	primary, secondary := newFakePair(0, 5, reset)
	c := NewClient(primary, secondary, config.QuotaFail, zap.NewNop())

	issue, err := c.FetchIssue(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if issue == nil || secondary.fetches != 1 {
		t.Fatalf("secondary fetches = %d, want 1", secondary.fetches)
	}

	events := c.FallbackEvents()
	if len(events) != 1 {
		t.Fatalf("fallback events = %d, want 1", len(events))
	}
	if events[0].PrimaryRemaining != 0 {
		t.Errorf("event PrimaryRemaining = %d, want 0", events[0].PrimaryRemaining)
	}
	if events[0].SecondaryRemaining != 5 {
		t.Errorf("event SecondaryRemaining = %d, want 5", events[0].SecondaryRemaining)
	}
	if !events[0].SecondaryResetAt.Equal(reset) {
		t.Errorf("event SecondaryResetAt = %v, want %v", events[0].SecondaryResetAt, reset)
	}
}

func TestFetch_MidFlightExhaustionIsTransparent(t *testing.T) {
	// Probe says primary has quota, but the call itself is rejected
	primary, secondary := newFakePair(10, 5, time.Now().Add(time.Hour))
	primary.fetchFails = 1
	c := NewClient(primary, secondary, config.QuotaFail, zap.NewNop())

	if _, err := c.FetchIssue(context.Background(), 2); err != nil {
		t.Fatalf("fetch = %v, want transparent fallback", err)
	}
	if secondary.fetches != 1 {
		t.Errorf("secondary fetches = %d, want 1", secondary.fetches)
	}
	if primary.fetches != 0 {
		t.Errorf("primary fetches = %d, want 0 (rejected mid-flight)", primary.fetches)
	}
}

func TestFetch_BothExhausted_FailMode(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute)
	laterReset := time.Now().Add(2 * time.Hour)
	store := &commentStore{}
	primary := newFakeTransport("primary", 0, laterReset, store)
	secondary := newFakeTransport("secondary", 0, reset, store)
	c := NewClient(primary, secondary, config.QuotaFail, zap.NewNop())

	_, err := c.FetchIssue(context.Background(), 1)
	var qe *domain.QuotaExhaustedError
	if !errors.As(err, &qe) {
		t.Fatalf("error = %v, want QuotaExhaustedError", err)
	}
	// Reset time must be the earliest of the two
	if !qe.ResetAt.Equal(reset) {
		t.Errorf("ResetAt = %v, want %v (min of both)", qe.ResetAt, reset)
	}
}

func TestFetch_BothExhausted_BlockMode(t *testing.T) {
	primary, secondary := newFakePair(0, 0, time.Now().Add(10*time.Millisecond))
	c := NewClient(primary, secondary, config.QuotaBlock, zap.NewNop())

	var slept time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		// Quota refills while we sleep
		primary.mu.Lock()
		primary.quota.Remaining = 5
		primary.mu.Unlock()
		return nil
	}

	issue, err := c.FetchIssue(context.Background(), 9)
	if err != nil {
		t.Fatalf("blocking fetch = %v, want success after reset", err)
	}
	if issue == nil {
		t.Fatal("issue = nil")
	}
	if slept <= 0 {
		t.Errorf("slept = %v, want > 0", slept)
	}
}

func TestPostStatusComment_DedupAfterSwitch(t *testing.T) {
	primary, secondary := newFakePair(10, 10, time.Now().Add(time.Hour))

	// Primary rejects the post for quota reasons, but the write landed
	// on the server before the rejection reached us
	primary.postFails = 1
	primary.postLanded = true
	c := NewClient(primary, secondary, config.QuotaFail, zap.NewNop())

	err := c.PostStatusComment(context.Background(), 42, "run-1", domain.PhaseShip, "shipped")
	if err != nil {
		t.Fatal(err)
	}

	// The retry must have been skipped: the dedup read saw the marker
	if secondary.posts != 0 {
		t.Errorf("secondary posts = %d, want 0 (dedup should skip retry)", secondary.posts)
	}
}

func TestPostStatusComment_RetriesWhenOriginalDidNotLand(t *testing.T) {
	primary, secondary := newFakePair(10, 10, time.Now().Add(time.Hour))

	primary.postFails = 1
	primary.postLanded = false
	c := NewClient(primary, secondary, config.QuotaFail, zap.NewNop())

	err := c.PostStatusComment(context.Background(), 42, "run-1", domain.PhaseShip, "shipped")
	if err != nil {
		t.Fatal(err)
	}
	if secondary.posts != 1 {
		t.Errorf("secondary posts = %d, want 1 (original never landed)", secondary.posts)
	}
}

func TestQuotas_NeverNegative(t *testing.T) {
	reset := time.Now().Add(time.Hour)
	primary, secondary := newFakePair(5, 5, reset)
	c := NewClient(primary, secondary, config.QuotaFail, zap.NewNop())

	c.observe(primary, Quota{Remaining: -3, Limit: 100, ResetAt: reset})
	pq, _ := c.Quotas()
	if pq.Remaining != 0 {
		t.Errorf("Remaining = %d, want clamped to 0", pq.Remaining)
	}

	c.observe(primary, Quota{Remaining: 150, Limit: 100, ResetAt: reset})
	pq, _ = c.Quotas()
	if pq.Remaining != 100 {
		t.Errorf("Remaining = %d, want clamped to limit 100", pq.Remaining)
	}
}
