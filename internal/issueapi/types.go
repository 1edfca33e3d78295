// Package issueapi exposes reads and writes against the remote issue
// tracker without callers knowing which underlying transport serves a
// given call. Two transports with independent quotas back one logical
// capability; the client switches between them transparently.
package issueapi

import (
	"context"
	"errors"
	"time"
)

// ErrTransportExhausted is returned by a transport when the remote API
// rejects a call for quota reasons. The client treats it as a signal to
// switch transports, never as a caller-visible failure on its own.
var ErrTransportExhausted = errors.New("transport quota exhausted")

// Quota is the rate-limit bookkeeping for one transport, refreshed from
// response metadata or an explicit probe.
type Quota struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Known reports whether the quota has been observed at least once
func (q Quota) Known() bool { return q.Limit > 0 }

// Issue is the tracker-side representation of a work item
type Issue struct {
	Number int
	Title  string
	Body   string
	Labels []string
}

// Comment is one issue comment
type Comment struct {
	ID   int
	Body string
}

// Transport is one backing channel to the tracker API with its own quota.
// Every call returns the freshest quota the response metadata revealed;
// a zero Quota means the call carried no metadata.
type Transport interface {
	Name() string
	FetchIssue(ctx context.Context, issueID int) (*Issue, Quota, error)
	ListComments(ctx context.Context, issueID int) ([]Comment, Quota, error)
	PostComment(ctx context.Context, issueID int, body string) (Quota, error)
	ProbeQuota(ctx context.Context) (Quota, error)
}

// FallbackEvent records one transparent switch from the primary to the
// secondary transport.
type FallbackEvent struct {
	At                 time.Time
	PrimaryRemaining   int
	PrimaryResetAt     time.Time
	SecondaryRemaining int
	SecondaryResetAt   time.Time
}
