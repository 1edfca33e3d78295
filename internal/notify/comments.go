package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
)

// StatusPoster posts deduplicated status comments on an issue.
// *issueapi.Client satisfies it.
type StatusPoster interface {
	PostStatusComment(ctx context.Context, issueID int, runID string, phase domain.Phase, body string) error
}

// CommentNotifier mirrors the events worth surfacing onto the run's
// issue as comments: tolerated failures and the two terminal outcomes.
// Routine phase completions stay out of the comment thread.
type CommentNotifier struct {
	poster  StatusPoster
	timeout time.Duration
	log     *zap.Logger
}

// NewCommentNotifier creates a CommentNotifier
func NewCommentNotifier(poster StatusPoster, log *zap.Logger) *CommentNotifier {
	return &CommentNotifier{poster: poster, timeout: 2 * time.Minute, log: log}
}

// Send posts a comment for the event if it warrants one
func (n *CommentNotifier) Send(ev Event) error {
	var phase domain.Phase
	var body string

	switch ev.Kind {
	case EventPhaseCompleted:
		if ev.Status != string(domain.PhaseFailedNonBlocking) {
			return nil
		}
		phase = domain.Phase(ev.Phase)
		body = fmt.Sprintf("⚠️ Phase **%s** failed but was classified non-blocking; the run continues.\n\n```\n%s\n```", ev.Phase, ev.Detail)
	case EventRunVerified:
		phase = domain.Phase(ev.Kind)
		body = "✅ Delivery run completed and verified."
		if ev.Detail != "" {
			body += "\n\nResult: " + ev.Detail
		}
	case EventRunAborted:
		phase = domain.Phase(ev.Kind)
		body = fmt.Sprintf("❌ Delivery run aborted.\n\n```\n%s\n```", ev.Detail)
	default:
		// Pausing means the API quota is already gone; don't spend more
		// of it on a comment
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.poster.PostStatusComment(ctx, ev.IssueID, ev.RunID, phase, body); err != nil {
		n.log.Warn("posting status comment failed",
			zap.String("run", ev.RunID),
			zap.Int("issue", ev.IssueID),
			zap.Error(err))
		return err
	}
	return nil
}
