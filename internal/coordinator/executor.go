package coordinator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/delivery-orchestrator/internal/domain"
	"github.com/hochfrequenz/delivery-orchestrator/internal/template"
	"github.com/hochfrequenz/delivery-orchestrator/internal/tracker"
)

// CommandExecutor runs the command a template configures for the phase,
// inside the run's working copy, tracked as a tool call. Phases without
// a configured command succeed without doing anything.
type CommandExecutor struct {
	log *zap.Logger
}

// NewCommandExecutor creates a CommandExecutor
func NewCommandExecutor(log *zap.Logger) *CommandExecutor {
	return &CommandExecutor{log: log}
}

// Execute runs the phase's configured command. The last non-empty output
// line becomes the artifact reference, which is where tools like
// `gh pr create` print the URL they produced.
func (e *CommandExecutor) Execute(ctx context.Context, run *domain.Run, alloc *domain.Allocation, phase domain.Phase, spec template.PhaseSpec, scope *tracker.Scope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(spec.Command) == 0 {
		e.log.Debug("phase has no command configured",
			zap.String("run", run.ID),
			zap.String("phase", string(phase)))
		return "", nil
	}

	call, err := scope.Track(spec.Command[0], spec.Command[1:], alloc.WorkingCopy)
	if err != nil {
		return "", fmt.Errorf("phase command %s: %w", spec.Command[0], err)
	}
	return lastLine(call.Summary), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
