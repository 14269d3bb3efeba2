package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/homeos/internal/store"
)

// Names of the built-in maintenance jobs.
const (
	JobExpireApprovals = "expire-approvals"
	JobResumeTimers    = "resume-due-timers"
)

// ApprovalExpirer marks overdue approval requests as expired.
type ApprovalExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// TimerSource lists timers whose fire time has passed.
type TimerSource interface {
	ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*store.Timer, error)
}

// Resumer loads a workflow instance that is not live in this process.
type Resumer interface {
	EnsureRunning(ctx context.Context, workflowID string) error
}

// ExpireApprovalsJob expires pending approvals past their deadline.
func ExpireApprovalsJob(spec string, approvals ApprovalExpirer, logger *slog.Logger) Job {
	return Job{
		Name: JobExpireApprovals,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := approvals.ExpireOverdue(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("expired overdue approvals", slog.Int("count", n))
			}
			return nil
		},
	}
}

// ResumeTimersJob loads every instance with a due timer so it can fire.
func ResumeTimersJob(spec string, timers TimerSource, runtime Resumer, now func() time.Time, logger *slog.Logger) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name: JobResumeTimers,
		Spec: spec,
		Run: func(ctx context.Context) error {
			due, err := timers.ListDueTimers(ctx, now().UTC(), 100)
			if err != nil {
				return err
			}
			seen := make(map[string]struct{}, len(due))
			for _, t := range due {
				if _, ok := seen[t.WorkflowID]; ok {
					continue
				}
				seen[t.WorkflowID] = struct{}{}
				if err := runtime.EnsureRunning(ctx, t.WorkflowID); err != nil {
					logger.Warn("resume workflow with due timer failed",
						slog.String("workflow_id", t.WorkflowID),
						slog.String("error", err.Error()),
					)
				}
			}
			return nil
		},
	}
}
