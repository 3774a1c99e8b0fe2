package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner drops conversations last touched before cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditPruner drops audit entries older than cutoff.
type AuditPruner interface {
	Prune(cutoff time.Time) (int, error)
}

// RetentionJob prunes old conversations (and audit entries) on a cron
// schedule.
type RetentionJob struct {
	memory Pruner
	audit  AuditPruner
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	cron *cron.Cron
}

// NewRetentionJob creates a job removing data older than maxAge. audit may
// be nil.
func NewRetentionJob(memory Pruner, audit AuditPruner, maxAge time.Duration, logger *slog.Logger) *RetentionJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionJob{
		memory: memory,
		audit:  audit,
		maxAge: maxAge,
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
}

// RunOnce performs a single pruning pass.
func (j *RetentionJob) RunOnce(ctx context.Context) error {
	cutoff := j.now().Add(-j.maxAge)
	n, err := j.memory.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}
	j.logger.Info("conversations pruned", "removed", n, "cutoff", cutoff)

	if j.audit != nil {
		removed, err := j.audit.Prune(cutoff)
		if err != nil {
			return fmt.Errorf("prune audit log: %w", err)
		}
		j.logger.Info("audit log pruned", "removed", removed)
	}
	return nil
}

// Start schedules RunOnce with a standard five-field cron spec or a
// descriptor such as "@daily".
func (j *RetentionJob) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := j.RunOnce(ctx); err != nil {
			j.logger.Error("retention run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention %q: %w", schedule, err)
	}
	j.cron = c
	c.Start()
	j.logger.Info("retention scheduled", "schedule", schedule, "max_age", j.maxAge)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (j *RetentionJob) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}
