package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskhub/taskhub/internal/jitter"
	"github.com/taskhub/taskhub/internal/orchestrator"
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/pkg/panicerr"
)

const (
	defaultSweepInterval   = 5 * time.Minute
	defaultMaxTaskDuration = 4 * time.Hour
)

type Config struct {
	SweepInterval   time.Duration
	MaxTaskDuration time.Duration
}

// Monitor periodically sweeps for tasks still executing past the maximum
// duration and escalates them. Escalation force-fails; there is no retry.
type Monitor struct {
	cfg  Config
	repo task.Repository
	orch *orchestrator.Orchestrator

	now func() time.Time
}

func New(cfg Config, repo task.Repository, orch *orchestrator.Orchestrator) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxTaskDuration <= 0 {
		cfg.MaxTaskDuration = defaultMaxTaskDuration
	}
	return &Monitor{
		cfg:  cfg,
		repo: repo,
		orch: orch,
		now:  time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping on a jittered interval.
func (m *Monitor) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "monitor started",
		"sweep_interval", m.cfg.SweepInterval, "max_task_duration", m.cfg.MaxTaskDuration)
	loop := panicerr.SafeContext(func(ctx context.Context) error {
		for {
			timer := time.NewTimer(jitter.Duration(m.cfg.SweepInterval))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			m.SweepOnce(ctx)
		}
	})
	return loop(ctx)
}

// SweepOnce escalates every task whose execution started more than
// MaxTaskDuration ago and has not finished. Exported for tests and
// one-shot invocations.
func (m *Monitor) SweepOnce(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.MaxTaskDuration)
	stale, err := m.repo.FindStaleInProgress(ctx, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "sweep failed", "error", err)
		return
	}
	for _, t := range stale {
		reason := "exceeded maximum task duration of " + m.cfg.MaxTaskDuration.String()
		if err := m.orch.Escalate(ctx, t, reason); err != nil {
			slog.ErrorContext(ctx, "escalation failed", "task_id", t.ID, "error", err)
		}
	}
	if len(stale) > 0 {
		slog.WarnContext(ctx, "sweep escalated stale tasks", "count", len(stale))
	}
}
