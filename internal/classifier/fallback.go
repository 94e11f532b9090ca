package classifier

import (
	"context"
	"log/slog"
	"time"
)

// Fallback wraps a primary classifier with a timeout and a deterministic
// backup. A primary failure is absorbed here with a logged warning; callers
// never see a classifier error.
type Fallback struct {
	primary Classifier
	backup  Classifier
	timeout time.Duration
}

var _ Classifier = (*Fallback)(nil)

func NewFallback(primary Classifier, backup Classifier, timeout time.Duration) *Fallback {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fallback{
		primary: primary,
		backup:  backup,
		timeout: timeout,
	}
}

func (f *Fallback) Analyze(ctx context.Context, description string) (*Analysis, error) {
	if f.primary != nil {
		tctx, cancel := context.WithTimeout(ctx, f.timeout)
		a, err := f.primary.Analyze(tctx, description)
		cancel()
		if err == nil {
			return a, nil
		}
		slog.WarnContext(ctx, "primary classifier failed, using heuristic fallback", "error", err)
	}
	return f.backup.Analyze(ctx, description)
}

func (f *Fallback) Reanalyze(ctx context.Context, description string, qa []QA) (*Analysis, error) {
	if f.primary != nil {
		tctx, cancel := context.WithTimeout(ctx, f.timeout)
		a, err := f.primary.Reanalyze(tctx, description, qa)
		cancel()
		if err == nil {
			return a, nil
		}
		slog.WarnContext(ctx, "primary classifier failed, using heuristic fallback", "error", err)
	}
	return f.backup.Reanalyze(ctx, description, qa)
}
