package window

import (
	"context"
	"log/slog"
	"time"
)

// Rotator rotates the open window on a fixed interval. It is a singleton
// background task: one rotation at a time, driven by a single ticker. A
// failed cycle is logged and retried on the next tick; it never crashes
// the process.
type Rotator struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewRotator creates a rotator. Interval must be positive.
func NewRotator(m *Manager, interval time.Duration, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{manager: m, interval: interval, logger: logger}
}

// Run rotates until the context is cancelled. Blocking; callers run it
// in its own goroutine.
func (r *Rotator) Run(ctx context.Context) {
	r.logger.Info("rotator started", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("rotator stopped")
			return
		case <-ticker.C:
			closed, next, err := r.manager.Rotate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					r.logger.Info("rotator stopped")
					return
				}
				r.logger.Error("rotation failed, retrying next cycle", "error", err)
				continue
			}
			r.logger.Info("window rotated",
				"closed", closed.ID,
				"leaves", closed.LeafCount,
				"root", closed.RootHash,
				"next", next.ID,
			)
		}
	}
}
