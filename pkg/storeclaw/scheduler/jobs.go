package scheduler

import (
	"context"
	"log/slog"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/outbound"
)

// Job IDs.
const (
	JobRedeliver  = "redeliver"
	JobDedupSweep = "dedup-sweep"
)

// Redeliverer resends pending replies.
type Redeliverer interface {
	Run(ctx context.Context) (outbound.Stats, error)
}

// Sweeper evicts expired dedup entries.
type Sweeper interface {
	Sweep() int
}

// RedeliveryJob runs one redelivery pass and logs what it did.
func RedeliveryJob(r Redeliverer, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		stats, err := r.Run(ctx)
		if err != nil {
			return err
		}
		if stats.Sent+stats.Retried+stats.Failed > 0 {
			logger.Info("redelivery pass",
				"sent", stats.Sent, "retried", stats.Retried,
				"failed", stats.Failed, "skipped", stats.Skipped)
		}
		return nil
	}
}

// SweepJob evicts expired dedup keys.
func SweepJob(s Sweeper, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(context.Context) error {
		if n := s.Sweep(); n > 0 {
			logger.Debug("dedup cache swept", "evicted", n)
		}
		return nil
	}
}
