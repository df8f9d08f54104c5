package worker

import (
	"context"
	"log/slog"
	"time"

	"floodtwin/internal/config"
	"floodtwin/internal/metrics"
	"floodtwin/internal/model"
	"floodtwin/internal/store"
)

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	JobsDeleted map[model.State]int64 `json:"jobsDeleted"`
}

// CleanupExpiredJobs deletes old terminal jobs based on retention
// settings so that the database does not grow without bound. Each
// terminal state carries its own TTL: failed jobs are typically kept
// longer than succeeded ones for debugging.
func CleanupExpiredJobs(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) RetentionStats {
	now := time.Now().UTC()
	stats := RetentionStats{JobsDeleted: make(map[model.State]int64)}

	apply := func(state model.State, days int) {
		if days <= 0 {
			return
		}
		cutoff := now.AddDate(0, 0, -days)
		n, err := st.DeleteTerminalBefore(ctx, state, cutoff)
		if err != nil {
			logger.Warn("retention cleanup failed", "state", state, "error", err)
			return
		}
		if n > 0 {
			stats.JobsDeleted[state] += n
			metrics.RecordRetentionJobs(string(state), n)
			logger.Info("retention cleanup", "state", state, "deleted", n)
		}
	}

	apply(model.StateSucceeded, cfg.Retention.SucceededDays)
	apply(model.StateFailed, cfg.Retention.FailedDays)
	apply(model.StateCancelled, cfg.Retention.CancelledDays)

	return stats
}
