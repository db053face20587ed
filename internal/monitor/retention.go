package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/storage"
)

// Retention deletes health checks older than a fixed age
type Retention struct {
	logger *zap.Logger
	checks storage.HealthCheckStore
	maxAge time.Duration
	now    func() time.Time
}

// NewRetention creates a retention job keeping checks for days days
func NewRetention(logger *zap.Logger, checks storage.HealthCheckStore, days int) *Retention {
	return &Retention{
		logger: logger.Named("retention"),
		checks: checks,
		maxAge: time.Duration(days) * 24 * time.Hour,
		now:    time.Now,
	}
}

// Run deletes expired checks. A non-positive age keeps everything.
func (r *Retention) Run(ctx context.Context) error {
	if r.maxAge <= 0 {
		return nil
	}

	cutoff := r.now().Add(-r.maxAge)
	deleted, err := r.checks.DeleteHealthChecksBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up health checks: %w", err)
	}

	if deleted > 0 {
		r.logger.Info("Cleaned up old health checks",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return nil
}
