package service

import (
	"context"
	"time"

	"fedhub/pkg/requestcontext"
)

// StartSweeper runs periodic expiry of stale enrollments until ctx is
// cancelled. Enrollments stuck in pending_verification or
// fingerprint_verified beyond the pending TTL move to expired.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.SweepExpired(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepExpired expires every stale pending enrollment as of the context
// clock. Exported for testability; the background sweeper passes wall-clock
// time. Per-record failures are logged and skipped so one contended record
// cannot stall the sweep.
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := requestcontext.Now(ctx)
	cutoff := now.Add(-e.pendingTTL)

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "list pending enrollments for expiry sweep", "error", err)
		return 0
	}

	expired := 0
	for _, enrollment := range pending {
		// The TTL runs from creation; intermediate transitions such as
		// fingerprint verification do not extend the deadline.
		if !enrollment.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := e.Expire(ctx, enrollment.EnrollmentID); err != nil {
			e.logger.WarnContext(ctx, "expire stale enrollment",
				"error", err,
				"enrollment_id", enrollment.EnrollmentID.String(),
				"status", string(enrollment.Status),
			)
			continue
		}
		expired++
	}
	if expired > 0 {
		e.logger.InfoContext(ctx, "expired stale enrollments", "count", expired)
	}
	return expired
}
