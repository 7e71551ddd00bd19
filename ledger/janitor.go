package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunRetentionSweep purges idempotency records older than retention every
// interval until ctx is done. A failed sweep is logged and retried on the
// next tick. It always returns nil.
func (s *Service) RunRetentionSweep(ctx context.Context, retention, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("idempotency retention sweep started",
		zap.Duration("retention", retention),
		zap.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PurgeIdempotencyRecords(ctx, retention); err != nil && ctx.Err() == nil {
				s.logger.Error("idempotency retention sweep failed", zap.Error(err))
			}
		}
	}
}
