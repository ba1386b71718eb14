package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
)

// RunPurger calls p.PurgeExpired every interval until ctx is done.
func RunPurger(ctx context.Context, p Purger, every time.Duration, log *logger.Logger) {
	log = log.With(zap.String("component", "store_purger"))
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("failed to purge expired records", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged expired records", zap.Int64("count", n))
			}
		}
	}
}
