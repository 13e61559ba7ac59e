package worker

import (
	"context"
	"time"

	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/service"
	"gateway-reconciler/internal/util"

	"go.uber.org/zap"
)

// Spool is the drain side of the local outbox. *outbox.Outbox implements it.
type Spool interface {
	Drain(ctx context.Context, limit int, fn func(context.Context, *models.NotificationJob) error) (int, error)
	Len() (int, error)
}

// OutboxWorker republishes spooled notification jobs once the broker is back
type OutboxWorker struct {
	spool     Spool
	publisher service.NotificationPublisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(spool Spool, publisher service.NotificationPublisher, interval time.Duration) *OutboxWorker {
	return &OutboxWorker{
		spool:     spool,
		publisher: publisher,
		interval:  interval,
		batchSize: 500,
		logger:    util.GetLogger(),
	}
}

// Start flushes the spool on every tick until ctx is cancelled
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping outbox worker")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.FlushOnce(ctx); err != nil {
				w.logger.Warn("Outbox flush stopped early", zap.Error(err))
			}
		}
	}
}

// FlushOnce publishes spooled jobs in order, stopping at the first failure
func (w *OutboxWorker) FlushOnce(ctx context.Context) (int, error) {
	n, err := w.spool.Drain(ctx, w.batchSize, w.publisher.PublishNotification)
	if remaining, lenErr := w.spool.Len(); lenErr == nil {
		util.OutboxPending.Set(float64(remaining))
	}
	if n > 0 {
		w.logger.Info("Republished spooled notification jobs", zap.Int("count", n))
	}
	return n, err
}
