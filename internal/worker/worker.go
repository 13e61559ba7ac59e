package worker

import (
	"context"
	"fmt"

	"gateway-reconciler/internal/broker"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/notifier"
	"gateway-reconciler/internal/util"

	"go.uber.org/zap"
)

// Notifier delivers one webhook. *notifier.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, url string, payload interface{}) notifier.Outcome
}

// DeliveryStore records webhook deliveries and deduplicates jobs
type DeliveryStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	RecordDelivery(ctx context.Context, d *models.NotificationDelivery) error
}

// NotificationWorker consumes notification jobs and pushes them to merchant webhooks
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	notifier     Notifier
	store        DeliveryStore
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, n Notifier, store DeliveryStore) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		notifier:     n,
		store:        store,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnMerchantNotify(w.HandleJob)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleJob delivers one job. The delivery outcome never touches order or
// ledger state; only a failure to record it is returned for redelivery.
func (w *NotificationWorker) HandleJob(ctx context.Context, job *models.NotificationJob) error {
	ctx, span := util.StartSpan(ctx, "NotificationWorker.HandleJob")
	defer span.End()

	processed, err := w.store.IsEventProcessed(ctx, job.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		w.logger.Info("Notification job already processed", zap.String("job_id", job.EventID))
		return nil
	}

	out := w.notifier.Notify(ctx, job.URL, job.Payload)
	util.NotificationAttempts.Observe(float64(out.Attempts))
	util.NotificationsTotal.WithLabelValues(out.Result()).Inc()

	delivery := &models.NotificationDelivery{
		JobID:          job.EventID,
		OrderID:        job.OrderID,
		URL:            job.URL,
		Attempts:       out.Attempts,
		LastStatusCode: out.StatusCode,
		Outcome:        out.Result(),
	}
	if out.Err != nil {
		delivery.LastError = out.Err.Error()
	}
	if err := w.store.RecordDelivery(ctx, delivery); err != nil {
		util.SpanError(span, err)
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	if out.Delivered {
		w.logger.Info("Merchant notified",
			zap.String("order_id", job.OrderID),
			zap.Int("attempts", out.Attempts))
	} else {
		w.logger.Error("Merchant notification failed",
			zap.String("order_id", job.OrderID),
			zap.String("outcome", out.Result()),
			zap.Int("attempts", out.Attempts),
			zap.Int("status", out.StatusCode),
			zap.Error(out.Err))
	}

	if err := w.store.MarkEventProcessed(ctx, job.EventID, job.EventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}
