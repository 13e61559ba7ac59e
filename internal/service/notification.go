package service

import (
	"context"
	"time"

	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/outbox"
	"gateway-reconciler/internal/signature"
	"gateway-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewNotificationJob builds the signed webhook body for a finalized order
func NewNotificationJob(order *models.Order, secret string, now time.Time) *models.NotificationJob {
	finalizedAt := now
	if order.FinalizedAt != nil {
		finalizedAt = *order.FinalizedAt
	}

	payload := models.MerchantNotification{
		OrderID:         order.OrderID,
		MerchantOrderID: order.MerchantOrderID,
		MerchantID:      order.MerchantID,
		Direction:       order.Direction,
		Status:          order.Status,
		Amount:          order.Amount,
		Fee:             order.Fee,
		NetAmount:       order.NetAmount,
		FinalizedAt:     finalizedAt,
		Timestamp:       now.Unix(),
		Sign: signature.MerchantNotifySign(order.OrderID, order.MerchantOrderID,
			string(order.Status), order.Amount.StringFixed(2), secret),
	}

	return &models.NotificationJob{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeMerchantNotify,
			Timestamp: now,
		},
		OrderID: order.OrderID,
		URL:     order.NotifyURL,
		Payload: payload,
	}
}

// NotificationPublisher puts jobs on the broker. *broker.EventPublisher implements it.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, job *models.NotificationJob) error
}

// Spool holds jobs the broker refused. *outbox.Outbox implements it.
type Spool interface {
	Put(job *models.NotificationJob) error
	Len() (int, error)
}

var (
	_ Spool = (*outbox.Outbox)(nil)
	_ Spool = (*outbox.Lazy)(nil)
)

// SpoolingQueue publishes notification jobs and falls back to a local spool
// when publishing fails
type SpoolingQueue struct {
	publisher NotificationPublisher
	spool     Spool
	logger    *zap.Logger
}

// NewSpoolingQueue creates a queue. spool may be nil.
func NewSpoolingQueue(publisher NotificationPublisher, spool Spool) *SpoolingQueue {
	return &SpoolingQueue{
		publisher: publisher,
		spool:     spool,
		logger:    util.GetLogger(),
	}
}

// Enqueue publishes job, spooling it on failure. It only errors when neither
// the broker nor the spool accepted the job.
func (q *SpoolingQueue) Enqueue(ctx context.Context, job *models.NotificationJob) error {
	err := q.publisher.PublishNotification(ctx, job)
	if err == nil {
		return nil
	}
	if q.spool == nil {
		return err
	}

	q.logger.Warn("Publish failed, spooling notification job",
		zap.String("order_id", job.OrderID),
		zap.String("job_id", job.EventID),
		zap.Error(err),
	)
	if spoolErr := q.spool.Put(job); spoolErr != nil {
		return spoolErr
	}
	if n, lenErr := q.spool.Len(); lenErr == nil {
		util.OutboxPending.Set(float64(n))
	}
	return nil
}
