package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes notification jobs and order lifecycle events
type EventPublisher struct {
	notify *Producer
	events *Producer
}

// NewEventPublisher creates a new event publisher. events may be nil when
// lifecycle events are not wanted.
func NewEventPublisher(notify, events *Producer) *EventPublisher {
	return &EventPublisher{notify: notify, events: events}
}

// PublishNotification enqueues a merchant webhook delivery
func (ep *EventPublisher) PublishNotification(ctx context.Context, job *models.NotificationJob) error {
	return ep.notify.Publish(ctx, job.OrderID, job.EventType, job)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	if ep.events == nil {
		return nil
	}
	return ep.events.Publish(ctx, event.OrderID, event.EventType, event)
}

// PublishOrderFinalized publishes OrderFinalized event
func (ep *EventPublisher) PublishOrderFinalized(ctx context.Context, event *models.OrderFinalizedEvent) error {
	if ep.events == nil {
		return nil
	}
	return ep.events.Publish(ctx, event.OrderID, event.EventType, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onMerchantNotify func(context.Context, *models.NotificationJob) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnMerchantNotify registers a handler for notification jobs
func (eh *EventHandler) OnMerchantNotify(handler func(context.Context, *models.NotificationJob) error) {
	eh.onMerchantNotify = handler
}

// HandleMessage routes messages to appropriate handlers. Messages that cannot
// be decoded are logged and dropped so they do not block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	if t := EventType(msg); t != "" && t != models.EventTypeMerchantNotify {
		eh.logger.Debug("Skipping event", zap.String("type", t), zap.Int64("offset", msg.Offset))
		return nil
	}

	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID),
	)

	switch baseEvent.EventType {
	case models.EventTypeMerchantNotify:
		if eh.onMerchantNotify != nil {
			var job models.NotificationJob
			if err := json.Unmarshal(msg.Value, &job); err != nil {
				eh.logger.Error("Dropping malformed notification job", zap.String("id", baseEvent.EventID), zap.Error(err))
				return nil
			}
			if err := eh.onMerchantNotify(ctx, &job); err != nil {
				return fmt.Errorf("failed to handle notification job %s: %w", job.EventID, err)
			}
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
