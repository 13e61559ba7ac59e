package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gateway-reconciler/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublishNotificationKeyedByOrder(t *testing.T) {
	w := &recordingWriter{}
	pub := NewEventPublisher(NewProducerWithWriter(w, "merchant-notify"), nil)

	job := &models.NotificationJob{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeMerchantNotify},
		OrderID:   "PI1",
		URL:       "https://m.example/cb",
	}
	require.NoError(t, pub.PublishNotification(context.Background(), job))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "PI1", string(w.msgs[0].Key))

	var decoded models.NotificationJob
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "e1", decoded.EventID)

	// lifecycle events are optional
	assert.NoError(t, pub.PublishOrderFinalized(context.Background(), &models.OrderFinalizedEvent{OrderID: "PI1"}))
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("leader not available")
	pub := NewEventPublisher(NewProducerWithWriter(&recordingWriter{err: boom}, "merchant-notify"), nil)

	err := pub.PublishNotification(context.Background(), &models.NotificationJob{OrderID: "PI1"})
	assert.ErrorIs(t, err, boom)
}

func TestHandleMessageRoutesNotificationJobs(t *testing.T) {
	h := NewEventHandler()
	var got *models.NotificationJob
	h.OnMerchantNotify(func(ctx context.Context, job *models.NotificationJob) error {
		got = job
		return nil
	})

	value, err := json.Marshal(&models.NotificationJob{
		BaseEvent: models.BaseEvent{EventID: "e9", EventType: models.EventTypeMerchantNotify},
		OrderID:   "PO9",
	})
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, "PO9", got.OrderID)
}

func TestHandleMessagePropagatesHandlerErrorAndDropsGarbage(t *testing.T) {
	h := NewEventHandler()
	boom := errors.New("db down")
	h.OnMerchantNotify(func(ctx context.Context, job *models.NotificationJob) error { return boom })

	value, _ := json.Marshal(&models.NotificationJob{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeMerchantNotify},
	})
	assert.ErrorIs(t, h.HandleMessage(context.Background(), kafka.Message{Value: value}), boom)

	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"OTHER"}`)}))
}

func TestPublishSetsEventTypeHeader(t *testing.T) {
	w := &recordingWriter{}
	pub := NewEventPublisher(NewProducerWithWriter(w, "merchant-notify"), NewProducerWithWriter(w, "order-events"))

	require.NoError(t, pub.PublishOrderFinalized(context.Background(), &models.OrderFinalizedEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeOrderFinalized},
		OrderID:   "PO2",
	}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, models.EventTypeOrderFinalized, EventType(w.msgs[0]))

	// a foreign event type is skipped without invoking the handler
	h := NewEventHandler()
	h.OnMerchantNotify(func(ctx context.Context, job *models.NotificationJob) error {
		t.Fatal("handler must not run for foreign events")
		return nil
	})
	assert.NoError(t, h.HandleMessage(context.Background(), w.msgs[0]))
}

type scriptedReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *scriptedReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func TestConsumerRetriesFailingMessageBeforeCommitting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}}, cancel: cancel}

	c := NewConsumerWithReader(r, "merchant-notify")
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := map[int64]int{}
	err := c.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		calls[msg.Offset]++
		if msg.Offset == 1 && calls[1] < 3 {
			return errors.New("db down")
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls[1])
	assert.Equal(t, 1, calls[2])
	assert.Equal(t, []int64{1, 2}, r.committed)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestConsumerSkipsMessageAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{msgs: []kafka.Message{{Offset: 7}}, cancel: cancel}

	c := NewConsumerWithReader(r, "merchant-notify")
	c.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := c.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		calls++
		return errors.New("always failing")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, handlerMaxAttempts, calls)
	assert.Equal(t, []int64{7}, r.committed)
}
