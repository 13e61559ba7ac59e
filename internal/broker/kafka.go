package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gateway-reconciler/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// HeaderEventType carries the event type so consumers can skip foreign
// messages without decoding them
const HeaderEventType = "event_type"

const (
	handlerMaxAttempts = 5
	handlerBaseBackoff = time.Second
	handlerMaxBackoff  = 30 * time.Second
)

// Writer is the part of kafka.Writer the producer uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the part of kafka.Reader the consumer uses
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON events keyed by order id. Messages with the same
// key land on the same partition, so one order's events stay ordered.
type Producer struct {
	writer Writer
	topic  string
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return NewProducerWithWriter(writer, topic)
}

// NewProducerWithWriter builds a producer over any Writer
func NewProducerWithWriter(w Writer, topic string) *Producer {
	return &Producer{writer: w, topic: topic, logger: util.GetLogger()}
}

// Publish writes one event under key with its type in a header
func (p *Producer) Publish(ctx context.Context, key, eventType string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	msg := kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte(eventType)}},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", eventType, p.topic, err)
	}

	p.logger.Debug("Published event",
		zap.String("topic", p.topic),
		zap.String("key", key),
		zap.String("type", eventType),
	)
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads a topic as part of a consumer group and commits each
// message only after its handler returned
type Consumer struct {
	reader Reader
	topic  string
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return NewConsumerWithReader(reader, topic)
}

// NewConsumerWithReader builds a consumer over any Reader
func NewConsumerWithReader(r Reader, topic string) *Consumer {
	return &Consumer{reader: r, topic: topic, sleep: sleepContext, logger: util.GetLogger()}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming feeds messages to handler until ctx is cancelled. A failing
// message is retried in place with backoff, since committing any later offset
// would also commit it; after handlerMaxAttempts it is logged and skipped.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer", zap.String("topic", c.topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping", zap.String("topic", c.topic))
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.String("topic", c.topic), zap.Error(err))
			if err := c.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		if err := c.handle(ctx, handler, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Error committing message", zap.Error(err))
		}
	}
}

// handle only returns an error when ctx is done
func (c *Consumer) handle(ctx context.Context, handler MessageHandler, msg kafka.Message) error {
	backoff := handlerBaseBackoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt >= handlerMaxAttempts {
			c.logger.Error("Giving up on message",
				zap.String("topic", c.topic),
				zap.Int64("offset", msg.Offset),
				zap.String("key", string(msg.Key)),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return nil
		}
		c.logger.Warn("Error handling message, retrying",
			zap.String("topic", c.topic),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > handlerMaxBackoff {
			backoff = handlerMaxBackoff
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EventType reads the event type header, if present
func EventType(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == HeaderEventType {
			return string(h.Value)
		}
	}
	return ""
}
