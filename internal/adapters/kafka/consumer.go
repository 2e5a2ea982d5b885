package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"realtime-service/pkg/events"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/tidwall/gjson"
)

// Envelope types published by the CRUD layer on the events topic.
const (
	TypeApplicationStatusChanged = "application_status_changed"
	TypeJobPosted                = "job_posted"
	TypeMessageSent              = "message_sent"
	TypeNotification             = "notification"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Triggers receives decoded domain events.
type Triggers interface {
	ApplicationStatusChanged(ctx context.Context, data events.ApplicationStatusData) (int, error)
	JobPosted(ctx context.Context, data events.JobPostedData) (int, error)
	DirectMessage(ctx context.Context, msg events.MessageData) (int, error)
	Notify(ctx context.Context, userID, room string, data events.NotificationData) (int, error)
}

// MessageReader is the subset of *kafkago.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer turns envelopes from the events topic into hub deliveries.
// Delivery is at most once: a message is committed whether or not its
// trigger succeeded.
type Consumer struct {
	reader   MessageReader
	triggers Triggers
	logger   *slog.Logger

	// OnError observes every envelope that could not be delivered.
	OnError func(err error)
}

func NewConsumer(cfg ConsumerConfig, triggers Triggers, logger *slog.Logger) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return NewConsumerWithReader(reader, triggers, logger)
}

func NewConsumerWithReader(reader MessageReader, triggers Triggers, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:   reader,
		triggers: triggers,
		logger:   logger.With(slog.String("component", "kafka-consumer")),
	}
}

// Run consumes until ctx is done. It returns nil on cancellation and the
// reader error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started")
	defer c.logger.Info("Kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.Handle(ctx, msg.Value); err != nil {
			c.logger.Warn("Dropping event",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			if c.OnError != nil {
				c.OnError(err)
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to commit offset", "offset", msg.Offset, "error", err)
		}
	}
}

// Handle decodes one {type, payload} envelope and fires its trigger.
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	if !gjson.ValidBytes(value) {
		return fmt.Errorf("%w: not JSON", ErrInvalidEnvelope)
	}
	envelope := gjson.ParseBytes(value)
	kind := envelope.Get("type").String()
	payload := envelope.Get("payload")
	if !payload.IsObject() {
		return fmt.Errorf("%w: %q has no payload object", ErrInvalidEnvelope, kind)
	}
	raw := []byte(payload.Raw)

	var (
		n   int
		err error
	)
	switch kind {
	case TypeApplicationStatusChanged:
		var data events.ApplicationStatusData
		if err = json.Unmarshal(raw, &data); err == nil {
			n, err = c.triggers.ApplicationStatusChanged(ctx, data)
		}
	case TypeJobPosted:
		var data events.JobPostedData
		if err = json.Unmarshal(raw, &data); err == nil {
			n, err = c.triggers.JobPosted(ctx, data)
		}
	case TypeMessageSent:
		var msg events.MessageData
		if err = json.Unmarshal(raw, &msg); err == nil {
			n, err = c.triggers.DirectMessage(ctx, msg)
		}
	case TypeNotification:
		data := events.NotificationData{
			Title:   payload.Get("title").String(),
			Message: payload.Get("message").String(),
		}
		if extra := payload.Get("payload"); extra.Exists() {
			data.Payload = json.RawMessage(extra.Raw)
		}
		n, err = c.triggers.Notify(ctx, payload.Get("userId").String(), payload.Get("room").String(), data)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, kind)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}

	c.logger.Debug("Event delivered", "type", kind, "connections", n)
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
