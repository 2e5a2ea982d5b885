package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"realtime-service/pkg/events"

	"github.com/IBM/sarama"
)

// MessageOutbox publishes delivered direct messages so the CRUD layer can
// persist them.
type MessageOutbox struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

func NewMessageOutbox(producer sarama.SyncProducer, topic string, logger *slog.Logger) *MessageOutbox {
	return &MessageOutbox{
		producer: producer,
		topic:    topic,
		logger:   logger.With(slog.String("component", "outbox")),
	}
}

// conversationKey is the same for both directions of a conversation.
func conversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// PublishMessage writes msg as a new_message event keyed by conversation.
func (o *MessageOutbox) PublishMessage(ctx context.Context, msg events.MessageData) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ev := events.MustNew(events.KindNewMessage, msg).WithUser(msg.SenderID)
	if msg.ID != "" {
		ev.ID = msg.ID
	}
	value, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	partition, offset, err := o.producer.SendMessage(&sarama.ProducerMessage{
		Topic: o.topic,
		Key:   sarama.StringEncoder(conversationKey(msg.SenderID, msg.RecipientID)),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}

	o.logger.Debug("Message published", "messageID", msg.ID, "partition", partition, "offset", offset)
	return nil
}

func (o *MessageOutbox) Close() error {
	return o.producer.Close()
}
