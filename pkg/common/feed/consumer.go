package feed

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"github.com/voxnote-ai/engine/pkg/common/config"
	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// Consumer subscribes to the change feed, filtered to one user's rows.
type Consumer struct {
	reader *kafka.Reader
	userID string
}

type EventHandler func(ctx context.Context, event recording.ChangeEvent) error

func NewConsumer(topic, groupID, userID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader, userID: userID}
}

// Fetch blocks for the next change event addressed to this consumer's
// user. Events for other users are committed and skipped.
func (c *Consumer) Fetch(ctx context.Context) (*recording.ChangeEvent, error) {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return nil, err
		}

		var event recording.ChangeEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Log.WithError(err).Error("Failed to unmarshal change event")
			c.reader.CommitMessages(ctx, message)
			continue
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit change event")
		}

		if c.userID != "" && event.UserID != c.userID {
			continue
		}
		return &event, nil
	}
}

// Consume runs a fetch/handle loop until the context is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			event, err := c.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Log.WithError(err).Error("Failed to fetch change event")
				continue
			}

			if err := handler(ctx, *event); err != nil {
				logger.Log.WithError(err).WithFields(map[string]interface{}{
					"event_id": event.ID,
				}).Error("Failed to apply change event")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
