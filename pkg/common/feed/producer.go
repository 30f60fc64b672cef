package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/voxnote-ai/engine/pkg/common/config"
	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// Producer publishes recording row changes onto the change feed topic.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(topic string) *Producer {
	cfg := config.Load()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

func (p *Producer) Publish(ctx context.Context, event recording.ChangeEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	// Keyed by recording id so per-id events stay ordered on one partition.
	message := kafka.Message{
		Key:   []byte(event.Recording.ID),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "change-type", Value: []byte(event.Type)},
			{Key: "user-id", Value: []byte(event.UserID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id":    event.ID,
			"change_type": event.Type,
		}).Error("Failed to publish change event")
		return err
	}

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
