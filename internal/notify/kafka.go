package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"canopy/internal/platform/config"
)

// KafkaNotifier publishes terminal-state events to a Kafka topic, keyed by
// location so per-location ordering survives partitioning. Production is
// asynchronous: delivery failures are logged by the promise, never surfaced
// to the transition that produced the event.
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaNotifier connects to the configured brokers.
func NewKafkaNotifier(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaNotifier, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaNotifier{client: client, topic: cfg.Topic, logger: logger}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(event.LocationID.String()),
		Value: payload,
	}
	n.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			n.logger.Error("notification publish failed",
				"location_id", event.LocationID.String(),
				"protocol", event.Protocol.String(),
				"error", err.Error(),
			)
		}
	})
	return nil
}

// Close flushes pending events and releases the client.
func (n *KafkaNotifier) Close(ctx context.Context) error {
	if err := n.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush notifications: %w", err)
	}
	n.client.Close()
	return nil
}
