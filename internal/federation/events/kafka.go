package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink forwards protocol events from the bus to a Kafka topic for the
// notification and audit-sync consumers. Produce failures are logged, never
// surfaced to the protocol caller.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaSink connects a producer and ensures the topic exists.
func NewKafkaSink(ctx context.Context, brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	if err := ensureTopic(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}
	return &KafkaSink{client: client, topic: topic, logger: logger}, nil
}

// Run consumes the subscription channel until it closes. Call in a goroutine;
// pair with the cancel function returned by Bus.Subscribe.
func (s *KafkaSink) Run(ctx context.Context, sub <-chan Event) {
	for event := range sub {
		s.produce(ctx, event)
	}
}

func (s *KafkaSink) produce(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal protocol event", "error", err, "event_type", string(event.Type))
		return
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.Enrollment.EnrollmentID.String()),
		Value: payload,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.logger.Error("produce protocol event",
				"error", err,
				"event_type", string(event.Type),
				"enrollment_id", event.Enrollment.EnrollmentID.String(),
			)
		}
	})
}

// Close flushes outstanding records and releases the producer.
func (s *KafkaSink) Close(ctx context.Context) error {
	defer s.client.Close()
	return s.client.Flush(ctx)
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	topics, err := adm.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list kafka topics: %w", err)
	}
	if topics.Has(topic) {
		return nil
	}
	if _, err := adm.CreateTopic(ctx, 1, -1, nil, topic); err != nil {
		return fmt.Errorf("create kafka topic %q: %w", topic, err)
	}
	return nil
}
