// Package events publishes record outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"pfexchange/internal/family/models"
)

// LogPublisher writes outcomes to the log. It is the default when no broker
// is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, o models.Outcome) error {
	p.logger.DebugContext(ctx, "record outcome",
		"record_id", o.RecordID,
		"batch_id", o.BatchID,
		"status", o.Status,
		"attempts", o.Attempts,
		"reason", o.Reason,
	)
	return nil
}

// Recorder keeps outcomes in memory.
type Recorder struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (r *Recorder) Publish(_ context.Context, o models.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *Recorder) Outcomes() []models.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Outcome(nil), r.outcomes...)
}

// Kafka produces one JSON message per outcome keyed by record id, so every
// outcome of a record lands on the same partition in order.
type Kafka struct {
	client *kgo.Client
	topic  string
}

func NewKafka(client *kgo.Client, topic string) (*Kafka, error) {
	if client == nil {
		return nil, fmt.Errorf("kafka client is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return &Kafka{client: client, topic: topic}, nil
}

// NewKafkaClient builds a producer client for the given brokers.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func (k *Kafka) Publish(ctx context.Context, o models.Outcome) error {
	payload, err := Encode(o)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(strconv.FormatInt(o.RecordID, 10)),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "status", Value: []byte(o.Status)},
		},
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce outcome for record %d: %w", o.RecordID, err)
	}
	return nil
}

func (k *Kafka) Close() {
	k.client.Close()
}

// EnsureTopic creates the topic if it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, partitions, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Encode renders the wire form of an outcome.
func Encode(o models.Outcome) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	return b, nil
}
