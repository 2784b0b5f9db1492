// Package redpanda provides Redpanda/Kafka queue integration.
//
// The producer publishes job messages for the workers; the consumer leases
// one job at a time so a crashed worker's in-flight job is redelivered to a
// peer after its session expires.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/domain"
)

const (
	// TopicRuns is the Kafka topic carrying test-run jobs.
	TopicRuns = "test-runs"
)

// Producer wraps a Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer against the given brokers.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTopic(brokers, TopicRuns)
}

// NewProducerWithTopic constructs a Producer publishing to a specific topic.
// Tests use unique topics for isolation.
func NewProducerWithTopic(brokers []string, topic string) (*Producer, error) {
	slog.Info("creating queue producer", slog.Any("brokers", brokers), slog.String("topic", topic))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		// Jobs must land before the HTTP handler answers.
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	return &Producer{client: client, topic: topic}, nil
}

// EnqueueRun publishes a job message and waits for broker acknowledgement.
// Keying by (org, task) keeps redeliveries of the same task on one partition.
func (p *Producer) EnqueueRun(ctx domain.Context, msg domain.JobMessage) error {
	if msg.OrganizationID == "" {
		return fmt.Errorf("op=queue.enqueue: %w: organizationId required", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: marshal: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.OrganizationID + "/" + msg.TaskID),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		slog.Error("enqueue failed",
			slog.String("task_id", msg.TaskID),
			slog.String("organization_id", msg.OrganizationID),
			slog.Any("error", err))
		return fmt.Errorf("op=queue.enqueue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(msg.OrganizationID).Inc()
	slog.Info("job enqueued",
		slog.String("task_id", msg.TaskID),
		slog.String("organization_id", msg.OrganizationID),
		slog.String("image", msg.Image))
	return nil
}

// Ping verifies broker reachability for readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), clientCloseTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.client.Close()
		return fmt.Errorf("op=queue.close: flush: %w", err)
	}
	p.client.Close()
	return nil
}
