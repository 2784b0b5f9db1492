package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/testdock/internal/domain"
)

const clientCloseTimeout = 10 * time.Second

// JobHandler processes one leased job. The consumer commits the record
// whether or not the handler errors: by the time it returns, any failure has
// been made durable on the execution record itself.
type JobHandler func(ctx context.Context, msg domain.JobMessage) error

// Consumer leases one job at a time from the runs topic (prefetch = 1).
// Horizontal scale comes from running more worker processes in the same
// consumer group.
type Consumer struct {
	client  *kgo.Client
	topic   string
	groupID string
	handler JobHandler
}

// NewConsumer constructs a Consumer in the given group.
func NewConsumer(brokers []string, groupID string, handler JobHandler) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, TopicRuns, handler)
}

// NewConsumerWithTopic constructs a Consumer against a specific topic.
// Tests use unique topics for isolation.
func NewConsumerWithTopic(brokers []string, groupID, topic string, handler JobHandler) (*Consumer, error) {
	slog.Info("creating queue consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if handler == nil {
		return nil, fmt.Errorf("missing job handler")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		// Offsets are committed only after a job finishes, so a dead worker's
		// in-flight job is redelivered after the session expires.
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxBytes(5 * 1024 * 1024),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	return &Consumer{client: client, topic: topic, groupID: groupID, handler: handler}, nil
}

// Run polls one record at a time until ctx is cancelled. Each record is
// processed synchronously and committed regardless of handler outcome; a
// record that cannot even be parsed is rejected without requeue by the same
// commit.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer loop starting",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic))
	for {
		fetches := c.client.PollRecords(ctx, 1)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.processRecord(ctx, rec)
		})
		c.client.AllowRebalance()
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	defer c.commit(ctx, rec)

	var msg domain.JobMessage
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		slog.Error("discarding malformed job message",
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return
	}
	if msg.OrganizationID == "" {
		// Reject without requeue: a job with no tenant cannot be recorded
		// anywhere.
		slog.Warn("discarding job without organization id",
			slog.String("task_id", msg.TaskID),
			slog.Int64("offset", rec.Offset))
		return
	}

	slog.Info("job leased",
		slog.String("task_id", msg.TaskID),
		slog.String("organization_id", msg.OrganizationID),
		slog.Int64("offset", rec.Offset))

	if err := c.handler(ctx, msg); err != nil {
		slog.Error("job handler returned error",
			slog.String("task_id", msg.TaskID),
			slog.String("organization_id", msg.OrganizationID),
			slog.Any("error", err))
	}
}

func (c *Consumer) commit(ctx context.Context, rec *kgo.Record) {
	// Use a detached timeout so shutdown cancellation cannot leave a finished
	// job uncommitted and force a duplicate run.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clientCloseTimeout)
	defer cancel()
	if err := c.client.CommitRecords(commitCtx, rec); err != nil {
		slog.Error("offset commit failed",
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
	}
}

// Ping verifies broker reachability for readiness checks.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close releases the underlying client.
func (c *Consumer) Close() {
	c.client.Close()
}
