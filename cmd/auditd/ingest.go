package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"audittrail/internal/audit"
)

// ingestor is a Kafka consumer group handler that tracks each message value
// as one JSON audit event.
type ingestor struct {
	coordinator *audit.Coordinator
	metrics     *metrics

	// retryDelay paces consumer restarts after a failed session.
	retryDelay time.Duration

	// claimFailed is set when a claim ended on a store failure. sarama does
	// not surface handler errors from Consume.
	claimFailed atomic.Bool
}

func newIngestor(coordinator *audit.Coordinator, m *metrics) *ingestor {
	return &ingestor{coordinator: coordinator, metrics: m, retryDelay: time.Second}
}

// Run joins the consumer group and consumes topic until ctx is cancelled.
func (in *ingestor) Run(ctx context.Context, brokers []string, groupID, topic string) error {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return fmt.Errorf("create kafka consumer group: %w", err)
	}
	defer group.Close()

	slog.Info("kafka ingestion started", "topic", topic, "group", groupID)

	return in.consumeLoop(ctx, func(ctx context.Context) error {
		return group.Consume(ctx, []string{topic}, in)
	})
}

// consumeLoop runs consume until ctx is cancelled. Consume returns whenever
// the session ends, e.g. on rebalance. A session that failed, or whose claim
// hit a store failure, waits retryDelay before rejoining.
func (in *ingestor) consumeLoop(ctx context.Context, consume func(context.Context) error) error {
	for {
		err := consume(ctx)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		failed := in.claimFailed.Swap(false)
		if err != nil {
			slog.Error("kafka consumer error", "err", err)
		}
		if (err != nil || failed) && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(in.retryDelay):
			}
		}
		if ctx.Err() != nil {
			slog.Info("kafka ingestion stopped")
			return nil
		}
	}
}

func (in *ingestor) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (in *ingestor) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim tracks messages in order. A message the store could not take
// ends the session unmarked so it is redelivered; anything else is marked.
func (in *ingestor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := in.handleMessage(session.Context(), message.Value); err != nil {
				in.claimFailed.Store(true)
				return fmt.Errorf("partition %d offset %d: %w", message.Partition, message.Offset, err)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage tracks one message value. Malformed or invalid events are
// logged and skipped; only retryable store failures are returned.
func (in *ingestor) handleMessage(ctx context.Context, value []byte) error {
	var event audit.Event
	if err := json.Unmarshal(value, &event); err != nil {
		slog.Warn("skipping malformed kafka message", "bytes", len(value), "err", err)
		in.metrics.ingestMessages.WithLabelValues("malformed").Inc()
		return nil
	}

	err := in.coordinator.Track(ctx, &event)
	switch {
	case err == nil:
		in.metrics.ingestMessages.WithLabelValues("ok").Inc()
		return nil
	case audit.IsRetryable(err):
		in.metrics.ingestMessages.WithLabelValues("error").Inc()
		return err
	default:
		slog.Warn("skipping invalid kafka event", "event_id", event.ID, "err", err)
		in.metrics.ingestMessages.WithLabelValues("invalid").Inc()
		return nil
	}
}
