// Package redpanda publishes job lifecycle events to a Redpanda/Kafka topic.
// Publishing is fire-and-forget from the worker's perspective: a failed
// publish is logged and retried by the client, never surfaced to the job.
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

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Producer publishes lifecycle events with an idempotent kgo client.
type Producer struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

var _ domain.EventPublisher = (*Producer)(nil)

// NewProducer connects to brokers and ensures the topic exists. The client is
// idempotent (not transactional): lifecycle events are notifications, and a
// rare duplicate beats a stalled worker.
func NewProducer(brokers []string, topic string, log *slog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("redpanda producer: no seed brokers provided")
	}
	if log == nil {
		log = slog.Default()
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.RecordDeliveryTimeout(10*time.Second),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda producer: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
		log.Warn("ensure events topic failed",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	log.Info("redpanda event producer ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &Producer{client: client, topic: topic, log: log}, nil
}

// PublishJobEvent sends one event keyed by job id so per-job ordering holds.
// Delivery is asynchronous; failures are logged.
func (p *Producer) PublishJobEvent(ctx domain.Context, event domain.JobEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=events.PublishJobEvent: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.JobID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.log.Error("lifecycle event publish failed",
				slog.String("job_id", event.JobID),
				slog.String("event_type", event.Type),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes pending records and releases the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.log.Warn("event producer flush failed", slog.Any("error", err))
	}
	p.client.Close()
}
