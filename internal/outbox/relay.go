// Package outbox delivers persisted events to Kafka with at-least-once
// semantics. Events are written in the transaction that produced them and
// relayed asynchronously with retries.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/chriswu/outreach-scheduler/internal/breaker"
	"github.com/chriswu/outreach-scheduler/internal/models"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

// Publisher pushes one event to the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a producer connected to the given brokers.
func NewKafkaPublisher(brokers []string) Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{}, // route by key for per-lead ordering
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &kafkaPublisher{writer: w}
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// Store is the persistence surface the relay needs.
type Store interface {
	ClaimDueOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxDelivered(ctx context.Context, id int64) error
	FailOutboxEvent(ctx context.Context, id int64, errMsg string, nextRetry time.Time) error
	RequeueStaleOutbox(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Relay drains the outbox table into the publisher.
type Relay struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger

	batchSize    int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	staleSending time.Duration
}

func NewRelay(st Store, pub Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		store:        st,
		publisher:    pub,
		logger:       logger.With(slog.String("component", "outbox")),
		batchSize:    100,
		baseBackoff:  30 * time.Second,
		maxBackoff:   30 * time.Minute,
		staleSending: 5 * time.Minute,
	}
}

// Run drains on an interval until ctx is cancelled. Stuck "sending" rows are
// requeued first so a crashed relay cannot strand events.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if n, err := r.store.RequeueStaleOutbox(ctx, r.staleSending); err != nil {
		r.logger.Error("requeue stale outbox", slog.String("error", err.Error()))
	} else if n > 0 {
		r.logger.Warn("requeued stale outbox events", slog.Int("count", n))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.DrainOnce(ctx); err != nil {
				r.logger.Error("drain outbox", slog.String("error", err.Error()))
			}
		}
	}
}

// DrainOnce claims one batch of due events and attempts delivery.
func (r *Relay) DrainOnce(ctx context.Context) error {
	events, err := r.store.ClaimDueOutbox(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev.Topic, ev.Key, ev.Payload); err != nil {
			telemetry.OutboxFailed.Inc()
			next := time.Now().UTC().Add(breaker.Backoff(r.baseBackoff, r.maxBackoff, ev.Attempts+1))
			if ferr := r.store.FailOutboxEvent(ctx, ev.ID, err.Error(), next); ferr != nil {
				r.logger.Error("record outbox failure", slog.Int64("event_id", ev.ID), slog.String("error", ferr.Error()))
			}
			continue
		}
		if err := r.store.MarkOutboxDelivered(ctx, ev.ID); err != nil {
			// Delivery happened but the mark failed; the event will be
			// retried, which at-least-once delivery tolerates.
			r.logger.Error("mark outbox delivered", slog.Int64("event_id", ev.ID), slog.String("error", err.Error()))
			continue
		}
		telemetry.OutboxDelivered.Inc()
	}
	return nil
}
