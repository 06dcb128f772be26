// Package events publishes run lifecycle and per-DOI outcome events to
// Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/doicache/internal/domain"
)

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, events ...*domain.Event) error
	Close() error
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Nop{}
)

// Config holds configuration for the Kafka publisher.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic receives every event.
	Topic string
	// BatchSize is the maximum number of messages per batch.
	BatchSize int
	// BatchTimeout is how long a partial batch waits before being sent.
	BatchTimeout time.Duration
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope is the message value.
type envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	RunID        string          `json:"run_id"`
	CreatedAt    time.Time       `json:"created_at"`
	Payload      json.RawMessage `json:"payload"`
}

// KafkaPublisher writes events to a single topic, keyed so that all events
// of a DOI (or of a run) land on one partition.
type KafkaPublisher struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaPublisher creates a publisher backed by a kafka.Writer.
func NewKafkaPublisher(cfg Config, logger zerolog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	return newPublisher(writer, logger)
}

func newPublisher(w messageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		logger: logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish writes events in one call.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		msg, err := toMessage(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing %d events: %w", len(msgs), err)
	}

	p.logger.Debug().Int("count", len(msgs)).Str("first_type", events[0].EventType).Msg("published events")
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(e *domain.Event) (kafka.Message, error) {
	value, err := json.Marshal(envelope{
		EventID:      e.EventID,
		EventType:    e.EventType,
		EventVersion: e.EventVersion,
		RunID:        e.RunID,
		CreatedAt:    e.CreatedAt,
		Payload:      e.Payload,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %s: %w", e.EventID, err)
	}

	return kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "event_version", Value: []byte(strconv.Itoa(e.EventVersion))},
			{Key: "run_id", Value: []byte(e.RunID)},
		},
	}, nil
}

// Nop discards events. It is used when Kafka is disabled.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ...*domain.Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// publishTimeout bounds a single outcome publish from a worker slot.
const publishTimeout = 10 * time.Second

// OutcomePublisher adapts p to a worker outcome handler. Each outcome is
// published keyed by its DOI; failures are passed to onError.
func OutcomePublisher(p Publisher, onError func(domain.Outcome, error)) func(context.Context, domain.Outcome) {
	return func(ctx context.Context, o domain.Outcome) {
		event, err := domain.NewEvent(domain.EventTypeForOutcome(o.Status), o.RunID, o.DOI, domain.DOIOutcomePayload{
			RunID:    o.RunID,
			DOI:      o.DOI,
			Status:   o.Status,
			Slot:     o.Slot,
			Error:    o.Error,
			Duration: o.Duration(),
		})
		if err == nil {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
			defer cancel()
			err = p.Publish(ctx, event)
		}
		if err != nil && onError != nil {
			onError(o, err)
		}
	}
}
