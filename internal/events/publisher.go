// Package events delivers settlement events to the wallet ledger.
//
// Events are written to the store first (the outbox) and published after
// the settlement pass. A failed publish leaves the rows unpublished and
// they are retried on the next pass, so delivery is at-least-once and the
// ledger must deduplicate by event ID.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sharevault/trading-engine/internal/model"
)

// Publisher sends settlement events to the wallet ledger.
type Publisher interface {
	Publish(ctx context.Context, evs []model.SettlementEvent) error
	Close() error
}

// KafkaWriter is the part of *kafka.Writer the publisher uses.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed by security ID so a
// security's events stay ordered within one partition.
type KafkaPublisher struct {
	writer KafkaWriter
}

// NewKafkaWriter builds a synchronous writer; the settlement pass needs to
// know whether delivery succeeded before marking the outbox.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evs []model.SettlementEvent) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode settlement %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.SecurityID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(ev.ID)},
				{Key: "event_type", Value: []byte("order_settled")},
			},
			Time: ev.SettledAt,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d settlements: %w", len(msgs), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MemoryPublisher records events in memory. Used for development and tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []model.SettlementEvent
	fail   error
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, evs []model.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, evs...)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []model.SettlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.SettlementEvent, len(p.events))
	copy(out, p.events)
	return out
}

// SetFail makes subsequent publishes fail with err (nil to recover).
func (p *MemoryPublisher) SetFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *MemoryPublisher) Close() error { return nil }
