package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharevault/trading-engine/internal/model"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func event(id, security string) model.SettlementEvent {
	return model.SettlementEvent{
		ID: id, OrderID: "o-" + id, UserID: "alice", SecurityID: security,
		Quantity: 5, Price: decimal.NewFromInt(10), Amount: decimal.NewFromInt(50),
		Currency: "GBP", SettledAt: time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_KeysBySecurity(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w)

	require.NoError(t, p.Publish(context.Background(), []model.SettlementEvent{event("e1", "ACME"), event("e2", "BETA")}))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "ACME", string(w.msgs[0].Key))
	assert.Equal(t, "BETA", string(w.msgs[1].Key))

	var decoded model.SettlementEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "o-e1", decoded.OrderID)
	assert.True(t, decoded.Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "e1", string(w.msgs[0].Headers[0].Value))
}

func TestKafkaPublisher_EmptyAndError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(w)

	assert.NoError(t, p.Publish(context.Background(), nil), "empty batch never touches the broker")
	assert.Error(t, p.Publish(context.Background(), []model.SettlementEvent{event("e1", "ACME")}))
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	p.SetFail(errors.New("down"))
	assert.Error(t, p.Publish(context.Background(), []model.SettlementEvent{event("e1", "ACME")}))
	assert.Empty(t, p.Events())

	p.SetFail(nil)
	require.NoError(t, p.Publish(context.Background(), []model.SettlementEvent{event("e1", "ACME")}))
	assert.Len(t, p.Events(), 1)
}
