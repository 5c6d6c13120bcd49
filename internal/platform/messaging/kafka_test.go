package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/services"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

type scriptedReader struct {
	messages []kafka.Message
	closed   bool
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.messages) == 0 {
		<-ctx.Done()
		return kafka.Message{}, io.EOF
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

var testKafkaConfig = config.KafkaConfig{
	Brokers:    []string{"localhost:9092"},
	StockTopic: "stock.events",
	OrderTopic: "order.events",
	CartTopic:  "cart.events",
}

func TestKafkaPublisherRoutesByTopicAndKey(t *testing.T) {
	ctx := context.Background()
	writer := &recordingWriter{}
	publisher, err := newKafkaPublisher(writer, testKafkaConfig)
	if err != nil {
		t.Fatalf("newKafkaPublisher: %v", err)
	}

	if err := publisher.PublishStockEvent(ctx, domain.StockEvent{ProductID: "prod_1", Available: 5}); err != nil {
		t.Fatalf("PublishStockEvent: %v", err)
	}
	if err := publisher.PublishOrderEvent(ctx, services.OrderEvent{Type: "order.paid", OrderID: "ord_1"}); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	if err := publisher.PublishCartCleared(ctx, domain.CartClearedEvent{BuyerID: "buyer_1", OrderID: "ord_1"}); err != nil {
		t.Fatalf("PublishCartCleared: %v", err)
	}

	if len(writer.messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(writer.messages))
	}
	expected := []struct{ topic, key, eventType string }{
		{"stock.events", "prod_1", EventTypeStockChanged},
		{"order.events", "ord_1", "order.paid"},
		{"cart.events", "buyer_1", EventTypeCartCleared},
	}
	for i, want := range expected {
		msg := writer.messages[i]
		if msg.Topic != want.topic || string(msg.Key) != want.key {
			t.Fatalf("message %d: got topic %s key %s", i, msg.Topic, msg.Key)
		}
		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != want.eventType {
			t.Fatalf("message %d: expected type %s, got %s", i, want.eventType, env.Type)
		}
		if header(msg, "eventType") != want.eventType {
			t.Fatalf("message %d: missing eventType header", i)
		}
	}

	if err := publisher.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer to be closed")
	}
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	publisher, err := newKafkaPublisher(&recordingWriter{err: boom}, testKafkaConfig)
	if err != nil {
		t.Fatalf("newKafkaPublisher: %v", err)
	}
	err = publisher.PublishStockEvent(context.Background(), domain.StockEvent{ProductID: "p"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestNewKafkaPublisherRequiresTopics(t *testing.T) {
	if _, err := NewKafkaPublisher(config.KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := newKafkaPublisher(&recordingWriter{}, config.KafkaConfig{StockTopic: "s"}); err == nil {
		t.Fatalf("expected error without all topics")
	}
}

func TestRelayKafkaSkipsBadMessages(t *testing.T) {
	good, err := StockEnvelope(domain.StockEvent{ProductID: "prod_2", Available: 9})
	if err != nil {
		t.Fatalf("StockEnvelope: %v", err)
	}
	reader := &scriptedReader{messages: []kafka.Message{
		{Value: []byte("not json")},
		{Value: mustJSON(t, good)},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := NewHub()
	events := hub.Subscribe(ctx)

	relayCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- RelayKafka(relayCtx, reader, hub, nil) }()

	if ev := receive(t, events); ev.ProductID != "prod_2" || ev.Available != 9 {
		t.Fatalf("unexpected relayed event %+v", ev)
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("relay returned error: %v", err)
	}
	if !reader.closed {
		t.Fatalf("expected reader to be closed")
	}
}

func TestDecodeStockEventRejectsOtherTypes(t *testing.T) {
	env, err := CartEnvelope(domain.CartClearedEvent{BuyerID: "b"})
	if err != nil {
		t.Fatalf("CartEnvelope: %v", err)
	}
	if _, err := DecodeStockEvent(mustJSON(t, env)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
