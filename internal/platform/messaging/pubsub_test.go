package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

func newTestPubSub(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func createTopics(t *testing.T, client *pubsub.Client) (stock, order, cart *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	var err error
	if stock, err = client.CreateTopic(ctx, "stock-events"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if order, err = client.CreateTopic(ctx, "order-events"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if cart, err = client.CreateTopic(ctx, "cart-events"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return stock, order, cart
}

func TestPubSubPublisherPublishesEnvelopes(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestPubSub(t)
	stock, order, cart := createTopics(t, client)

	publisher, err := NewPubSubPublisherFromTopics(stock, order, cart)
	if err != nil {
		t.Fatalf("NewPubSubPublisherFromTopics: %v", err)
	}
	defer publisher.Stop()

	occurred := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := publisher.PublishStockEvent(ctx, domain.StockEvent{ID: "evt_1", ProductID: "prod_1", Available: 4, Reserved: 1, Delta: -1, Reason: "reserve", OccurredAt: occurred}); err != nil {
		t.Fatalf("PublishStockEvent: %v", err)
	}
	if err := publisher.PublishOrderEvent(ctx, services.OrderEvent{Type: "created", OrderID: "ord_1", BuyerID: "buyer_1", CurrentStatus: "pending", OccurredAt: occurred}); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	if err := publisher.PublishCartCleared(ctx, domain.CartClearedEvent{BuyerID: "buyer_1", OrderID: "ord_1", ItemIDs: []string{"ci_1"}, OccurredAt: occurred}); err != nil {
		t.Fatalf("PublishCartCleared: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}

	byType := make(map[string]Envelope)
	for _, msg := range messages {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if msg.Attributes["eventType"] != env.Type || msg.Attributes["eventId"] != env.ID {
			t.Fatalf("attributes do not match envelope: %+v", msg.Attributes)
		}
		byType[env.Type] = env
	}

	stockEnv, ok := byType[EventTypeStockChanged]
	if !ok || stockEnv.ID != "evt_1" || stockEnv.Key != "prod_1" {
		t.Fatalf("unexpected stock envelope %+v", stockEnv)
	}
	decoded, err := DecodeStockEvent(mustJSON(t, stockEnv))
	if err != nil {
		t.Fatalf("DecodeStockEvent: %v", err)
	}
	if decoded.Available != 4 || decoded.Delta != -1 || !decoded.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected decoded stock event %+v", decoded)
	}
	if env, ok := byType["order.created"]; !ok || env.Key != "ord_1" {
		t.Fatalf("missing order envelope: %+v", byType)
	}
	if env, ok := byType[EventTypeCartCleared]; !ok || env.Key != "buyer_1" || env.ID == "" {
		t.Fatalf("unexpected cart envelope %+v", env)
	}
}

func TestRelayPubSubDeliversToHub(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, client := newTestPubSub(t)
	stock, order, cart := createTopics(t, client)

	sub, err := client.CreateSubscription(ctx, "stock-relay", pubsub.SubscriptionConfig{Topic: stock})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	hub := NewHub()
	events := hub.Subscribe(ctx, "prod_9")

	relayCtx, stopRelay := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- RelayPubSub(relayCtx, sub, hub, nil) }()

	publisher, err := NewPubSubPublisherFromTopics(stock, order, cart)
	if err != nil {
		t.Fatalf("NewPubSubPublisherFromTopics: %v", err)
	}
	defer publisher.Stop()
	if err := publisher.PublishStockEvent(ctx, domain.StockEvent{ProductID: "prod_9", Available: 2}); err != nil {
		t.Fatalf("PublishStockEvent: %v", err)
	}

	select {
	case ev := <-events:
		if ev.ProductID != "prod_9" || ev.Available != 2 {
			t.Fatalf("unexpected relayed event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for relayed event")
	}

	stopRelay()
	if err := <-done; err != nil {
		t.Fatalf("relay returned error: %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
