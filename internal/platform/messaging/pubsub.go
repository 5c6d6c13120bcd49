package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/services"
)

// PubSubPublisher publishes checkout events to one Pub/Sub topic per event family. Messages are
// ordered by their envelope key so consumers see each product's changes in sequence.
type PubSubPublisher struct {
	stock *pubsub.Topic
	order *pubsub.Topic
	cart  *pubsub.Topic
}

// NewPubSubPublisher resolves the configured topics on client.
func NewPubSubPublisher(client *pubsub.Client, cfg config.PubSubConfig) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub publisher: client is required")
	}
	if cfg.StockTopic == "" || cfg.OrderTopic == "" || cfg.CartTopic == "" {
		return nil, errors.New("pubsub publisher: stock, order and cart topics are required")
	}
	return NewPubSubPublisherFromTopics(client.Topic(cfg.StockTopic), client.Topic(cfg.OrderTopic), client.Topic(cfg.CartTopic))
}

// NewPubSubPublisherFromTopics wraps existing topic handles.
func NewPubSubPublisherFromTopics(stock, order, cart *pubsub.Topic) (*PubSubPublisher, error) {
	if stock == nil || order == nil || cart == nil {
		return nil, errors.New("pubsub publisher: topics are required")
	}
	for _, topic := range []*pubsub.Topic{stock, order, cart} {
		topic.EnableMessageOrdering = true
	}
	return &PubSubPublisher{stock: stock, order: order, cart: cart}, nil
}

// PublishStockEvent implements services.StockEventPublisher.
func (p *PubSubPublisher) PublishStockEvent(ctx context.Context, event domain.StockEvent) error {
	env, err := StockEnvelope(event)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.stock, env)
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	env, err := OrderEnvelope(event)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.order, env)
}

// PublishCartCleared implements services.CartEventPublisher.
func (p *PubSubPublisher) PublishCartCleared(ctx context.Context, event domain.CartClearedEvent) error {
	env, err := CartEnvelope(event)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.cart, env)
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	if p == nil {
		return
	}
	p.stock.Stop()
	p.order.Stop()
	p.cart.Stop()
}

func (p *PubSubPublisher) publish(ctx context.Context, topic *pubsub.Topic, env Envelope) error {
	if p == nil || topic == nil {
		return errors.New("pubsub publisher: not initialised")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  env.attributes(),
		OrderingKey: env.Key,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses its ordering key until resumed.
		if env.Key != "" {
			topic.ResumePublish(env.Key)
		}
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// RelayPubSub feeds stock events received on sub into hub until ctx is done. Undecodable messages
// are acknowledged and dropped.
func RelayPubSub(ctx context.Context, sub *pubsub.Subscription, hub *Hub, logger *zap.Logger) error {
	if sub == nil || hub == nil {
		return errors.New("pubsub relay: subscription and hub are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	err := sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		event, err := DecodeStockEvent(msg.Data)
		if err != nil {
			logger.Warn("pubsub relay: dropping message", zap.String("messageId", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		hub.Deliver(event)
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub relay: %w", err)
	}
	return nil
}

var (
	_ services.StockEventPublisher = (*PubSubPublisher)(nil)
	_ services.OrderEventPublisher = (*PubSubPublisher)(nil)
	_ services.CartEventPublisher  = (*PubSubPublisher)(nil)
)
