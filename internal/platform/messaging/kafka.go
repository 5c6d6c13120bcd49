package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaPublisher writes checkout events to Kafka. Messages are hashed onto partitions by envelope
// key, which keeps each product's stock changes in order.
type KafkaPublisher struct {
	writer     messageWriter
	stockTopic string
	orderTopic string
	cartTopic  string
}

// NewKafkaPublisher builds a synchronous writer for the configured brokers.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(writer, cfg)
}

func newKafkaPublisher(writer messageWriter, cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if cfg.StockTopic == "" || cfg.OrderTopic == "" || cfg.CartTopic == "" {
		return nil, errors.New("kafka publisher: stock, order and cart topics are required")
	}
	return &KafkaPublisher{
		writer:     writer,
		stockTopic: cfg.StockTopic,
		orderTopic: cfg.OrderTopic,
		cartTopic:  cfg.CartTopic,
	}, nil
}

// PublishStockEvent implements services.StockEventPublisher.
func (p *KafkaPublisher) PublishStockEvent(ctx context.Context, event domain.StockEvent) error {
	env, err := StockEnvelope(event)
	if err != nil {
		return err
	}
	return p.write(ctx, p.stockTopic, env)
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	env, err := OrderEnvelope(event)
	if err != nil {
		return err
	}
	return p.write(ctx, p.orderTopic, env)
}

// PublishCartCleared implements services.CartEventPublisher.
func (p *KafkaPublisher) PublishCartCleared(ctx context.Context, event domain.CartClearedEvent) error {
	env, err := CartEnvelope(event)
	if err != nil {
		return err
	}
	return p.write(ctx, p.cartTopic, env)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *KafkaPublisher) write(ctx context.Context, topic string, env Envelope) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher: not initialised")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	headers := make([]kafka.Header, 0, 2)
	for name, value := range env.attributes() {
		if name == "key" {
			continue
		}
		headers = append(headers, kafka.Header{Key: name, Value: []byte(value)})
	}
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(env.Key),
		Value:   data,
		Headers: headers,
		Time:    env.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// NewStockReader opens a consumer-group reader on the stock topic starting at the newest offset.
func NewStockReader(cfg config.KafkaConfig, groupID string) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 || cfg.StockTopic == "" {
		return nil, errors.New("kafka relay: brokers and stock topic are required")
	}
	if groupID == "" {
		return nil, errors.New("kafka relay: group id is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     groupID,
		Topic:       cfg.StockTopic,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	}), nil
}

// RelayKafka feeds stock events read from reader into hub until ctx is done, then closes reader.
func RelayKafka(ctx context.Context, reader messageReader, hub *Hub, logger *zap.Logger) error {
	if reader == nil || hub == nil {
		return errors.New("kafka relay: reader and hub are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("kafka relay: close reader", zap.Error(err))
		}
	}()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka relay: %w", err)
		}
		event, err := DecodeStockEvent(msg.Value)
		if err != nil {
			logger.Warn("kafka relay: dropping message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		hub.Deliver(event)
	}
}

var (
	_ services.StockEventPublisher = (*KafkaPublisher)(nil)
	_ services.OrderEventPublisher = (*KafkaPublisher)(nil)
	_ services.CartEventPublisher  = (*KafkaPublisher)(nil)
	_ messageReader                = (*kafka.Reader)(nil)
)
