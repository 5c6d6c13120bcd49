// Package messaging delivers stock, order and cart events over an in-process hub, Pub/Sub or Kafka.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	EventTypeStockChanged = "stock.changed"
	EventTypeCartCleared  = "cart.cleared"
	orderEventPrefix      = "order."

	envelopeVersion = 1
)

// ErrUnknownEvent is returned when a message does not carry the expected event type.
var ErrUnknownEvent = errors.New("messaging: unknown event type")

// Envelope wraps every payload written to a broker.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Version    int             `json:"version"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

type stockPayload struct {
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason,omitempty"`
	Token     string `json:"token,omitempty"`
}

type orderPayload struct {
	OrderID        string         `json:"orderId"`
	BuyerID        string         `json:"buyerId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	PaymentStatus  string         `json:"paymentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type cartPayload struct {
	BuyerID string   `json:"buyerId"`
	OrderID string   `json:"orderId"`
	ItemIDs []string `json:"itemIds"`
}

func newEnvelope(id, eventType, key string, occurredAt time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("messaging: marshal %s payload: %w", eventType, err)
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return Envelope{
		ID:         id,
		Type:       eventType,
		Version:    envelopeVersion,
		Key:        key,
		OccurredAt: occurredAt.UTC(),
		Payload:    data,
	}, nil
}

// StockEnvelope encodes a stock change keyed by product.
func StockEnvelope(event domain.StockEvent) (Envelope, error) {
	return newEnvelope(event.ID, EventTypeStockChanged, event.ProductID, event.OccurredAt, stockPayload{
		ProductID: event.ProductID,
		Available: event.Available,
		Reserved:  event.Reserved,
		Delta:     event.Delta,
		Reason:    event.Reason,
		Token:     event.Token,
	})
}

// OrderEnvelope encodes an order lifecycle event keyed by order.
func OrderEnvelope(event services.OrderEvent) (Envelope, error) {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return Envelope{}, errors.New("messaging: order event type is required")
	}
	if !strings.HasPrefix(eventType, orderEventPrefix) {
		eventType = orderEventPrefix + eventType
	}
	return newEnvelope("", eventType, event.OrderID, event.OccurredAt, orderPayload{
		OrderID:        event.OrderID,
		BuyerID:        event.BuyerID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		PaymentStatus:  event.PaymentStatus,
		ActorID:        event.ActorID,
		Metadata:       event.Metadata,
	})
}

// CartEnvelope encodes a cart-clear signal keyed by buyer.
func CartEnvelope(event domain.CartClearedEvent) (Envelope, error) {
	items := event.ItemIDs
	if items == nil {
		items = []string{}
	}
	return newEnvelope(event.ID, EventTypeCartCleared, event.BuyerID, event.OccurredAt, cartPayload{
		BuyerID: event.BuyerID,
		OrderID: event.OrderID,
		ItemIDs: items,
	})
}

// DecodeStockEvent parses a broker message produced by StockEnvelope.
func DecodeStockEvent(data []byte) (domain.StockEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.StockEvent{}, fmt.Errorf("messaging: decode envelope: %w", err)
	}
	if env.Type != EventTypeStockChanged {
		return domain.StockEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	var payload stockPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return domain.StockEvent{}, fmt.Errorf("messaging: decode stock payload: %w", err)
	}
	return domain.StockEvent{
		ID:         env.ID,
		ProductID:  payload.ProductID,
		Available:  payload.Available,
		Reserved:   payload.Reserved,
		Delta:      payload.Delta,
		Reason:     payload.Reason,
		Token:      payload.Token,
		OccurredAt: env.OccurredAt,
	}, nil
}

func (e Envelope) attributes() map[string]string {
	attrs := make(map[string]string, 3)
	setAttr(attrs, "eventId", e.ID)
	setAttr(attrs, "eventType", e.Type)
	setAttr(attrs, "key", e.Key)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
