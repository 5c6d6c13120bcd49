package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/services"
)

type stubCheckoutService struct {
	createFunc   func(ctx context.Context, cmd services.CreateIntentCommand) (services.CheckoutIntentResult, error)
	callbackFunc func(ctx context.Context, cmd services.PaymentCallbackCommand) (services.CallbackResult, error)
	statusFunc   func(ctx context.Context, buyerID, checkoutID string) (domain.PendingCheckout, error)
}

func (s *stubCheckoutService) CreateIntent(ctx context.Context, cmd services.CreateIntentCommand) (services.CheckoutIntentResult, error) {
	if s.createFunc == nil {
		return services.CheckoutIntentResult{}, nil
	}
	return s.createFunc(ctx, cmd)
}

func (s *stubCheckoutService) HandleCallback(ctx context.Context, cmd services.PaymentCallbackCommand) (services.CallbackResult, error) {
	if s.callbackFunc == nil {
		return services.CallbackResult{}, nil
	}
	return s.callbackFunc(ctx, cmd)
}

func (s *stubCheckoutService) IntentStatus(ctx context.Context, buyerID, checkoutID string) (domain.PendingCheckout, error) {
	if s.statusFunc == nil {
		return domain.PendingCheckout{}, services.ErrCheckoutNotFound
	}
	return s.statusFunc(ctx, buyerID, checkoutID)
}

func (s *stubCheckoutService) ResumeFinalisation(context.Context, string) (domain.Order, error) {
	return domain.Order{}, nil
}

type stubOrderService struct {
	orders         map[string]domain.Order
	transitionFunc func(ctx context.Context, cmd services.TransitionFulfillmentCommand) (domain.Order, error)
}

func (s *stubOrderService) CreateFromCheckout(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error) {
	return services.CreateOrderResult{}, nil
}

func (s *stubOrderService) MarkStockCommitted(context.Context, string) (domain.Order, error) {
	return domain.Order{}, nil
}

func (s *stubOrderService) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, services.ErrOrderNotFound
	}
	return order, nil
}

func (s *stubOrderService) FindByProviderOrderID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) FindByCheckoutID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) TransitionFulfillment(ctx context.Context, cmd services.TransitionFulfillmentCommand) (domain.Order, error) {
	if s.transitionFunc == nil {
		return domain.Order{}, services.ErrOrderInvalidTransition
	}
	return s.transitionFunc(ctx, cmd)
}

func (s *stubOrderService) RetryCompensation(context.Context, int) (int, error) {
	return 0, nil
}

type stubStockService struct {
	levels   map[string]domain.StockLevel
	events   chan domain.StockEvent
	seeded   map[string]int
	subbed   []string
	subErr   error
	levelErr error
}

func (s *stubStockService) Reserve(context.Context, services.ReserveStockCommand) (domain.Reservation, error) {
	return domain.Reservation{}, nil
}

func (s *stubStockService) Commit(context.Context, string) (domain.Reservation, error) {
	return domain.Reservation{}, nil
}

func (s *stubStockService) Release(context.Context, string, string) (domain.Reservation, error) {
	return domain.Reservation{}, nil
}

func (s *stubStockService) Restock(context.Context, services.RestockCommand) (domain.StockLevel, error) {
	return domain.StockLevel{}, nil
}

func (s *stubStockService) SetLevel(_ context.Context, productID string, available int) (domain.StockLevel, error) {
	if s.seeded == nil {
		s.seeded = make(map[string]int)
	}
	s.seeded[productID] = available
	return domain.StockLevel{ProductID: productID, Available: available}, nil
}

func (s *stubStockService) Level(_ context.Context, productID string) (domain.StockLevel, error) {
	if s.levelErr != nil {
		return domain.StockLevel{}, s.levelErr
	}
	level, ok := s.levels[productID]
	if !ok {
		return domain.StockLevel{}, services.ErrStockNotFound
	}
	return level, nil
}

func (s *stubStockService) Reservation(context.Context, string) (domain.Reservation, error) {
	return domain.Reservation{}, nil
}

func (s *stubStockService) ListExpired(context.Context, time.Time, int) ([]domain.Reservation, error) {
	return nil, nil
}

func (s *stubStockService) Subscribe(_ context.Context, productIDs ...string) (<-chan domain.StockEvent, error) {
	s.subbed = productIDs
	if s.subErr != nil {
		return nil, s.subErr
	}
	return s.events, nil
}

type stubInvoices struct {
	body        string
	contentType string
	err         error
	requested   string
}

func (s *stubInvoices) Generate(_ context.Context, orderID string) (io.ReadCloser, string, error) {
	s.requested = orderID
	if s.err != nil {
		return nil, "", s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), s.contentType, nil
}

var (
	_ services.CheckoutService    = (*stubCheckoutService)(nil)
	_ services.OrderService       = (*stubOrderService)(nil)
	_ services.StockLedgerService = (*stubStockService)(nil)
	_ services.InvoiceGenerator   = (*stubInvoices)(nil)
)

func buyer(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleBuyer}}
}

func staff(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleStaff}}
}

func as(req *http.Request, identity *auth.Identity) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v (%s)", err, rr.Body.String())
	}
	return body
}
