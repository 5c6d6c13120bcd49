package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/platform/storage"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	maxOrderPatchBodySize = 4 * 1024
	maxReasonLength       = 500
)

// OrderHandlers exposes order reads, operator fulfillment updates and invoice downloads.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	invoices services.InvoiceGenerator
	policy   *bluemonday.Policy
}

// NewOrderHandlers constructs order handlers. invoices may be nil, in which case the invoice
// endpoint reports 503.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, invoices services.InvoiceGenerator) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		invoices: invoices,
		policy:   bluemonday.StrictPolicy(),
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/invoice", h.getInvoice)
	r.Patch("/{orderID}", h.patchOrder)
}

type orderResponse struct {
	ID                string                 `json:"id"`
	BuyerID           string                 `json:"buyerId"`
	CheckoutID        string                 `json:"checkoutId"`
	PaymentMode       string                 `json:"paymentMode"`
	PaymentStatus     string                 `json:"paymentStatus"`
	FulfillmentStatus string                 `json:"fulfillmentStatus"`
	Provider          string                 `json:"provider,omitempty"`
	ProviderOrderID   string                 `json:"providerOrderId,omitempty"`
	ProviderPaymentID string                 `json:"providerPaymentId,omitempty"`
	Totals            totalsResponse         `json:"totals"`
	Lines             []lineResponse         `json:"lines"`
	ShippingAddress   addressResponse        `json:"shippingAddress"`
	CancelReason      string                 `json:"cancelReason,omitempty"`
	History           []statusChangeResponse `json:"history"`
	CreatedAt         string                 `json:"createdAt"`
	UpdatedAt         string                 `json:"updatedAt"`
	PaidAt            string                 `json:"paidAt,omitempty"`
	DeliveredAt       string                 `json:"deliveredAt,omitempty"`
	CancelledAt       string                 `json:"cancelledAt,omitempty"`
}

type addressResponse struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type statusChangeResponse struct {
	From          string `json:"from,omitempty"`
	To            string `json:"to"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
	ActorID       string `json:"actorId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	At            string `json:"at"`
}

type patchOrderRequest struct {
	FulfillmentStatus string `json:"fulfillmentStatus"`
	Reason            string `json:"reason"`
	ExpectedUpdatedAt string `json:"expectedUpdatedAt"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

func (h *OrderHandlers) patchOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !identity.IsOperator() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "operator role required", http.StatusForbidden))
		return
	}

	var raw map[string]json.RawMessage
	body, ok := decodeBody(w, r, maxOrderPatchBodySize, &raw)
	if !ok {
		return
	}
	if _, present := raw["paymentStatus"]; present {
		httpx.WriteError(ctx, w, httpx.NewError("payment_status_immutable", "paymentStatus cannot be changed through this endpoint", http.StatusBadRequest))
		return
	}
	var req patchOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body has invalid field types", http.StatusBadRequest))
		return
	}

	target, ok := domain.ParseFulfillmentStatus(req.FulfillmentStatus)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("unknown fulfillmentStatus %q", req.FulfillmentStatus), http.StatusBadRequest))
		return
	}
	reason, err := h.sanitizeReason(req.Reason)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var expected *time.Time
	if rawTS := strings.TrimSpace(req.ExpectedUpdatedAt); rawTS != "" {
		ts, err := time.Parse(time.RFC3339Nano, rawTS)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expectedUpdatedAt must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		ts = ts.UTC()
		expected = &ts
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	requestctx.Annotate(ctx, requestctx.ResourceOrderID, orderID)
	order, err := h.orders.TransitionFulfillment(ctx, services.TransitionFulfillmentCommand{
		OrderID:           orderID,
		Target:            target,
		ActorID:           identity.UID,
		Reason:            reason,
		ExpectedUpdatedAt: expected,
	})
	if errors.Is(err, services.ErrOrderCompensationPending) {
		annotateOrder(ctx, order)
		// The cancellation is stored; the sweep retries the stock compensation.
		writeJSONResponse(w, http.StatusAccepted, newOrderResponse(order))
		return
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	annotateOrder(ctx, order)
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

func (h *OrderHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadVisibleOrder(w, r)
	if !ok {
		return
	}
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_unavailable", "invoice generator unavailable", http.StatusServiceUnavailable))
		return
	}

	doc, contentType, err := h.invoices.Generate(ctx, order.ID)
	if err != nil {
		if errors.Is(err, storage.ErrInvoiceNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", "invoice not available yet", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invoice_unavailable", "failed to fetch invoice", http.StatusBadGateway))
		return
	}
	defer doc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="invoice-%s%s"`, order.ID, invoiceExtension(contentType)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, doc)
}

// invoiceExtension picks a file extension for the generator's content type, or none.
func invoiceExtension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if mediaType == "application/pdf" {
		return ".pdf"
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// loadVisibleOrder fetches the order if the caller owns it or is an operator. Other callers see a
// 404 so order ids cannot be enumerated.
func (h *OrderHandlers) loadVisibleOrder(w http.ResponseWriter, r *http.Request) (domain.Order, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return domain.Order{}, false
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return domain.Order{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return domain.Order{}, false
	}
	requestctx.Annotate(ctx, requestctx.ResourceOrderID, orderID)

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return domain.Order{}, false
	}
	if order.BuyerID != identity.UID && !identity.IsOperator() {
		writeServiceError(ctx, w, services.ErrOrderNotFound)
		return domain.Order{}, false
	}
	annotateOrder(ctx, order)
	return order, true
}

func (h *OrderHandlers) sanitizeReason(reason string) (string, error) {
	cleaned := strings.TrimSpace(h.policy.Sanitize(reason))
	if utf8.RuneCountInString(cleaned) > maxReasonLength {
		return "", fmt.Errorf("reason must be at most %d characters", maxReasonLength)
	}
	return cleaned, nil
}

func newOrderResponse(o domain.Order) orderResponse {
	history := make([]statusChangeResponse, 0, len(o.History))
	for _, change := range o.History {
		history = append(history, statusChangeResponse{
			From:          string(change.From),
			To:            string(change.To),
			PaymentStatus: string(change.PaymentStatus),
			ActorID:       change.ActorID,
			Reason:        change.Reason,
			At:            formatTime(change.At),
		})
	}
	addr := o.ShippingAddress
	return orderResponse{
		ID:                o.ID,
		BuyerID:           o.BuyerID,
		CheckoutID:        o.CheckoutID,
		PaymentMode:       string(o.PaymentMode),
		PaymentStatus:     string(o.PaymentStatus),
		FulfillmentStatus: string(o.FulfillmentStatus),
		Provider:          o.Provider,
		ProviderOrderID:   o.ProviderOrderID,
		ProviderPaymentID: o.ProviderPaymentID,
		Totals:            newTotalsResponse(o.Currency, o.Subtotal, o.Shipping, o.Tax, o.FinalAmount),
		Lines:             newLineResponses(o.Lines),
		ShippingAddress: addressResponse{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		},
		CancelReason: o.CancelReason,
		History:      history,
		CreatedAt:    formatTime(o.CreatedAt),
		UpdatedAt:    formatTime(o.UpdatedAt),
		PaidAt:       formatTimePtr(o.PaidAt),
		DeliveredAt:  formatTimePtr(o.DeliveredAt),
		CancelledAt:  formatTimePtr(o.CancelledAt),
	}
}
