package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	maxCheckoutRequestBody  = 16 * 1024
	defaultCallbackBodySize = 8 * 1024
	maxSelectionItems       = 100
)

// CheckoutHandlers exposes checkout intent creation, status polling and the provider callback.
type CheckoutHandlers struct {
	authn           *auth.Authenticator
	checkout        services.CheckoutService
	idempotency     func(http.Handler) http.Handler
	callbackLimit   int64
	callbackLimiter rateLimiter
	callbackWindow  time.Duration
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithIntentIdempotency guards POST /checkout/intent with mw. It runs after authentication.
func WithIntentIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) { h.idempotency = mw }
}

// WithCallbackBodyLimit caps the callback payload size.
func WithCallbackBodyLimit(limit int64) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if limit > 0 {
			h.callbackLimit = limit
		}
	}
}

// WithCallbackRateLimit admits at most limit callbacks per client address in each window.
func WithCallbackRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.callbackLimiter = newWindowLimiter(limit, window, clock)
		h.callbackWindow = window
	}
}

// NewCheckoutHandlers constructs checkout handlers. A nil authenticator expects the identity to be
// placed on the context by an outer middleware.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:         authn,
		checkout:      checkout,
		callbackLimit: defaultCallbackBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(buyer chi.Router) {
		if h.authn != nil {
			buyer.Use(h.authn.RequireAuth())
		}
		intent := buyer
		if h.idempotency != nil {
			intent = buyer.With(h.idempotency)
		}
		intent.Post("/intent", h.createIntent)
		buyer.Get("/intent/{checkoutID}", h.intentStatus)
	})

	callbacks := r.With(limitByClient(h.callbackLimiter, h.callbackWindow))
	callbacks.Post("/callback", h.handleCallback)
	callbacks.Post("/callback/{provider}", h.handleCallback)
}

type createIntentRequest struct {
	Source      string                 `json:"source"`
	Items       []selectionItemRequest `json:"items"`
	AddressID   string                 `json:"addressId"`
	PaymentMode string                 `json:"paymentMode"`
	Provider    string                 `json:"provider"`
}

type selectionItemRequest struct {
	ProductID string `json:"productId"`
	Variant   string `json:"variant"`
	Quantity  int    `json:"quantity"`
}

type callbackRequest struct {
	Provider          string `json:"provider"`
	ProviderOrderID   string `json:"providerOrderId"`
	ProviderPaymentID string `json:"providerPaymentId"`
	Signature         string `json:"signature"`
}

type totalsResponse struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Shipping int64  `json:"shipping"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
}

type lineResponse struct {
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	LineTotal int64  `json:"lineTotal"`
}

type paymentIntentResponse struct {
	IntentID        string `json:"intentId"`
	Provider        string `json:"provider"`
	ProviderOrderID string `json:"providerOrderId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	ClientSecret    string `json:"clientSecret,omitempty"`
	Status          string `json:"status"`
}

type checkoutResponse struct {
	CheckoutID      string                 `json:"checkoutId"`
	Status          string                 `json:"status"`
	PaymentMode     string                 `json:"paymentMode"`
	PaymentIntent   *paymentIntentResponse `json:"paymentIntent,omitempty"`
	ProviderOrderID string                 `json:"providerOrderId,omitempty"`
	OrderID         string                 `json:"orderId,omitempty"`
	Totals          totalsResponse         `json:"totals"`
	Lines           []lineResponse         `json:"lines"`
	ExpiresAt       string                 `json:"expiresAt,omitempty"`
	FailureReason   string                 `json:"failureReason,omitempty"`
}

type codIntentResponse struct {
	CheckoutID string        `json:"checkoutId"`
	Status     string        `json:"status"`
	Order      orderResponse `json:"order"`
}

type callbackResponse struct {
	Order     orderResponse `json:"order"`
	Duplicate bool          `json:"duplicate"`
}

func (h *CheckoutHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !identity.HasRole(auth.RoleBuyer) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "buyer role required", http.StatusForbidden))
		return
	}

	var req createIntentRequest
	if _, ok := decodeBody(w, r, maxCheckoutRequestBody, &req); !ok {
		return
	}
	selection, err := req.toSelection(identity.UID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.checkout.CreateIntent(ctx, services.CreateIntentCommand{Selection: selection})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	annotateCheckout(ctx, result.Checkout)

	if result.Order != nil {
		annotateOrder(ctx, *result.Order)
		writeJSONResponse(w, http.StatusCreated, codIntentResponse{
			CheckoutID: result.Checkout.ID,
			Status:     string(result.Checkout.Status),
			Order:      newOrderResponse(*result.Order),
		})
		return
	}
	checkout := result.Checkout
	if result.Intent != nil {
		checkout.Intent = result.Intent
	}
	writeJSONResponse(w, http.StatusCreated, newCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) intentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	checkoutID := strings.TrimSpace(chi.URLParam(r, "checkoutID"))
	if checkoutID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "checkout id is required", http.StatusBadRequest))
		return
	}
	requestctx.Annotate(ctx, requestctx.ResourceCheckoutID, checkoutID)

	// Operators may inspect any checkout; buyers only their own.
	buyerID := identity.UID
	if identity.IsOperator() {
		buyerID = ""
	}
	checkout, err := h.checkout.IntentStatus(ctx, buyerID, checkoutID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	annotateCheckout(ctx, checkout)
	writeJSONResponse(w, http.StatusOK, newCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req callbackRequest
	if _, ok := decodeBody(w, r, h.callbackLimit, &req); !ok {
		return
	}
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	if provider == "" {
		provider = strings.TrimSpace(req.Provider)
	}
	if strings.TrimSpace(req.ProviderOrderID) == "" || strings.TrimSpace(req.ProviderPaymentID) == "" || strings.TrimSpace(req.Signature) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "providerOrderId, providerPaymentId and signature are required", http.StatusBadRequest))
		return
	}
	requestctx.Annotate(ctx, requestctx.ResourceProvider, strings.ToLower(provider))
	requestctx.Annotate(ctx, requestctx.ResourceProviderOrderID, strings.TrimSpace(req.ProviderOrderID))

	result, err := h.checkout.HandleCallback(ctx, services.PaymentCallbackCommand{
		Provider: strings.ToLower(provider),
		Payload: domain.CallbackPayload{
			ProviderOrderID:   strings.TrimSpace(req.ProviderOrderID),
			ProviderPaymentID: strings.TrimSpace(req.ProviderPaymentID),
			Signature:         strings.TrimSpace(req.Signature),
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	annotateOrder(ctx, result.Order)
	writeJSONResponse(w, http.StatusOK, callbackResponse{
		Order:     newOrderResponse(result.Order),
		Duplicate: result.Duplicate,
	})
}

func (req createIntentRequest) toSelection(buyerID string) (services.Selection, error) {
	source := domain.SelectionSource(strings.ToLower(strings.TrimSpace(req.Source)))
	switch source {
	case "":
		source = domain.SelectionSourceCart
	case domain.SelectionSourceCart, domain.SelectionSourceBuyNow:
	default:
		return services.Selection{}, errInvalidField("source must be cart or buy_now")
	}
	mode, ok := domain.ParsePaymentMode(req.PaymentMode)
	if !ok {
		return services.Selection{}, errInvalidField("paymentMode must be COD or GATEWAY")
	}
	if len(req.Items) > maxSelectionItems {
		return services.Selection{}, errInvalidField("too many items")
	}
	if source == domain.SelectionSourceBuyNow && len(req.Items) == 0 {
		return services.Selection{}, errInvalidField("items are required for buy_now")
	}

	items := make([]services.SelectionItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.SelectionItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Variant:   strings.TrimSpace(item.Variant),
			Quantity:  item.Quantity,
		})
	}
	return services.Selection{
		BuyerID:     buyerID,
		Source:      source,
		Items:       items,
		AddressID:   strings.TrimSpace(req.AddressID),
		PaymentMode: mode,
		Provider:    strings.ToLower(strings.TrimSpace(req.Provider)),
	}, nil
}

type errInvalidField string

func (e errInvalidField) Error() string { return string(e) }

func newCheckoutResponse(c domain.PendingCheckout) checkoutResponse {
	resp := checkoutResponse{
		CheckoutID:    c.ID,
		Status:        string(c.Status),
		PaymentMode:   string(c.PaymentMode),
		OrderID:       c.OrderID,
		Totals:        newTotalsResponse(c.Currency, c.Subtotal, c.Shipping, c.Tax, c.Total),
		Lines:         newLineResponses(c.Lines),
		ExpiresAt:     formatTime(c.ExpiresAt),
		FailureReason: c.FailureReason,
	}
	if c.Intent != nil {
		resp.PaymentIntent = &paymentIntentResponse{
			IntentID:        c.Intent.IntentID,
			Provider:        c.Intent.Provider,
			ProviderOrderID: c.Intent.ProviderOrderID,
			Amount:          c.Intent.Amount,
			Currency:        c.Intent.Currency,
			ClientSecret:    c.Intent.ClientSecret,
			Status:          string(c.Intent.Status),
		}
		resp.ProviderOrderID = c.Intent.ProviderOrderID
	}
	return resp
}

func newTotalsResponse(currency string, subtotal, shipping, tax, total int64) totalsResponse {
	return totalsResponse{Currency: currency, Subtotal: subtotal, Shipping: shipping, Tax: tax, Total: total}
}

func newLineResponses(lines []domain.LineItem) []lineResponse {
	out := make([]lineResponse, 0, len(lines))
	for _, line := range lines {
		out = append(out, lineResponse{
			ProductID: line.ProductID,
			Name:      line.Name,
			Variant:   line.Variant,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		})
	}
	return out
}
