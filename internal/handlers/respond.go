package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/services"
)

const gatewayRetryAfter = 5 * time.Second

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeBody reads at most limit bytes into dst and writes the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) ([]byte, bool) {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return nil, false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return nil, false
	}
	return body, true
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	requestctx.Annotate(r.Context(), requestctx.ResourceUserID, identity.UID)
	return identity, true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// writeServiceError maps service and gateway errors onto the JSON error envelope. Unknown errors
// are reported without their message.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var unavailable *services.ProductUnavailableError
	switch {
	case errors.Is(err, services.ErrSignatureMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_callback", "payment callback could not be verified", http.StatusBadRequest))
	case errors.Is(err, services.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_unavailable", "payment provider is temporarily unavailable; retry shortly", http.StatusServiceUnavailable).
			WithRetryAfter(gatewayRetryAfter))
	case errors.As(err, &unavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", "a product in the selection is no longer available", http.StatusConflict).
			WithDetails(map[string]any{"productId": unavailable.ProductID, "reason": unavailable.Reason}))
	case errors.Is(err, services.ErrStockInsufficient):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to reserve items", http.StatusConflict))
	case errors.Is(err, services.ErrEmptySelection):
		httpx.WriteError(ctx, w, httpx.NewError("empty_selection", "nothing to check out", http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidSelection),
		errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "payment provider is not supported", http.StatusBadRequest))
	case errors.Is(err, services.ErrAddressNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("address_not_found", "shipping address not found", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_found", "checkout not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "no stock entry for product", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutExpired):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_expired", "checkout is no longer awaiting payment", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", "confirmed amount does not match the checkout total", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed), errors.Is(err, payments.ErrGatewayRejected):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be started", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order has changed; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentStatusImmutable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_status_immutable", "payment status cannot be changed", http.StatusBadRequest))
	case errors.Is(err, services.ErrStockUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "stock ledger unavailable", http.StatusServiceUnavailable))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

// annotateCheckout records the checkout identifiers on the request log line and span.
func annotateCheckout(ctx context.Context, checkout domain.PendingCheckout) {
	requestctx.Annotate(ctx, requestctx.ResourceCheckoutID, checkout.ID)
	requestctx.Annotate(ctx, requestctx.ResourceProvider, checkout.Provider)
	requestctx.Annotate(ctx, requestctx.ResourceProviderOrderID, checkout.ProviderOrderID())
	requestctx.Annotate(ctx, requestctx.ResourceOrderID, checkout.OrderID)
}

func annotateOrder(ctx context.Context, order domain.Order) {
	requestctx.Annotate(ctx, requestctx.ResourceOrderID, order.ID)
	requestctx.Annotate(ctx, requestctx.ResourceCheckoutID, order.CheckoutID)
	requestctx.Annotate(ctx, requestctx.ResourceProvider, order.Provider)
	requestctx.Annotate(ctx, requestctx.ResourceProviderOrderID, order.ProviderOrderID)
}
