package handlers

import (
	"encoding/json"
	"fmt"
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
	defaultStreamHeartbeat = 15 * time.Second
	streamRetryMillis      = 3000
	maxStreamProducts      = 50
	maxStockBodySize       = 1024
)

// StockHandlers expose stock levels for polling, a server-sent event stream of changes, and admin
// seeding.
type StockHandlers struct {
	authn     *auth.Authenticator
	stock     services.StockLedgerService
	heartbeat time.Duration
}

// StockOption customises stock handlers.
type StockOption func(*StockHandlers)

// WithStreamHeartbeat sets how often an idle stream sends a comment line.
func WithStreamHeartbeat(interval time.Duration) StockOption {
	return func(h *StockHandlers) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// NewStockHandlers constructs stock handlers.
func NewStockHandlers(authn *auth.Authenticator, stock services.StockLedgerService, opts ...StockOption) *StockHandlers {
	h := &StockHandlers{authn: authn, stock: stock, heartbeat: defaultStreamHeartbeat}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the polling endpoint.
func (h *StockHandlers) Routes(r chi.Router) {
	r.Get("/stock/{productID}", h.getLevel)
}

// StreamRoutes registers the event stream. It must be mounted outside request timeouts.
func (h *StockHandlers) StreamRoutes(r chi.Router) {
	r.Get("/stock/stream", h.stream)
}

// AdminRoutes registers stock seeding under the admin group.
func (h *StockHandlers) AdminRoutes(r chi.Router) {
	group := r
	if h.authn != nil {
		group = r.With(h.authn.RequireAuth(auth.RoleAdmin))
	}
	group.Post("/stock/{productID}", h.seedLevel)
}

type stockLevelResponse struct {
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type stockEventResponse struct {
	ID         string `json:"id,omitempty"`
	ProductID  string `json:"productId"`
	Available  int    `json:"available"`
	Reserved   int    `json:"reserved"`
	Delta      int    `json:"delta"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurredAt"`
}

type seedStockRequest struct {
	Available *int `json:"available"`
}

func (h *StockHandlers) getLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "stock ledger unavailable", http.StatusServiceUnavailable))
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	requestctx.Annotate(ctx, requestctx.ResourceProductID, productID)
	level, err := h.stock.Level(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, newStockLevelResponse(level))
}

func (h *StockHandlers) seedLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "stock ledger unavailable", http.StatusServiceUnavailable))
		return
	}
	var req seedStockRequest
	if _, ok := decodeBody(w, r, maxStockBodySize, &req); !ok {
		return
	}
	if req.Available == nil || *req.Available < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "available must be a non-negative integer", http.StatusBadRequest))
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	requestctx.Annotate(ctx, requestctx.ResourceProductID, productID)
	level, err := h.stock.SetLevel(ctx, productID, *req.Available)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newStockLevelResponse(level))
}

// stream sends a snapshot of each requested product followed by every change until the client
// disconnects. Without productId parameters it streams all products and sends no snapshot.
func (h *StockHandlers) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_unavailable", "stock ledger unavailable", http.StatusServiceUnavailable))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("streaming_unsupported", "streaming not supported", http.StatusInternalServerError))
		return
	}
	productIDs := streamProducts(r)
	if len(productIDs) > maxStreamProducts {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("at most %d products per stream", maxStreamProducts), http.StatusBadRequest))
		return
	}

	events, err := h.stock.Subscribe(ctx, productIDs...)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", streamRetryMillis)

	for _, productID := range productIDs {
		level, err := h.stock.Level(ctx, productID)
		if err != nil {
			continue
		}
		writeEvent(w, "snapshot", "", newStockLevelResponse(level))
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, "stock", event.ID, newStockEventResponse(event))
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name, id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func streamProducts(r *http.Request) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range r.URL.Query()["productId"] {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func newStockLevelResponse(level domain.StockLevel) stockLevelResponse {
	return stockLevelResponse{
		ProductID: level.ProductID,
		Available: level.Available,
		Reserved:  level.Reserved,
		UpdatedAt: formatTime(level.UpdatedAt),
	}
}

func newStockEventResponse(event domain.StockEvent) stockEventResponse {
	return stockEventResponse{
		ID:         event.ID,
		ProductID:  event.ProductID,
		Available:  event.Available,
		Reserved:   event.Reserved,
		Delta:      event.Delta,
		Reason:     event.Reason,
		OccurredAt: formatTime(event.OccurredAt),
	}
}
