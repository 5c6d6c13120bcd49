package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

func newLoggedRouter(t *testing.T, register func(chi.Router)) (http.Handler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	r := chi.NewRouter()
	r.Use(
		InjectLoggerMiddleware(zap.New(core)),
		RecoveryMiddleware(nil),
		RequestLoggerMiddleware("proj"),
	)
	register(r)
	return r, logs
}

func completedEntry(t *testing.T, logs *observer.ObservedLogs) observer.LoggedEntry {
	t.Helper()
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	return entries[0]
}

func TestRequestLoggerRecordsCheckoutIdentifiers(t *testing.T) {
	router, logs := newLoggedRouter(t, func(r chi.Router) {
		r.Post("/checkout/callback/{provider}", func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestctx.Annotate(ctx, requestctx.ResourceProvider, chi.URLParam(r, "provider"))
			requestctx.Annotate(ctx, requestctx.ResourceProviderOrderID, "gw_123")
			requestctx.Annotate(ctx, requestctx.ResourceCheckoutID, "chk_1")
			requestctx.Annotate(ctx, requestctx.ResourceOrderID, "ord_1")
			requestctx.Annotate(ctx, requestctx.ResourceUserID, "buyer-42")
			w.WriteHeader(http.StatusOK)
		})
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/checkout/callback/hmac", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	entry := completedEntry(t, logs)
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	want := map[string]any{
		"route":             "/checkout/callback/{provider}",
		"path":              "/checkout/callback/{provider}",
		"provider":          "hmac",
		"provider_order_id": "gw_123",
		"checkout_id":       "chk_1",
		"order_id":          "ord_1",
		"user_id":           SanitizeUserID("buyer-42"),
	}
	for key, value := range want {
		if fields[key] != value {
			t.Fatalf("field %s: expected %v, got %v", key, value, fields[key])
		}
	}
	if _, ok := fields["error_code"]; ok {
		t.Fatalf("successful request must not carry an error code")
	}
}

func TestRequestLoggerRecordsErrorCode(t *testing.T) {
	router, logs := newLoggedRouter(t, func(r chi.Router) {
		r.Get("/checkout/intent/{checkoutID}", func(w http.ResponseWriter, r *http.Request) {
			requestctx.Annotate(r.Context(), requestctx.ResourceCheckoutID, chi.URLParam(r, "checkoutID"))
			httpx.WriteError(r.Context(), w, httpx.NewError("checkout_expired", "checkout is no longer awaiting payment", http.StatusConflict))
		})
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/checkout/intent/chk_9", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	entry := completedEntry(t, logs)
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["error_code"] != "checkout_expired" || fields["checkout_id"] != "chk_9" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if fields["status"] != int64(http.StatusConflict) {
		t.Fatalf("expected status field 409, got %v", fields["status"])
	}
}

func TestRequestLoggerPassesFlushThrough(t *testing.T) {
	router, _ := newLoggedRouter(t, func(r chi.Router) {
		r.Get("/stock/stream", func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("event: stock\ndata: {}\n\n"))
			flusher.Flush()
		})
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stock/stream", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !rr.Flushed {
		t.Fatalf("expected the stream frame to be flushed")
	}
}

func TestRecoveryLogsAnnotationsOnPanic(t *testing.T) {
	router, logs := newLoggedRouter(t, func(r chi.Router) {
		r.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
			requestctx.Annotate(r.Context(), requestctx.ResourceOrderID, chi.URLParam(r, "orderID"))
			panic("boom")
		})
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_7", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"internal_server_error"`) {
		t.Fatalf("expected error envelope, got %s", rr.Body.String())
	}

	completed := completedEntry(t, logs)
	if completed.Level != zapcore.ErrorLevel || completed.ContextMap()["order_id"] != "ord_7" {
		t.Fatalf("unexpected completion entry %+v", completed)
	}
	panics := logs.FilterMessage("panic recovered").All()
	if len(panics) != 1 {
		t.Fatalf("expected one panic entry, got %d", len(panics))
	}
	if panics[0].ContextMap()["order_id"] != "ord_7" {
		t.Fatalf("panic entry missing order id: %v", panics[0].ContextMap())
	}
}

func TestAnnotateSpanSetsCheckoutAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	_, span := provider.Tracer("test").Start(context.Background(), "POST /checkout/callback/hmac")
	annotateSpan(span, http.MethodPost, "/checkout/callback/{provider}", http.StatusBadRequest, map[requestctx.Resource]string{
		requestctx.ResourceCheckoutID: "chk_1",
		requestctx.ResourceProvider:   "hmac",
		requestctx.ResourceErrorCode:  "invalid_callback",
		requestctx.ResourceUserID:     "buyer-42",
	})
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	if ended[0].Name() != "POST /checkout/callback/{provider}" {
		t.Fatalf("unexpected span name %q", ended[0].Name())
	}
	attrs := make(map[string]string)
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"checkout.id":               "chk_1",
		"payment.provider":          "hmac",
		"error.code":                "invalid_callback",
		"enduser.id":                SanitizeUserID("buyer-42"),
		"http.route":                "/checkout/callback/{provider}",
		"http.response.status_code": "400",
	}
	for key, value := range want {
		if attrs[key] != value {
			t.Fatalf("attribute %s: expected %q, got %q", key, value, attrs[key])
		}
	}
}

func TestSanitizeRoute(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/checkout/intent":                   "/checkout/intent",
		"/api/v1/checkout/intent/chk_01HX":   "/api/v1/checkout/intent/{checkoutID}",
		"/api/v1/checkout/callback/razorpay": "/api/v1/checkout/callback/{provider}",
		"/api/v1/checkout/callback":          "/api/v1/checkout/callback",
		"/api/v1/orders/ord_1/invoice":       "/api/v1/orders/{orderID}/invoice",
		"/api/v1/stock/stream":               "/api/v1/stock/stream",
		"/api/v1/admin/stock/p-1":            "/api/v1/admin/stock/{productID}",
		"/orders/{orderID}":                  "/orders/{orderID}",
		"/healthz\x00":                       "/healthz",
	}
	for in, want := range cases {
		if got := SanitizeRoute(in); got != want {
			t.Fatalf("SanitizeRoute(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeUserIDPseudonymises(t *testing.T) {
	first := SanitizeUserID("buyer-42")
	if first == "" || strings.Contains(first, "buyer") || !strings.HasPrefix(first, "u_") {
		t.Fatalf("unexpected pseudonym %q", first)
	}
	if SanitizeUserID(" buyer-42 ") != first {
		t.Fatalf("pseudonym must be stable")
	}
	if SanitizeUserID("buyer-43") == first {
		t.Fatalf("distinct users must not collide")
	}
	if SanitizeUserID("") != "" {
		t.Fatalf("empty uid must stay empty")
	}
}
