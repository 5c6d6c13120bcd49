package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rr.Code)
	}

	for _, path := range []string{"/api/v1/checkout/intent", "/api/v1/orders/ord_1", "/api/v1/admin/stock/p"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("%s: expected 501, got %d", path, rr.Code)
		}
		if body := decodeError(t, rr); body["error"] != "not_implemented" {
			t.Fatalf("%s: unexpected error code %v", path, body["error"])
		}
	}
}

func TestNewRouter_NotFound(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body["error"] != errorNotFoundCode {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}

func TestNewRouter_WithRegistrars(t *testing.T) {
	ok := func(path string) RouteRegistrar {
		return func(r chi.Router) {
			r.Get(path, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
		}
	}
	router := NewRouter(
		WithCheckoutRoutes(ok("/intent/{id}")),
		WithOrderRoutes(ok("/{orderID}")),
		WithStockRoutes(ok("/stock/{productID}")),
		WithAdminRoutes(ok("/stock/{productID}")),
	)
	for _, path := range []string{"/api/v1/checkout/intent/chk_1", "/api/v1/orders/ord_1", "/api/v1/stock/p1", "/api/v1/admin/stock/p1"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusTeapot {
			t.Fatalf("%s: expected registrar to handle request, got %d", path, rr.Code)
		}
	}
}

func TestNewRouter_StreamsBypassTimeout(t *testing.T) {
	var streamDeadline, timedDeadline bool
	router := NewRouter(
		WithRequestTimeout(time.Minute),
		WithStreamRoutes(func(r chi.Router) {
			r.Get("/stock/stream", func(w http.ResponseWriter, req *http.Request) {
				_, streamDeadline = req.Context().Deadline()
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithStockRoutes(func(r chi.Router) {
			r.Get("/stock/{productID}", func(w http.ResponseWriter, req *http.Request) {
				_, timedDeadline = req.Context().Deadline()
				w.WriteHeader(http.StatusOK)
			})
		}),
	)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/stock/stream", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/stock/p1", nil))
	if streamDeadline {
		t.Fatalf("expected stream route without deadline")
	}
	if !timedDeadline {
		t.Fatalf("expected timed route to carry a deadline")
	}
}

func TestNewRouter_GlobalMiddleware(t *testing.T) {
	var seen bool
	router := NewRouter(WithMiddlewares(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = true
			next.ServeHTTP(w, r)
		})
	}))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !seen {
		t.Fatalf("expected middleware to run")
	}
}
