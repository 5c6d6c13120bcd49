package services

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hanko-field/checkout/internal/repositories/memory"
)

func collectCounter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data %T", name, m.Data)
			}
			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}
	return total
}

func TestStockLedgerServiceRecordsReservationCounters(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	clock := newTestClock()
	svc, err := NewStockLedgerService(StockLedgerServiceDeps{
		Ledger: memory.NewLedger(),
		Meter:  provider.Meter("checkout-test"),
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("new ledger service: %v", err)
	}
	if _, err := svc.SetLevel(ctx, "p1", 3); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.Reserve(ctx, ReserveStockCommand{ProductID: "p1", Quantity: 1, ExpiresAt: clock.Now().Add(time.Minute)}); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	_, err = svc.Reserve(ctx, ReserveStockCommand{ProductID: "p1", Quantity: 5})
	mustErrorIs(t, err, ErrStockInsufficient)

	if got := collectCounter(t, reader, "stock.reservations"); got != 2 {
		t.Fatalf("expected 2 reservations recorded, got %d", got)
	}
	if got := collectCounter(t, reader, "stock.reservation_rejections"); got != 1 {
		t.Fatalf("expected 1 rejection recorded, got %d", got)
	}
}

func TestReconciliationSweeperRecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := newCheckoutHarness(t)
	h.seed("p1", 4)
	sweeper, err := NewReconciliationSweeper(ReconciliationSweeperDeps{
		Checkouts: h.reg.Checkouts(),
		Ledger:    h.ledger,
		Checkout:  h.checkout,
		Orders:    h.orders,
		Meter:     provider.Meter("checkout-test"),
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}

	if _, err := h.checkout.CreateIntent(ctx, buyNow("buyer_1", SelectionItem{ProductID: "p1", Quantity: 1})); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	h.clock.Advance(16 * time.Minute)
	if _, err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := collectCounter(t, reader, "checkout.sweep.outcomes"); got != 1 {
		t.Fatalf("expected one sweep outcome recorded, got %d", got)
	}
}
