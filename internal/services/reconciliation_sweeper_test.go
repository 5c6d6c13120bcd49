package services

import (
	"context"
	"testing"
	"time"
)

func TestReconciliationSweeperRequiresCollaborators(t *testing.T) {
	h := newCheckoutHarness(t)
	if _, err := NewReconciliationSweeper(ReconciliationSweeperDeps{Ledger: h.ledger, Checkout: h.checkout, Orders: h.orders}); err == nil {
		t.Fatalf("expected error without checkout repository")
	}
	if _, err := NewReconciliationSweeper(ReconciliationSweeperDeps{Checkouts: h.reg.Checkouts(), Checkout: h.checkout, Orders: h.orders}); err == nil {
		t.Fatalf("expected error without ledger")
	}
}

func TestReconciliationSweeperReleasesOrphanedReservations(t *testing.T) {
	ctx := context.Background()
	h := newCheckoutHarness(t)
	h.seed("p1", 6)

	// A hold whose checkout was never persisted.
	if _, err := h.ledger.Reserve(ctx, ReserveStockCommand{
		ProductID:  "p1",
		Quantity:   2,
		CheckoutID: "chk_lost",
		ExpiresAt:  h.clock.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	h.assertLevel("p1", 4, 2)

	report, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.ReleasedOrphans != 0 {
		t.Fatalf("live hold must not be released, got %+v", report)
	}

	h.clock.Advance(2 * time.Minute)
	report, err = h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.ReleasedOrphans != 1 || report.Failures != 0 {
		t.Fatalf("expected one released orphan, got %+v", report)
	}
	h.assertLevel("p1", 6, 0)

	report, err = h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report != (SweepReport{}) {
		t.Fatalf("expected an idle pass, got %+v", report)
	}
}

func TestReconciliationSweeperRunStopsOnCancel(t *testing.T) {
	h := newCheckoutHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sweeper.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
