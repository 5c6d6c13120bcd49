package domain

import (
	"testing"
	"time"
)

func TestCanTransitionFulfillment(t *testing.T) {
	cases := []struct {
		from FulfillmentStatus
		to   FulfillmentStatus
		want bool
	}{
		{FulfillmentStatusPending, FulfillmentStatusDispatched, true},
		{FulfillmentStatusPending, FulfillmentStatusDelivered, true},
		{FulfillmentStatusDispatched, FulfillmentStatusOutForDelivery, true},
		{FulfillmentStatusOutForDelivery, FulfillmentStatusCancelled, true},
		{FulfillmentStatusDispatched, FulfillmentStatusPending, false},
		{FulfillmentStatusDelivered, FulfillmentStatusCancelled, false},
		{FulfillmentStatusCancelled, FulfillmentStatusPending, false},
		{FulfillmentStatusCancelled, FulfillmentStatusDispatched, false},
		{FulfillmentStatusPending, FulfillmentStatusPending, false},
		{FulfillmentStatus("Lost"), FulfillmentStatusDelivered, false},
	}
	for _, tc := range cases {
		if got := CanTransitionFulfillment(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransitionFulfillment(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestFulfillmentStatusTerminal(t *testing.T) {
	if !FulfillmentStatusCancelled.IsTerminal() {
		t.Fatalf("expected cancelled to be terminal")
	}
	if !FulfillmentStatusDelivered.IsTerminal() {
		t.Fatalf("expected delivered to be terminal")
	}
	if FulfillmentStatusDispatched.IsTerminal() {
		t.Fatalf("dispatched should not be terminal")
	}
}

func TestParseFulfillmentStatus(t *testing.T) {
	for raw, want := range map[string]FulfillmentStatus{
		"Out for delivery": FulfillmentStatusOutForDelivery,
		"out_for_delivery": FulfillmentStatusOutForDelivery,
		" dispatched ":     FulfillmentStatusDispatched,
		"CANCELLED":        FulfillmentStatusCancelled,
	} {
		got, ok := ParseFulfillmentStatus(raw)
		if !ok || got != want {
			t.Fatalf("ParseFulfillmentStatus(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ParseFulfillmentStatus("returned"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestParsePaymentMode(t *testing.T) {
	if mode, ok := ParsePaymentMode(""); !ok || mode != PaymentModeGateway {
		t.Fatalf("expected empty mode to default to gateway, got %q", mode)
	}
	if mode, ok := ParsePaymentMode("cod"); !ok || mode != PaymentModeCOD {
		t.Fatalf("expected cod, got %q", mode)
	}
	if _, ok := ParsePaymentMode("card"); ok {
		t.Fatalf("expected unknown mode to be rejected")
	}
}

func TestPendingCheckoutExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	checkout := PendingCheckout{ExpiresAt: now.Add(time.Minute)}
	if checkout.Expired(now) {
		t.Fatalf("checkout should not be expired before expiresAt")
	}
	if !checkout.Expired(now.Add(time.Minute)) {
		t.Fatalf("checkout should be expired at expiresAt")
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	line2 := "Apt 4"
	order := Order{
		Lines:           []LineItem{{ProductID: "p1", Quantity: 1}},
		ShippingAddress: Address{Line1: "1 Main", Line2: &line2},
	}
	clone := order.Clone()
	clone.Lines[0].Quantity = 9
	*clone.ShippingAddress.Line2 = "changed"
	if order.Lines[0].Quantity != 1 {
		t.Fatalf("clone shares line items")
	}
	if *order.ShippingAddress.Line2 != "Apt 4" {
		t.Fatalf("clone shares address pointers")
	}
}

func TestProductHasVariant(t *testing.T) {
	plain := Product{ID: "p1"}
	if !plain.HasVariant("") || plain.HasVariant("M") {
		t.Fatalf("product without variants accepts only empty variant")
	}
	sized := Product{ID: "p2", Variants: []string{"S", "M"}}
	if !sized.HasVariant("m") || sized.HasVariant("XL") || sized.HasVariant("") {
		t.Fatalf("unexpected variant matching for %v", sized.Variants)
	}
}
