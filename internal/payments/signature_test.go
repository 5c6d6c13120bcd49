package payments

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner("whsec_test")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sig := signer.Sign("order_1", "pay_1")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !signer.Verify("order_1", "pay_1", sig) {
		t.Fatalf("expected signature to verify")
	}
	if !signer.Verify("order_1", "pay_1", strings.ToUpper(sig)) {
		t.Fatalf("expected upper-case hex to verify")
	}
}

func TestSignerRejectsTampering(t *testing.T) {
	signer, _ := NewSigner("whsec_test")
	sig := signer.Sign("order_1", "pay_1")

	cases := map[string][3]string{
		"payment id swapped": {"order_1", "pay_2", sig},
		"order id swapped":   {"order_2", "pay_1", sig},
		"truncated":          {"order_1", "pay_1", sig[:62]},
		"not hex":            {"order_1", "pay_1", "zz" + sig[2:]},
		"empty":              {"order_1", "pay_1", ""},
	}
	for name, tc := range cases {
		if signer.Verify(tc[0], tc[1], tc[2]) {
			t.Fatalf("%s: expected verification failure", name)
		}
	}

	other, _ := NewSigner("another")
	if other.Verify("order_1", "pay_1", sig) {
		t.Fatalf("expected different secret to fail")
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("  "); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"12.34", "USD", 1234},
		{"499", "INR", 49900},
		{"1200", "JPY", 1200},
		{"0.125", "USD", 12},
		{"0.135", "USD", 14},
	}
	for _, tc := range cases {
		got, err := ToMinorUnits(decimal.RequireFromString(tc.amount), tc.currency)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.amount, tc.currency, err)
		}
		if got != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.amount, tc.currency, tc.want, got)
		}
	}

	if _, err := ToMinorUnits(decimal.NewFromInt(1), "XYZ1"); err == nil {
		t.Fatalf("expected invalid currency error")
	}
	if _, err := ToMinorUnits(decimal.NewFromInt(-1), "USD"); err == nil {
		t.Fatalf("expected negative amount error")
	}
}
