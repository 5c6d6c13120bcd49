package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/hanko-field/checkout/internal/platform/config"
)

type fakeReader struct {
	objects     map[string]string
	contentType string
	opened      []string
}

func (f *fakeReader) Open(_ context.Context, bucket, object string) (io.ReadCloser, string, error) {
	key := bucket + "/" + object
	f.opened = append(f.opened, key)
	body, ok := f.objects[key]
	if !ok {
		return nil, "", ErrInvoiceNotFound
	}
	return io.NopCloser(strings.NewReader(body)), f.contentType, nil
}

func TestInvoicePath(t *testing.T) {
	path, err := InvoicePath("/invoices/", "ord_01HZX")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "invoices/ord_01HZX/invoice.pdf" {
		t.Fatalf("unexpected path %s", path)
	}
	if path, _ := InvoicePath("", "ord_1"); path != "ord_1/invoice.pdf" {
		t.Fatalf("unexpected unprefixed path %s", path)
	}
	for _, bad := range []string{"", "../etc", "a/b", `a\b`} {
		if _, err := InvoicePath("invoices", bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestInvoiceStoreGenerate(t *testing.T) {
	reader := &fakeReader{objects: map[string]string{"docs/invoices/ord_1/invoice.pdf": "%PDF-1.7"}}
	store, err := NewInvoiceStore(reader, config.StorageConfig{InvoiceBucket: "docs", InvoicePrefix: "invoices"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	body, contentType, err := store.Generate(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "%PDF-1.7" || contentType != "application/pdf" {
		t.Fatalf("unexpected document %q (%s)", data, contentType)
	}

	_, _, err = store.Generate(context.Background(), "ord_2")
	if !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewInvoiceStoreRequiresBucket(t *testing.T) {
	if _, err := NewInvoiceStore(&fakeReader{}, config.StorageConfig{}); err == nil {
		t.Fatalf("expected bucket validation error")
	}
}
