// Package storage serves externally rendered documents from Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"

	"github.com/hanko-field/checkout/internal/platform/config"
)

const defaultInvoiceContentType = "application/pdf"

var (
	// ErrInvoiceNotFound is returned when no document has been rendered for the order yet.
	ErrInvoiceNotFound = errors.New("storage: invoice not found")
	errBucketRequired  = errors.New("storage: invoice bucket is required")
)

// ObjectReader opens a stored object. It is satisfied by GCSReader and by test fakes.
type ObjectReader interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, string, error)
}

// GCSReader opens objects through a Cloud Storage client.
type GCSReader struct {
	client *gcs.Client
}

// NewGCSReader wraps client.
func NewGCSReader(client *gcs.Client) *GCSReader {
	return &GCSReader{client: client}
}

// Open returns a streaming reader and the object's content type.
func (r *GCSReader) Open(ctx context.Context, bucket, object string) (io.ReadCloser, string, error) {
	if r == nil || r.client == nil {
		return nil, "", errors.New("storage: client is not initialised")
	}
	reader, err := r.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
			return nil, "", ErrInvoiceNotFound
		}
		return nil, "", fmt.Errorf("storage: open %s/%s: %w", bucket, object, err)
	}
	return reader, reader.Attrs.ContentType, nil
}

// InvoiceStore is the invoice generator backed by a bucket the renderer writes into.
// Invoices live at {prefix}/{orderID}/invoice.pdf.
type InvoiceStore struct {
	reader ObjectReader
	bucket string
	prefix string
}

// NewInvoiceStore validates the bucket configuration.
func NewInvoiceStore(reader ObjectReader, cfg config.StorageConfig) (*InvoiceStore, error) {
	if reader == nil {
		return nil, errors.New("storage: object reader is required")
	}
	bucket := strings.TrimSpace(cfg.InvoiceBucket)
	if bucket == "" {
		return nil, errBucketRequired
	}
	return &InvoiceStore{
		reader: reader,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.InvoicePrefix), "/"),
	}, nil
}

// Generate streams the stored invoice for orderID.
func (s *InvoiceStore) Generate(ctx context.Context, orderID string) (io.ReadCloser, string, error) {
	object, err := InvoicePath(s.prefix, orderID)
	if err != nil {
		return nil, "", err
	}
	body, contentType, err := s.reader.Open(ctx, s.bucket, object)
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = defaultInvoiceContentType
	}
	return body, contentType, nil
}

// InvoicePath composes the object key for an order's invoice.
func InvoicePath(prefix, orderID string) (string, error) {
	id, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("%s/invoice.pdf", id)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		path = prefix + "/" + path
	}
	return path, nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
