package requestctx

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"
)

type (
	loggerKey    struct{}
	traceKey     struct{}
	resourcesKey struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Resource names a checkout identifier a request can be annotated with.
type Resource string

const (
	ResourceCheckoutID      Resource = "checkout_id"
	ResourceOrderID         Resource = "order_id"
	ResourceProviderOrderID Resource = "provider_order_id"
	ResourceProvider        Resource = "provider"
	ResourceProductID       Resource = "product_id"
	ResourceErrorCode       Resource = "error_code"
	ResourceUserID          Resource = "user_id"
)

// resourceSet is shared by pointer so handlers deep in the chain can annotate the request that
// the outer logging middleware reports on.
type resourceSet struct {
	mu     sync.Mutex
	values map[Resource]string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey{}, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithResources installs an empty annotation set on ctx. An existing set is kept.
func WithResources(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(resourcesKey{}).(*resourceSet); ok {
		return ctx
	}
	return context.WithValue(ctx, resourcesKey{}, &resourceSet{values: make(map[Resource]string)})
}

// Annotate records value under key. Empty values and contexts without a set are ignored.
func Annotate(ctx context.Context, key Resource, value string) {
	if ctx == nil || value == "" {
		return
	}
	set, ok := ctx.Value(resourcesKey{}).(*resourceSet)
	if !ok {
		return
	}
	set.mu.Lock()
	set.values[key] = value
	set.mu.Unlock()
}

// Resources returns a copy of the annotations recorded on ctx.
func Resources(ctx context.Context) map[Resource]string {
	if ctx == nil {
		return nil
	}
	set, ok := ctx.Value(resourcesKey{}).(*resourceSet)
	if !ok {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return maps.Clone(set.values)
}
