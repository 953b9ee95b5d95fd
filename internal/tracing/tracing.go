// Package tracing wraps OpenTelemetry span creation for the sync engine's
// pull, push, and snapshot-recovery round trips.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/relaysync/engine"

var (
	mu     sync.RWMutex
	tracer = otel.Tracer(tracerName)
)

// InitTracer wires a Jaeger-exporting TracerProvider as the global provider
// and returns it so the caller can Shutdown it on process exit. Exporter
// construction failures (unreachable collector, bad endpoint) never prevent
// sync from proceeding: a TracerProvider is always returned, falling back to
// one with no batcher attached (spans are created and immediately dropped)
// when the exporter cannot be built.
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	res, resErr := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if resErr != nil {
		res = sdkresource.Default()
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))
	if err == nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	mu.Lock()
	tracer = tp.Tracer(serviceName)
	mu.Unlock()

	return tp, err
}

// StartSpan starts a span named `name` as a child of ctx, tagged with attrs.
// Safe to call before InitTracer: it then uses whatever global tracer
// provider is installed (a no-op one by default).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}
