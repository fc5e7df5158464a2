// Package telemetry configures OpenTelemetry tracing for the unwrapping pipeline.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/2lambda123/isce-framework-tophu/internal/build"
)

type TracerOption func(d *customTracer)

// WithOTLPEndpoint sets the collector address. Without an endpoint spans are
// recorded but not exported, which is what tests rely on.
func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(d *customTracer) {
		d.endpoint = endpoint
	}
}

func WithServiceName(serviceName string) TracerOption {
	return func(d *customTracer) {
		d.serviceName = serviceName
	}
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(d *customTracer) {
		d.samplingRatio = samplingRatio
	}
}

func WithAttributes(attrs ...attribute.KeyValue) TracerOption {
	return func(d *customTracer) {
		d.attributes = append(d.attributes, attrs...)
	}
}

type customTracer struct {
	endpoint      string
	serviceName   string
	samplingRatio float64
	attributes    []attribute.KeyValue
}

// MustNewTracerProvider builds a provider, installs it as the global one and
// panics if the exporter cannot be created.
func MustNewTracerProvider(opts ...TracerOption) TracerProvider {
	tracer := &customTracer{
		serviceName:   build.ProjectName,
		samplingRatio: 0,
	}

	for _, opt := range opts {
		opt(tracer)
	}

	attrs := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(tracer.serviceName),
		semconv.ServiceVersionKey.String(build.Version),
	}, tracer.attributes...)

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		panic(err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tracer.samplingRatio))),
		sdktrace.WithResource(res),
	}

	if tracer.endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(tracer.endpoint),
		)
		if err != nil {
			panic(fmt.Sprintf("failed to establish a connection with the otlp exporter: %v", err))
		}
		providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exp)))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return &tracerProvider{tp: tp}
}

// TraceError marks the span as failed.
func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
