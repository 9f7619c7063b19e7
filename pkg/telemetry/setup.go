package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// SetupTelemetry configures the global tracer provider and propagator
// for the process, using whichever exporter config is populated.
func SetupTelemetry(config Config) (*tracesdk.TracerProvider, error) {
	res, err := NewResource(config.Package, config.ID)
	if err != nil {
		return nil, err
	}

	exp, expErr := func() (tracesdk.SpanExporter, error) {
		switch {
		case config.OTLP.Host != "":
			return NewOTLPExporter(config.OTLP)
		case config.JaegerURL != "":
			return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
		default:
			return nil, fmt.Errorf("neither OTLP nor Jaeger URL is set")
		}
	}()
	if expErr != nil {
		return nil, expErr
	}

	tp := NewTracerProvider(exp, res)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// NewTracerProvider wires a batching span processor to the given
// exporter and resource; every span created against the global tracer
// ends up flowing through it.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// NewResource identifies this service instance for every span it emits.
func NewResource(pkg, identifier string) (*resource.Resource, error) {
	if pkg == "" || identifier == "" {
		return nil, fmt.Errorf("empty resource name or identifier")
	}

	res, err := resource.New(
		context.Background(),
		resource.WithContainer(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(pkg),
			attribute.String("ID", identifier),
		),
	)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// NewOTLPExporter builds an OTLP/HTTP exporter, validating the endpoint
// up front since otlptracehttp only logs malformed endpoints at export
// time rather than returning a constructor error.
func NewOTLPExporter(config OTLP) (*otlptrace.Exporter, error) {
	switch {
	case config.Host == "":
		return nil, fmt.Errorf("OTLP host is not set")
	case strings.HasPrefix(config.Host, "http://"):
		return nil, fmt.Errorf("OTLP host must not contain the protocol")
	case strings.HasSuffix(config.Host, "/"):
		return nil, fmt.Errorf("OTLP host must not contain the path or trailing slashes")
	}

	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	return otlptrace.New(context.Background(), otlptracehttp.NewClient(options...))
}
