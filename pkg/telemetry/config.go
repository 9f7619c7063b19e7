package telemetry

// Config selects and configures the trace exporter.
type Config struct {
	// JaegerURL, if set, exports spans to a Jaeger collector.
	JaegerURL string `yaml:"jaegerUrl"`
	// OTLP, if Host is set, exports spans via OTLP/HTTP instead.
	OTLP OTLP `yaml:"otlp"`
	// Package identifies this service in trace resource attributes.
	Package string `yaml:"package"`
	// ID identifies this particular instance.
	ID string `yaml:"id"`
}

// OTLP describes an OTLP/HTTP trace collector endpoint.
type OTLP struct {
	Host   string `yaml:"host"`
	Secure bool   `yaml:"secure"`
}
