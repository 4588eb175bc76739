package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// GetMeterProvider returns the global meter provider set by InitTelemetry.
func GetMeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }

// NoopMeterProvider returns a meter provider that records nothing, for tests
// and for running without an exporter.
func NoopMeterProvider() metric.MeterProvider { return noop.NewMeterProvider() }
