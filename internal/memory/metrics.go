package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/memguard/internal/memory")

var (
	writesTotal      metric.Int64Counter
	transitionsTotal metric.Int64Counter
	entriesGauge     metric.Int64Gauge
	corruptSkipped   metric.Int64Counter
)

func init() {
	var err error
	writesTotal, err = meter.Int64Counter("memory.writes.total",
		metric.WithDescription("Memory entries queued for validation"))
	if err != nil {
		writesTotal, _ = meter.Int64Counter("memory.writes.total.fallback")
	}

	transitionsTotal, err = meter.Int64Counter("memory.trust.transitions",
		metric.WithDescription("Entries that left UNTRUSTED, by resulting trust level"))
	if err != nil {
		transitionsTotal, _ = meter.Int64Counter("memory.trust.transitions.fallback")
	}

	entriesGauge, err = meter.Int64Gauge("memory.entries.count",
		metric.WithDescription("Current number of memory entries"))
	if err != nil {
		entriesGauge, _ = meter.Int64Gauge("memory.entries.count.fallback")
	}

	corruptSkipped, err = meter.Int64Counter("memory.entries.corrupt_skipped",
		metric.WithDescription("Stored rows skipped because they could not be decoded"))
	if err != nil {
		corruptSkipped, _ = meter.Int64Counter("memory.entries.corrupt_skipped.fallback")
	}
}

func metricTrust(level TrustLevel) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("trust_level", string(level)))
}
