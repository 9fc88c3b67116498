package scheduler

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/memguard/internal/scheduler")

var (
	ticksTotal       metric.Int64Counter
	entriesProcessed metric.Int64Counter
	entryFailures    metric.Int64Counter
)

func init() {
	var err error
	ticksTotal, err = meter.Int64Counter("scheduler.ticks.total",
		metric.WithDescription("Validation batches started"))
	if err != nil {
		ticksTotal, _ = meter.Int64Counter("scheduler.ticks.total.fallback")
	}

	entriesProcessed, err = meter.Int64Counter("scheduler.entries.processed",
		metric.WithDescription("Entries that left UNTRUSTED, by trust level"))
	if err != nil {
		entriesProcessed, _ = meter.Int64Counter("scheduler.entries.processed.fallback")
	}

	entryFailures, err = meter.Int64Counter("scheduler.entries.failed",
		metric.WithDescription("Entries left UNTRUSTED after a processing error"))
	if err != nil {
		entryFailures, _ = meter.Int64Counter("scheduler.entries.failed.fallback")
	}
}
