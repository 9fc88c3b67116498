package matcher

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/memguard/internal/matcher")

var timeoutsTotal metric.Int64Counter

func init() {
	var err error
	timeoutsTotal, err = meter.Int64Counter("matcher.timeouts.total",
		metric.WithDescription("Pattern matches abandoned after exceeding their time budget"))
	if err != nil {
		timeoutsTotal, _ = meter.Int64Counter("matcher.timeouts.total.fallback")
	}
}
