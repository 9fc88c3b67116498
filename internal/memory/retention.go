package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RunQuarantineRetention deletes QUARANTINED entries older than retention.
// A non-positive retention keeps them forever.
func RunQuarantineRetention(ctx context.Context, store *Store, retention time.Duration, now time.Time) {
	if store == nil || retention <= 0 {
		return
	}
	ctx, span := tracer.Start(ctx, "memory.quarantine_retention",
		trace.WithAttributes(attribute.String("retention", retention.String())))
	defer span.End()

	purged, err := store.PurgeQuarantined(ctx, now.Add(-retention))
	if err != nil {
		log.Error().Err(err).Msg("retention: purge of quarantined entries failed")
		return
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Dur("retention", retention).Msg("quarantine_retention_completed")
	}
}
