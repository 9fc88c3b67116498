package seal

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/memguard/internal/seal")

var (
	sealsTotal     metric.Int64Counter
	nonceReuse     metric.Int64Counter
	decryptGranted metric.Int64Counter
	decryptDenied  metric.Int64Counter
)

func init() {
	var err error
	sealsTotal, err = meter.Int64Counter("seal.encrypt.total",
		metric.WithDescription("Patterns sealed"))
	if err != nil {
		sealsTotal, _ = meter.Int64Counter("seal.encrypt.total.fallback")
	}

	nonceReuse, err = meter.Int64Counter("seal.nonce_reuse.total",
		metric.WithDescription("Seal attempts refused because the nonce was already issued"))
	if err != nil {
		nonceReuse, _ = meter.Int64Counter("seal.nonce_reuse.total.fallback")
	}

	decryptGranted, err = meter.Int64Counter("seal.decrypt.granted",
		metric.WithDescription("Pattern decryptions granted"))
	if err != nil {
		decryptGranted, _ = meter.Int64Counter("seal.decrypt.granted.fallback")
	}

	decryptDenied, err = meter.Int64Counter("seal.decrypt.denied",
		metric.WithDescription("Pattern decryptions denied"))
	if err != nil {
		decryptDenied, _ = meter.Int64Counter("seal.decrypt.denied.fallback")
	}
}
