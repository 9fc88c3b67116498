package seal

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/memguard/internal/evidence"
	"github.com/dativo-io/memguard/internal/monitor"
	mgotel "github.com/dativo-io/memguard/internal/otel"
	"github.com/dativo-io/memguard/internal/requestctx"
)

// Decision reasons recorded in the audit trail.
const (
	ReasonBackground       = "background_context"
	ReasonRequestContext   = "request_context"
	ReasonMissingContext   = "missing_execution_context"
	ReasonPatternNotFound  = "pattern_not_found"
	ReasonIntegrity        = "integrity_error"
	ReasonUnsupported      = "unsupported_algorithm"
	ReasonAuditUnavailable = "audit_unavailable"
)

// Outcome of a decryption attempt. The zero value is Denied.
type Outcome int

const (
	Denied Outcome = iota
	Granted
)

func (o Outcome) String() string {
	if o == Granted {
		return "granted"
	}
	return "denied"
}

// Decision is returned by every Gate call. Plaintext is set only when
// Outcome is Granted.
type Decision struct {
	Outcome   Outcome
	Plaintext []byte
	Reason    string
	AuditID   string
	Err       error
}

// Granted reports whether the plaintext was released.
func (d Decision) Granted() bool { return d.Outcome == Granted }

// AuditLog persists decryption audit records.
type AuditLog interface {
	Append(ctx context.Context, rec *evidence.AuditRecord) error
}

// Gate is the single path from a sealed pattern back to plaintext.
// Request-scoped callers and callers without an execution context are
// denied before any cryptographic work happens. Every attempt is written
// to the audit log and reported to the monitor sink.
type Gate struct {
	svc   *Service
	audit AuditLog
	sink  monitor.Sink
}

// NewGate returns a Gate. A nil sink disables event reporting; audit is
// required.
func NewGate(svc *Service, audit AuditLog, sink monitor.Sink) *Gate {
	if sink == nil {
		sink = monitor.Nop{}
	}
	return &Gate{svc: svc, audit: audit, sink: sink}
}

// Decrypt releases the plaintext of p if the caller runs in background
// scope.
func (g *Gate) Decrypt(ctx context.Context, entryID, ref string, p Sealed) Decision {
	ctx, span := tracer.Start(ctx, "seal.gate.decrypt",
		trace.WithAttributes(
			attribute.String("entry_id", entryID),
			attribute.String("pattern_ref", ref),
		))
	defer span.End()

	ec, ok := requestctx.From(ctx)
	switch {
	case !ok:
		return g.deny(ctx, ec, entryID, ref, p.Algorithm, ReasonMissingContext, nil)
	case ec.Origin != requestctx.OriginBackground:
		return g.deny(ctx, ec, entryID, ref, p.Algorithm, ReasonRequestContext, nil)
	}

	plaintext, err := g.svc.open(p)
	if err != nil {
		reason := ReasonUnsupported
		var integrityErr *IntegrityError
		if errors.As(err, &integrityErr) {
			reason = ReasonIntegrity
		}
		span.RecordError(err)
		return g.deny(ctx, ec, entryID, ref, p.Algorithm, reason, err)
	}

	rec := g.record(ctx, ec, entryID, ref, p.Algorithm, evidence.OutcomeGranted, ReasonBackground)
	if err := g.audit.Append(ctx, rec); err != nil {
		log.Error().Err(err).Str("entry_id", entryID).Str("pattern_ref", ref).Func(mgotel.LogScopeFields(ctx)).Msg("audit write failed; withholding decrypted pattern")
		decryptDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonAuditUnavailable)))
		return Decision{Outcome: Denied, Reason: ReasonAuditUnavailable, Err: err}
	}
	decryptGranted.Add(ctx, 1)
	g.emit(ctx, ec, monitor.KindDecryptGranted, entryID, ref, ReasonBackground)
	return Decision{Outcome: Granted, Plaintext: plaintext, Reason: ReasonBackground, AuditID: rec.ID}
}

// Reject records a denied attempt for a pattern that could not be located.
// Scope is checked first so request-scoped callers always see the same
// reason, whether or not ref exists.
func (g *Gate) Reject(ctx context.Context, entryID, ref, reason string) Decision {
	ec, ok := requestctx.From(ctx)
	switch {
	case !ok:
		reason = ReasonMissingContext
	case ec.Origin != requestctx.OriginBackground:
		reason = ReasonRequestContext
	}
	return g.deny(ctx, ec, entryID, ref, "", reason, nil)
}

func (g *Gate) deny(ctx context.Context, ec requestctx.ExecutionContext, entryID, ref, alg, reason string, cause error) Decision {
	decryptDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	rec := g.record(ctx, ec, entryID, ref, alg, evidence.OutcomeDenied, reason)
	if err := g.audit.Append(ctx, rec); err != nil {
		log.Error().Err(err).Str("entry_id", entryID).Str("pattern_ref", ref).Str("reason", reason).Func(mgotel.LogScopeFields(ctx)).Msg("audit write failed for denied decryption")
		rec.ID = ""
	}
	g.emit(ctx, ec, monitor.KindDecryptDenied, entryID, ref, reason)
	return Decision{Outcome: Denied, Reason: reason, AuditID: rec.ID, Err: cause}
}

func (g *Gate) record(ctx context.Context, ec requestctx.ExecutionContext, entryID, ref, alg string, outcome evidence.Outcome, reason string) *evidence.AuditRecord {
	origin := string(ec.Origin)
	if origin == "" {
		origin = "NONE"
	}
	return &evidence.AuditRecord{
		EntryID:    entryID,
		PatternRef: ref,
		Outcome:    outcome,
		Reason:     reason,
		Origin:     origin,
		RequestID:  ec.RequestID,
		Actor:      requestctx.Actor(ctx),
		Algorithm:  alg,
	}
}

func (g *Gate) emit(ctx context.Context, ec requestctx.ExecutionContext, kind monitor.Kind, entryID, ref, reason string) {
	monitor.Emit(ctx, g.sink, monitor.Event{
		Kind:       kind,
		EntryID:    entryID,
		PatternRef: ref,
		Origin:     string(ec.Origin),
		RequestID:  ec.RequestID,
		Reason:     reason,
	})
}
