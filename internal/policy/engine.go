// Package policy decides the trust level of a classified memory entry. The
// decision table lives in an embedded Rego module so operators can audit it
// in one place; the MEDIUM-severity threshold is supplied as OPA data.
package policy

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/memory"
	mgotel "github.com/dativo-io/memguard/internal/otel"
)

var tracer = mgotel.Tracer("github.com/dativo-io/memguard/internal/policy")

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	trustModule = "rego/trust.rego"
	trustQuery  = "data.memguard.trust"
)

// MediumAction controls how MEDIUM-severity verdicts are treated.
type MediumAction string

const (
	// MediumValidate lets MEDIUM verdicts through as VALIDATED; the verdict
	// is retained in entry metadata.
	MediumValidate MediumAction = "validate"
	// MediumFlag treats MEDIUM like HIGH: extract, seal and flag.
	MediumFlag MediumAction = "flag"
)

// ErrUnknownMediumAction is returned for a medium_severity_action that is
// neither "validate" nor "flag".
var ErrUnknownMediumAction = errors.New("unknown medium severity action")

// ParseMediumAction validates s.
func ParseMediumAction(s string) (MediumAction, error) {
	switch MediumAction(s) {
	case MediumValidate, MediumFlag:
		return MediumAction(s), nil
	case "":
		return MediumValidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMediumAction, s)
}

// Decision is the outcome of the trust policy for one verdict.
type Decision struct {
	Level  memory.TrustLevel
	Reason string
}

// Engine evaluates the embedded trust policy with OPA.
type Engine struct {
	mediumAction MediumAction
	prepared     rego.PreparedEvalQuery
}

// NewEngine compiles the trust policy with the given MEDIUM threshold.
func NewEngine(ctx context.Context, mediumAction MediumAction) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new",
		trace.WithAttributes(attribute.String("policy.medium_action", string(mediumAction))))
	defer span.End()

	if _, err := ParseMediumAction(string(mediumAction)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if mediumAction == "" {
		mediumAction = MediumValidate
	}

	content, err := embeddedPolicies.ReadFile(trustModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", trustModule, err)
	}
	store := inmem.NewFromObject(map[string]interface{}{
		"policy": map[string]interface{}{
			"medium_action": string(mediumAction),
		},
	})
	pq, err := rego.New(
		rego.Query(trustQuery),
		rego.Module(trustModule, string(content)),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing Rego policy %s: %w", trustModule, err)
	}
	return &Engine{mediumAction: mediumAction, prepared: pq}, nil
}

// MediumAction reports the configured MEDIUM threshold.
func (e *Engine) MediumAction() MediumAction { return e.mediumAction }

// Decide maps a verdict to a trust level. Evaluation failures fall back to
// FLAGGED, never VALIDATED.
func (e *Engine) Decide(ctx context.Context, v *classifier.Verdict) (Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.decide",
		trace.WithAttributes(
			attribute.Bool("verdict.clean", v.Clean),
			attribute.String("verdict.severity", v.OverallSeverity.String()),
		))
	defer span.End()

	fallback := Decision{Level: memory.TrustFlagged, Reason: "policy_error"}
	if v.OverallSeverity >= classifier.SeverityCritical {
		fallback = Decision{Level: memory.TrustQuarantined, Reason: "policy_error"}
	}

	input := map[string]interface{}{
		"clean":     v.Clean,
		"severity":  v.OverallSeverity.String(),
		"timed_out": v.TimedOut,
	}
	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fallback, fmt.Errorf("evaluating trust policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return fallback, fmt.Errorf("trust policy returned no result")
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return fallback, fmt.Errorf("trust policy returned %T", results[0].Expressions[0].Value)
	}

	d := fallback
	switch doc["decision"] {
	case "validated":
		d.Level = memory.TrustValidated
	case "flagged":
		d.Level = memory.TrustFlagged
	case "quarantined":
		d.Level = memory.TrustQuarantined
	default:
		return fallback, fmt.Errorf("trust policy returned unknown decision %v", doc["decision"])
	}
	if reason, ok := doc["reason"].(string); ok {
		d.Reason = reason
	}

	span.SetAttributes(
		attribute.String("policy.decision", string(d.Level)),
		attribute.String("policy.reason", d.Reason),
	)
	return d, nil
}
