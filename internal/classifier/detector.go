// Package classifier detects prompt-injection, exfiltration and code
// execution content in untrusted memory entries.
//
// Validate runs a fixed battery over each entry. A Unicode check runs
// first: any bidirectional control character short-circuits the battery
// with a HIGH finding, and mixed-script words are reported as MEDIUM
// homographs. The remaining families then run, in order, against a folded
// copy of the text (NFKC, confusables mapped to Latin, invisible
// characters removed). Spans are always reported against the original
// text. A recognizer that runs out of time adds a HIGH match_timeout
// finding; a timeout never produces a clean verdict.
package classifier

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/memguard/internal/matcher"
	mgotel "github.com/dativo-io/memguard/internal/otel"
)

var tracer = mgotel.Tracer("github.com/dativo-io/memguard/internal/classifier")

// Span is a half-open byte range [Start, End) in the original text.
type Span = matcher.Span

// Match is one finding. A nil Span means the finding applies to the whole
// entry (bidi controls, timeouts).
type Match struct {
	Family   Family   `json:"family"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Span     *Span    `json:"span,omitempty"`
}

// Verdict is the result of validating one entry.
type Verdict struct {
	Clean           bool     `json:"clean"`
	Matches         []Match  `json:"matches,omitempty"`
	OverallSeverity Severity `json:"overall_severity"`
	TimedOut        bool     `json:"timed_out,omitempty"`
}

// Families returns the distinct families in the verdict, in match order.
func (v *Verdict) Families() []Family {
	seen := make(map[Family]bool)
	var out []Family
	for _, m := range v.Matches {
		if !seen[m.Family] {
			seen[m.Family] = true
			out = append(out, m.Family)
		}
	}
	return out
}

func (v *Verdict) add(m Match) {
	v.Matches = append(v.Matches, m)
	if m.Severity > v.OverallSeverity {
		v.OverallSeverity = m.Severity
	}
	v.Clean = false
}

// Detector runs the validation battery. It is safe for concurrent use.
type Detector struct {
	matcher *matcher.Matcher
	rules   []Rule
	timeout time.Duration
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithRules replaces the rule set (defaults to DefaultRules).
func WithRules(rules []Rule) DetectorOption {
	return func(d *Detector) { d.rules = rules }
}

// WithMatchTimeout sets the per-recognizer time budget. The matcher clamps
// it to its maximum.
func WithMatchTimeout(timeout time.Duration) DetectorOption {
	return func(d *Detector) { d.timeout = timeout }
}

// NewDetector returns a Detector that runs rules through m.
func NewDetector(m *matcher.Matcher, opts ...DetectorOption) *Detector {
	d := &Detector{
		matcher: m,
		rules:   DefaultRules,
		timeout: matcher.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rules returns the active rule set.
func (d *Detector) Rules() []Rule { return d.rules }

// Validate classifies text. The returned verdict is never nil.
func (d *Detector) Validate(ctx context.Context, text string) *Verdict {
	ctx, span := tracer.Start(ctx, "classifier.validate",
		trace.WithAttributes(attribute.Int("input.length", len(text))))
	defer span.End()

	v := &Verdict{Clean: true}

	if bidi := findBidiControls(text); len(bidi) > 0 {
		v.add(Match{Family: FamilyUnicode, Rule: "bidi_control", Severity: SeverityHigh})
		span.SetAttributes(attribute.Int("bidi.count", len(bidi)))
		return d.finish(span, v)
	}

	for _, w := range findMixedScriptWords(text) {
		v.add(Match{
			Family:   FamilyUnicode,
			Rule:     "mixed_script_homograph",
			Severity: SeverityMedium,
			Span:     &Span{Start: w[0], End: w[1]},
		})
	}
	for _, r := range findInvisible(text) {
		v.add(Match{
			Family:   FamilyUnicode,
			Rule:     "invisible_character",
			Severity: SeverityLow,
			Span:     &Span{Start: r[0], End: r[1]},
		})
	}

	f := foldForMatching(text)
	for _, rule := range d.rules {
		res := d.matcher.Match(ctx, f.text, rule.Pattern, d.timeout)
		switch res.Outcome {
		case matcher.TimedOut:
			v.TimedOut = true
			v.add(Match{Family: FamilyMatchTimeout, Rule: rule.ID(), Severity: SeverityHigh})
			log.Warn().Str("pattern_id", rule.ID()).Int("input_length", len(text)).Msg("recognizer timed out; treating entry as suspicious")
		case matcher.Matched:
			for _, s := range res.Spans {
				start, end, ok := f.originalSpan(s.Start, s.End)
				if !ok {
					continue
				}
				v.add(Match{
					Family:   rule.Family,
					Rule:     rule.Name,
					Severity: rule.Severity,
					Span:     &Span{Start: start, End: end},
				})
			}
		}
	}
	return d.finish(span, v)
}

func (d *Detector) finish(span trace.Span, v *Verdict) *Verdict {
	span.SetAttributes(
		attribute.Bool("verdict.clean", v.Clean),
		attribute.String("verdict.severity", v.OverallSeverity.String()),
		attribute.Int("verdict.matches", len(v.Matches)),
	)
	return v
}
