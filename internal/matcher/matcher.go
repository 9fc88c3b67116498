// Package matcher runs vetted regular expressions against untrusted text
// under a hard per-match time budget.
//
// Every pattern passes CheckComplexity before it is compiled. Each match
// runs on its own goroutine; when the budget expires the caller gets
// TimedOut immediately and the worker is abandoned. Go's regexp engine
// runs in time linear in the input, so an abandoned worker always
// finishes on its own and its result is discarded.
package matcher

import (
	"context"
	"regexp"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dativo-io/memguard/internal/monitor"
	mgotel "github.com/dativo-io/memguard/internal/otel"
)

var tracer = mgotel.Tracer("github.com/dativo-io/memguard/internal/matcher")

const (
	// DefaultTimeout applies to user-supplied content.
	DefaultTimeout = 100 * time.Millisecond
	// MaxTimeout is the ceiling for any single match, including trusted
	// system patterns.
	MaxTimeout = 1000 * time.Millisecond
)

// Outcome is the tri-state result of a match.
type Outcome int

const (
	NoMatch Outcome = iota
	Matched
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case TimedOut:
		return "timed_out"
	default:
		return "no_match"
	}
}

// Span is a half-open byte range [Start, End) in the matched text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Result holds the outcome of one match. Spans is empty unless Outcome is
// Matched.
type Result struct {
	Outcome Outcome
	Spans   []Span
	Elapsed time.Duration
}

// Pattern is a compiled expression that passed the complexity check.
type Pattern struct {
	ID   string
	Expr string
	re   *regexp.Regexp
}

// Compile checks expr and compiles it. Failures are returned as
// *ConfigurationError.
func Compile(id, expr string) (*Pattern, error) {
	if err := CheckComplexity(expr); err != nil {
		return nil, &ConfigurationError{PatternID: id, Expr: expr, Err: err}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &ConfigurationError{PatternID: id, Expr: expr, Err: ErrInvalidPattern}
	}
	return &Pattern{ID: id, Expr: expr, re: re}, nil
}

// MustCompile is Compile for patterns built into the binary.
func MustCompile(id, expr string) *Pattern {
	p, err := Compile(id, expr)
	if err != nil {
		panic(err)
	}
	return p
}

// ClampTimeout maps non-positive durations to DefaultTimeout and caps the
// rest at MaxTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Matcher executes patterns with a time budget and reports timeouts to a
// monitor sink.
type Matcher struct {
	sink     monitor.Sink
	inflight atomic.Int64
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithSink sets the sink that receives match_timeout events.
func WithSink(s monitor.Sink) Option {
	return func(m *Matcher) { m.sink = s }
}

// New returns a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{sink: monitor.Nop{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match finds every non-empty, non-overlapping occurrence of p in text.
// The timeout is clamped with ClampTimeout. The context only carries
// trace and logging scope; it does not cancel the match.
func (m *Matcher) Match(ctx context.Context, text string, p *Pattern, timeout time.Duration) Result {
	timeout = ClampTimeout(timeout)
	start := time.Now()

	done := make(chan [][]int, 1)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Add(-1)
		done <- p.re.FindAllStringIndex(text, -1)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case locs := <-done:
		res := Result{Outcome: NoMatch, Elapsed: time.Since(start)}
		for _, loc := range locs {
			if loc[1] > loc[0] {
				res.Spans = append(res.Spans, Span{Start: loc[0], End: loc[1]})
			}
		}
		if len(res.Spans) > 0 {
			res.Outcome = Matched
		}
		return res
	case <-timer.C:
		_, span := tracer.Start(ctx, "matcher.timeout")
		defer span.End()
		timeoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", p.ID)))
		monitor.Emit(ctx, m.sink, monitor.Event{
			Kind:        monitor.KindMatchTimeout,
			PatternID:   p.ID,
			InputLength: len(text),
		})
		return Result{Outcome: TimedOut, Elapsed: time.Since(start)}
	}
}

// InFlight reports how many match workers are still running, including
// abandoned ones.
func (m *Matcher) InFlight() int64 { return m.inflight.Load() }
