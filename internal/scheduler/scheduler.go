// Package scheduler runs background validation of UNTRUSTED memory entries.
//
// Each tick lists a batch of UNTRUSTED entries oldest-first, classifies
// them, asks the trust policy for a decision, seals extracted patterns for
// FLAGGED entries and persists the result. An entry is persisted only after
// every one of its patterns is sealed; any failure leaves it UNTRUSTED for
// the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/extract"
	"github.com/dativo-io/memguard/internal/memory"
	"github.com/dativo-io/memguard/internal/monitor"
	mgotel "github.com/dativo-io/memguard/internal/otel"
	"github.com/dativo-io/memguard/internal/policy"
	"github.com/dativo-io/memguard/internal/requestctx"
	"github.com/dativo-io/memguard/internal/seal"
)

var tracer = mgotel.Tracer("github.com/dativo-io/memguard/internal/scheduler")

// Metadata keys written on every processed entry.
const (
	MetaSeverity = "memguard.verdict.severity"
	MetaFamilies = "memguard.verdict.families"
	MetaReason   = "memguard.trust.reason"
)

// EntryStore is the persistence the scheduler needs. memory.Store
// implements it.
type EntryStore interface {
	ListEntriesByTrustLevel(ctx context.Context, level memory.TrustLevel, limit int) ([]*memory.Entry, error)
	PersistEntry(ctx context.Context, e *memory.Entry) error
}

// Validator classifies entry content.
type Validator interface {
	Validate(ctx context.Context, text string) *classifier.Verdict
}

// Sealer encrypts extracted patterns.
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte) (seal.Sealed, error)
}

// TrustPolicy maps a verdict to a trust decision.
type TrustPolicy interface {
	Decide(ctx context.Context, v *classifier.Verdict) (policy.Decision, error)
}

// Config controls batching and warnings.
type Config struct {
	Interval             time.Duration
	BatchSize            int
	LargeEntryBytes      int
	SuppressLargeWarning bool
}

// Defaults used when Config fields are zero.
const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 10
)

// TickReport summarizes one batch.
type TickReport struct {
	Listed      int
	Validated   int
	Flagged     int
	Quarantined int
	Failed      int
	Stale       int
}

// Processed is the number of entries that left UNTRUSTED during the tick.
func (r TickReport) Processed() int { return r.Validated + r.Flagged + r.Quarantined }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSink reports large-entry events to sink.
func WithSink(sink monitor.Sink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithClock overrides the time source for validation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithQuarantineRetention registers a daily job that purges QUARANTINED
// entries older than retention from store.
func WithQuarantineRetention(store *memory.Store, retention time.Duration) Option {
	return func(s *Scheduler) {
		s.retentionStore = store
		s.retention = retention
	}
}

// Scheduler drives background validation on a cron timer.
type Scheduler struct {
	cron      *cron.Cron
	store     EntryStore
	validator Validator
	sealer    Sealer
	trust     TrustPolicy
	sink      monitor.Sink
	cfg       Config
	now       func() time.Time

	retentionStore *memory.Store
	retention      time.Duration

	// tickMu serializes batches so a manual Tick never overlaps the timer.
	tickMu sync.Mutex
}

// New creates a scheduler. Call Start to begin ticking.
func New(store EntryStore, validator Validator, sealer Sealer, trust TrustPolicy, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil || validator == nil || sealer == nil || trust == nil {
		return nil, errors.New("scheduler: store, validator, sealer and trust policy are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	logger := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		store:     store,
		validator: validator,
		sealer:    sealer,
		trust:     trust,
		sink:      monitor.Nop{},
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.Interval), s.runTick); err != nil {
		return nil, fmt.Errorf("registering validation job every %s: %w", cfg.Interval, err)
	}
	if s.retentionStore != nil && s.retention > 0 {
		if _, err := s.cron.AddFunc("@daily", s.runRetention); err != nil {
			return nil, fmt.Errorf("registering quarantine retention job: %w", err)
		}
	}
	return s, nil
}

// Start begins executing the registered jobs.
func (s *Scheduler) Start() {
	log.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("validation_scheduler_started")
	s.cron.Start()
}

// Stop halts the timer and waits for an in-flight batch to finish
// persisting.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	log.Info().Msg("validation_scheduler_stopped")
}

// Entries returns the number of registered cron jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runTick() {
	report, err := s.Tick(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("validation_tick_failed")
		return
	}
	if report.Listed > 0 {
		log.Info().
			Int("listed", report.Listed).
			Int("validated", report.Validated).
			Int("flagged", report.Flagged).
			Int("quarantined", report.Quarantined).
			Int("failed", report.Failed).
			Msg("validation_tick_completed")
	}
}

func (s *Scheduler) runRetention() {
	ctx, _, err := requestctx.WithBackground(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("retention: establishing background context")
		return
	}
	memory.RunQuarantineRetention(ctx, s.retentionStore, s.retention, s.now())
}

// Tick processes one batch. It returns an error only when the batch could
// not start (no background context or the entry list failed); per-entry
// failures are logged and counted in the report.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var report TickReport
	ctx, ec, err := requestctx.WithBackground(ctx)
	if err != nil {
		return report, fmt.Errorf("establishing background context: %w", err)
	}
	ctx, span := tracer.Start(ctx, "scheduler.tick",
		trace.WithAttributes(
			attribute.String("request_id", ec.RequestID),
			attribute.Int("batch_size", s.cfg.BatchSize),
		))
	defer span.End()
	ticksTotal.Add(ctx, 1)

	entries, err := s.store.ListEntriesByTrustLevel(ctx, memory.TrustUntrusted, s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("listing untrusted entries: %w", err)
	}
	// Storage already orders by queue time; keep the batch deterministic
	// even for stores that do not.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].QueuedAt.Before(entries[j].QueuedAt) })
	report.Listed = len(entries)

	for _, e := range entries {
		level, err := s.processEntry(ctx, e)
		switch {
		case errors.Is(err, memory.ErrStaleEntry):
			report.Stale++
			log.Debug().Str("entry_id", e.ID).Func(mgotel.LogScopeFields(ctx)).Msg("entry already validated elsewhere; skipping")
			continue
		case err != nil:
			report.Failed++
			entryFailures.Add(ctx, 1)
			log.Error().Err(err).Str("entry_id", e.ID).Func(mgotel.LogScopeFields(ctx)).Msg("entry validation failed; will retry next tick")
			continue
		}
		switch level {
		case memory.TrustValidated:
			report.Validated++
		case memory.TrustFlagged:
			report.Flagged++
		case memory.TrustQuarantined:
			report.Quarantined++
		}
		entriesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("trust_level", string(level))))
	}

	span.SetAttributes(
		attribute.Int("entries.listed", report.Listed),
		attribute.Int("entries.processed", report.Processed()),
		attribute.Int("entries.failed", report.Failed),
	)
	return report, nil
}

// processEntry works on a clone so a failure never leaves a half-updated
// entry in the caller's hands.
func (s *Scheduler) processEntry(ctx context.Context, e *memory.Entry) (memory.TrustLevel, error) {
	ctx, span := tracer.Start(ctx, "scheduler.process_entry",
		trace.WithAttributes(attribute.String("entry_id", e.ID)))
	defer span.End()

	work := e.Clone()
	s.checkLargeEntry(ctx, work)

	v := s.validator.Validate(ctx, work.Content)
	d, err := s.trust.Decide(ctx, v)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("trust decision: %w", err)
	}
	level := enforceFloor(d.Level, v)
	if level != d.Level {
		log.Warn().
			Str("entry_id", e.ID).
			Str("policy_decision", string(d.Level)).
			Str("enforced", string(level)).
			Str("severity", v.OverallSeverity.String()).
			Msg("trust policy decision below severity floor; escalating")
	}
	recordVerdict(work, v, d.Reason)

	now := s.now().UTC()
	switch level {
	case memory.TrustValidated:
		err = work.MarkValidated(now)
	case memory.TrustQuarantined:
		err = work.MarkQuarantined(now)
	case memory.TrustFlagged:
		var preview string
		var patterns []memory.SanitizedPattern
		preview, patterns, err = s.sealPatterns(ctx, work.Content, v)
		if err == nil {
			err = work.MarkFlagged(preview, patterns, now)
		}
	default:
		err = fmt.Errorf("unexpected trust decision %q", level)
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := s.store.PersistEntry(ctx, work); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persisting entry: %w", err)
	}
	span.SetAttributes(attribute.String("trust_level", string(level)))
	return level, nil
}

func (s *Scheduler) sealPatterns(ctx context.Context, content string, v *classifier.Verdict) (string, []memory.SanitizedPattern, error) {
	res := extract.Extract(content, v)
	if len(res.Patterns) == 0 {
		return "", nil, errors.New("flagged verdict produced no extractable patterns")
	}
	patterns := make([]memory.SanitizedPattern, 0, len(res.Patterns))
	for _, p := range res.Patterns {
		sealed, err := s.sealer.Encrypt(ctx, []byte(p.Text))
		if err != nil {
			return "", nil, fmt.Errorf("sealing %s: %w", p.Ref, err)
		}
		patterns = append(patterns, memory.SanitizedPattern{Ref: p.Ref, Sealed: sealed, Severity: p.Severity})
	}
	return res.Preview, patterns, nil
}

func (s *Scheduler) checkLargeEntry(ctx context.Context, e *memory.Entry) {
	if s.cfg.LargeEntryBytes <= 0 || len(e.Content) <= s.cfg.LargeEntryBytes {
		return
	}
	if !s.cfg.SuppressLargeWarning {
		log.Warn().
			Str("entry_id", e.ID).
			Int("input_length", len(e.Content)).
			Int("threshold", s.cfg.LargeEntryBytes).
			Msg("large memory entry; validation may be slow")
	}
	monitor.Emit(ctx, s.sink, monitor.Event{
		Kind:        monitor.KindLargeEntry,
		EntryID:     e.ID,
		InputLength: len(e.Content),
	})
}

// enforceFloor keeps the policy from releasing content the detector rated
// HIGH or worse.
func enforceFloor(level memory.TrustLevel, v *classifier.Verdict) memory.TrustLevel {
	switch {
	case v.OverallSeverity >= classifier.SeverityCritical:
		return memory.TrustQuarantined
	case v.OverallSeverity >= classifier.SeverityHigh && level == memory.TrustValidated:
		return memory.TrustFlagged
	}
	return level
}

func recordVerdict(e *memory.Entry, v *classifier.Verdict, reason string) {
	e.Metadata[MetaSeverity] = v.OverallSeverity.String()
	families := v.Families()
	names := make([]string, len(families))
	for i, f := range families {
		names[i] = string(f)
	}
	if len(names) > 0 {
		e.Metadata[MetaFamilies] = strings.Join(names, ",")
	} else {
		delete(e.Metadata, MetaFamilies)
	}
	if reason != "" {
		e.Metadata[MetaReason] = reason
	}
}
