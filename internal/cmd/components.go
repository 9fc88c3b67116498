package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/config"
	"github.com/dativo-io/memguard/internal/evidence"
	"github.com/dativo-io/memguard/internal/matcher"
	"github.com/dativo-io/memguard/internal/memory"
	"github.com/dativo-io/memguard/internal/monitor"
	"github.com/dativo-io/memguard/internal/policy"
	"github.com/dativo-io/memguard/internal/scheduler"
	"github.com/dativo-io/memguard/internal/seal"
)

// Monitor log sink limits: sustained events per second, burst, async buffer.
const (
	monitorRate   = 20
	monitorBurst  = 50
	monitorBuffer = 1024
)

// components is the wired runtime shared by serve and the operator commands.
type components struct {
	cfg      *config.Config
	sink     *monitor.Async
	detector *classifier.Detector
	sealer   *seal.Service
	entries  *memory.Store
	audit    *evidence.Store
	gate     *seal.Gate
	trust    *policy.Engine
}

// openComponents loads configuration and builds every collaborator. A
// rejected pattern set or invalid configuration is returned as an error so
// the command refuses to start.
func openComponents(ctx context.Context) (*components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	c := &components{cfg: cfg, sink: newMonitorSink()}
	c.detector, err = newDetector(cfg, c.sink)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.sealer, err = seal.NewService(cfg.PatternSecret, seal.WithAlgorithm(cfg.PatternCipher))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing pattern encryption: %w", err)
	}
	c.sealer.WarnIfDisabled(cfg.SuppressDisabledWarning)

	c.entries, err = memory.NewStore(cfg.MemoryDBPath())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing memory store: %w", err)
	}
	c.audit, err = evidence.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing audit store: %w", err)
	}
	c.gate = seal.NewGate(c.sealer, c.audit, c.sink)

	c.trust, err = policy.NewEngine(ctx, cfg.MediumSeverityAction)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing trust policy: %w", err)
	}

	log.Debug().
		Int("rules", len(c.detector.Rules())).
		Str("cipher", c.sealer.Algorithm()).
		Str("medium_action", string(cfg.MediumSeverityAction)).
		Str("data_dir", cfg.DataDir).
		Msg("components_ready")
	return c, nil
}

// newMonitorSink returns the rate-limited zerolog sink behind an async buffer.
func newMonitorSink() *monitor.Async {
	return monitor.NewAsync(monitor.NewLogSink(monitorRate, monitorBurst), monitorBuffer)
}

// newDetector compiles the configured pattern set into a detector whose
// timeouts are reported to sink.
func newDetector(cfg *config.Config, sink monitor.Sink) (*classifier.Detector, error) {
	rules, err := classifier.LoadRules(cfg.PatternFile)
	if err != nil {
		return nil, fmt.Errorf("loading threat patterns: %w", err)
	}
	return classifier.NewDetector(
		matcher.New(matcher.WithSink(sink)),
		classifier.WithRules(rules),
		classifier.WithMatchTimeout(cfg.MatchTimeout),
	), nil
}

// newScheduler builds the background validation scheduler over c.
func (c *components) newScheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(c.entries, c.detector, c.sealer, c.trust, scheduler.Config{
		Interval:             c.cfg.ValidationInterval,
		BatchSize:            c.cfg.BatchSize,
		LargeEntryBytes:      c.cfg.LargeEntryBytes,
		SuppressLargeWarning: c.cfg.SuppressLargeWarning,
	},
		scheduler.WithSink(c.sink),
		scheduler.WithQuarantineRetention(c.entries, c.cfg.QuarantineRetention),
	)
}

// Close releases stores and drains the monitor sink.
func (c *components) Close() {
	if c.entries != nil {
		_ = c.entries.Close()
	}
	if c.audit != nil {
		_ = c.audit.Close()
	}
	if c.sink != nil {
		c.sink.Close()
	}
}
