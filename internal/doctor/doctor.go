// Package doctor provides health checks for MemGuard configuration and
// storage. Used by `memguard doctor` and by operators before enabling the
// admin API.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/config"
	"github.com/dativo-io/memguard/internal/evidence"
	"github.com/dativo-io/memguard/internal/matcher"
	"github.com/dativo-io/memguard/internal/memory"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls the checks.
type Options struct {
	// Config is checked as given. Nil loads the global configuration.
	Config *config.Config
	// BacklogThreshold is the age of the oldest UNTRUSTED entry above which
	// the validation backlog is reported. Zero means ten validation intervals.
	BacklogThreshold time.Duration
	// Now overrides the clock used for the backlog check.
	Now func() time.Time
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			report.Checks = []CheckResult{{
				Name: "config_load", Category: "config", Status: StatusFail,
				Message: fmt.Sprintf("Cannot load config: %v", err),
				Fix:     "Check MEMGUARD_* environment variables and memguard.config.yaml",
			}}
			report.tally()
			return report
		}
		cfg = loaded
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BacklogThreshold <= 0 {
		opts.BacklogThreshold = 10 * cfg.ValidationInterval
	}

	report.Checks = append(report.Checks, checkDataDir(cfg))
	report.Checks = append(report.Checks, checkKeys(cfg)...)
	report.Checks = append(report.Checks, checkPatterns(cfg))
	report.Checks = append(report.Checks, checkMemoryDB(ctx, cfg, opts)...)
	report.Checks = append(report.Checks, checkAuditDB(ctx, cfg)...)
	report.tally()
	return report
}

func (r *Report) tally() {
	r.Summary = Summary{}
	for _, c := range r.Checks {
		switch c.Status {
		case StatusPass:
			r.Summary.Pass++
		case StatusWarn:
			r.Summary.Warn++
		case StatusFail:
			r.Summary.Fail++
		}
	}

	r.Status = StatusPass
	if r.Summary.Warn > 0 {
		r.Status = StatusWarn
	}
	if r.Summary.Fail > 0 {
		r.Status = StatusFail
	}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkKeys(cfg *config.Config) []CheckResult {
	var results []CheckResult
	if cfg.SealingDisabled() {
		results = append(results, CheckResult{
			Name: "pattern_secret", Category: "config", Status: StatusWarn,
			Message: "Not set; flagged patterns are stored unencrypted",
			Fix:     "Set MEMGUARD_PATTERN_SECRET for production",
		})
	} else {
		results = append(results, CheckResult{
			Name: "pattern_secret", Category: "config", Status: StatusPass,
			Message: "Configured (" + cfg.PatternCipher + ")",
		})
	}
	if cfg.UsingDefaultSigningKey() {
		results = append(results, CheckResult{
			Name: "signing_key", Category: "config", Status: StatusWarn,
			Message: "Using generated default", Fix: "Set MEMGUARD_SIGNING_KEY for production",
		})
	} else {
		results = append(results, CheckResult{
			Name: "signing_key", Category: "config", Status: StatusPass, Message: "Configured",
		})
	}
	if cfg.AdminKey == "" {
		results = append(results, CheckResult{
			Name: "admin_key", Category: "config", Status: StatusWarn,
			Message: "Not set; admin API is disabled",
			Fix:     "Set MEMGUARD_ADMIN_KEY (16+ characters) to enable forensic access over HTTP",
		})
	} else {
		results = append(results, CheckResult{
			Name: "admin_key", Category: "config", Status: StatusPass, Message: "Configured",
		})
	}
	return results
}

func checkPatterns(cfg *config.Config) CheckResult {
	rules, err := classifier.LoadRules(cfg.PatternFile)
	if err != nil {
		res := CheckResult{
			Name: "patterns_valid", Category: "config", Status: StatusFail,
			Message: err.Error(),
			Fix:     "Run 'memguard patterns check' for details",
		}
		var cfgErr *matcher.ConfigurationError
		if errors.As(err, &cfgErr) {
			res.Fix = fmt.Sprintf("Rewrite or disable pattern %s in %s", cfgErr.PatternID, cfg.PatternFile)
		}
		return res
	}
	source := "built-in"
	if cfg.PatternFile != "" {
		source = cfg.PatternFile
	}
	return CheckResult{
		Name: "patterns_valid", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%d rules (%s)", len(rules), source),
	}
}

func checkMemoryDB(ctx context.Context, cfg *config.Config, opts Options) []CheckResult {
	store, err := memory.NewStore(cfg.MemoryDBPath())
	if err != nil {
		return []CheckResult{{
			Name: "memory_db", Category: "storage", Status: StatusFail,
			Message: err.Error(),
		}}
	}
	defer store.Close()

	stats, err := store.HealthStats(ctx)
	if err != nil {
		return []CheckResult{{
			Name: "memory_db", Category: "storage", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.MemoryDBPath(), err),
		}}
	}
	results := []CheckResult{{
		Name: "memory_db", Category: "storage", Status: StatusPass,
		Message: fmt.Sprintf("%d entries (%d untrusted, %d validated, %d flagged, %d quarantined)",
			stats.TotalEntries,
			stats.ByTrustLevel[memory.TrustUntrusted],
			stats.ByTrustLevel[memory.TrustValidated],
			stats.ByTrustLevel[memory.TrustFlagged],
			stats.ByTrustLevel[memory.TrustQuarantined]),
	}}

	backlog := CheckResult{
		Name: "validation_backlog", Category: "storage", Status: StatusPass,
		Message: "No entries waiting",
	}
	if stats.OldestQueued != nil {
		age := opts.Now().Sub(*stats.OldestQueued)
		backlog.Message = fmt.Sprintf("Oldest UNTRUSTED entry queued %s ago", age.Round(time.Second))
		if age > opts.BacklogThreshold {
			backlog.Status = StatusWarn
			backlog.Fix = "Check that 'memguard serve' is running or raise batch_size"
		}
	}
	return append(results, backlog)
}

func checkAuditDB(ctx context.Context, cfg *config.Config) []CheckResult {
	store, err := evidence.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return []CheckResult{{
			Name: "audit_db", Category: "storage", Status: StatusFail,
			Message: err.Error(),
		}}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return []CheckResult{{
			Name: "audit_db", Category: "storage", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.AuditDBPath(), err),
		}}
	}
	sizeStr := "unknown"
	if fi, statErr := os.Stat(cfg.AuditDBPath()); statErr == nil {
		sizeStr = fmt.Sprintf("%.1f MB", float64(fi.Size())/(1024*1024))
	}
	results := []CheckResult{{
		Name: "audit_db", Category: "storage", Status: StatusPass,
		Message: fmt.Sprintf("%d granted, %d denied, %s",
			counts[evidence.OutcomeGranted], counts[evidence.OutcomeDenied], sizeStr),
	}}

	latest, err := store.List(ctx, evidence.Filter{Limit: 1})
	if err != nil || len(latest) == 0 {
		return results
	}
	valid, err := store.VerifyRecord(&latest[0])
	switch {
	case err != nil || !valid:
		results = append(results, CheckResult{
			Name: "audit_signature", Category: "storage", Status: StatusFail,
			Message: fmt.Sprintf("Latest record %s does not verify with the configured signing key", latest[0].ID),
			Fix:     "Check MEMGUARD_SIGNING_KEY matches the key the audit log was written with",
		})
	default:
		results = append(results, CheckResult{
			Name: "audit_signature", Category: "storage", Status: StatusPass,
			Message: fmt.Sprintf("Latest record %s verifies", latest[0].ID),
		})
	}
	return results
}
