package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	mgotel "github.com/dativo-io/memguard/internal/otel"
)

var tracer = mgotel.Tracer("github.com/dativo-io/memguard/internal/memory")

var (
	// ErrEntryNotFound is returned when a memory entry does not exist.
	ErrEntryNotFound = errors.New("memory entry not found")
	// ErrTransientStorage wraps storage failures the scheduler retries on
	// the next tick.
	ErrTransientStorage = errors.New("transient storage failure")
	// ErrStaleEntry is returned by PersistEntry when the stored row already
	// left UNTRUSTED.
	ErrStaleEntry = errors.New("entry already validated")
	// ErrCorruptEntry marks a stored row that cannot be decoded into an
	// Entry. Listings skip such rows.
	ErrCorruptEntry = errors.New("corrupt memory entry")
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    content TEXT NOT NULL,
    trust_level TEXT NOT NULL DEFAULT 'UNTRUSTED',
    sanitized_preview TEXT NOT NULL DEFAULT '',
    encrypted_patterns TEXT NOT NULL DEFAULT '[]',
    last_validated_at INTEGER,
    queued_at INTEGER NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_entries_trust_queue ON memory_entries(trust_level, queued_at, id);
CREATE INDEX IF NOT EXISTS idx_entries_memory ON memory_entries(memory_id, queued_at);
`

const selectColumns = `id, memory_id, content, trust_level, sanitized_preview,
	encrypted_patterns, last_validated_at, queued_at, metadata`

// Store persists memory entries in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the entry database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new UNTRUSTED entry.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	ctx, span := tracer.Start(ctx, "memory.create",
		trace.WithAttributes(
			attribute.String("memory.id", e.ID),
			attribute.String("memory_id", e.MemoryID),
			attribute.Int("content.length", len(e.Content)),
		))
	defer span.End()

	if e.TrustLevel() != TrustUntrusted {
		return fmt.Errorf("%w: new entries must be UNTRUSTED, got %s", ErrInvalidTransition, e.TrustLevel())
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(nonNilMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_entries (id, memory_id, content, trust_level, queued_at, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.MemoryID, e.Content, string(TrustUntrusted), e.QueuedAt.UnixNano(), string(metadata))
		return err
	})
	if err != nil {
		return fmt.Errorf("writing memory entry: %w", err)
	}
	writesTotal.Add(ctx, 1)
	return nil
}

// Get retrieves an entry by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "memory.get",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM memory_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListByMemory returns entries of one memory, oldest first.
func (s *Store) ListByMemory(ctx context.Context, memoryID string, limit int) ([]*Entry, error) {
	ctx, span := tracer.Start(ctx, "memory.list_by_memory",
		trace.WithAttributes(attribute.String("memory_id", memoryID)))
	defer span.End()

	return s.queryEntries(ctx, limit,
		`SELECT `+selectColumns+` FROM memory_entries WHERE memory_id = ? ORDER BY queued_at ASC, id ASC`,
		memoryID)
}

// ListEntriesByTrustLevel returns up to limit entries at level, oldest
// queued first (ties broken by id).
func (s *Store) ListEntriesByTrustLevel(ctx context.Context, level TrustLevel, limit int) ([]*Entry, error) {
	ctx, span := tracer.Start(ctx, "memory.list_by_trust_level",
		trace.WithAttributes(
			attribute.String("trust_level", string(level)),
			attribute.Int("limit", limit),
		))
	defer span.End()

	entries, err := s.queryEntries(ctx, limit,
		`SELECT `+selectColumns+` FROM memory_entries WHERE trust_level = ? ORDER BY queued_at ASC, id ASC`,
		string(level))
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s entries: %w", ErrTransientStorage, level, err)
	}
	return entries, nil
}

// PersistEntry writes the validation result of e. The update only applies
// to a row that is still UNTRUSTED; otherwise ErrStaleEntry is returned and
// the stored state is left alone.
func (s *Store) PersistEntry(ctx context.Context, e *Entry) error {
	ctx, span := tracer.Start(ctx, "memory.persist",
		trace.WithAttributes(
			attribute.String("memory.id", e.ID),
			attribute.String("trust_level", string(e.TrustLevel())),
		))
	defer span.End()

	if e.TrustLevel() == TrustUntrusted {
		return fmt.Errorf("%w: entry %s has no validation result", ErrInvalidTransition, e.ID)
	}
	rec := e.Record()
	patterns, err := json.Marshal(rec.EncryptedPatterns)
	if err != nil {
		return fmt.Errorf("marshaling sealed patterns: %w", err)
	}
	metadata, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	var affected int64
	err = withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE memory_entries
			 SET content = ?, trust_level = ?, sanitized_preview = ?, encrypted_patterns = ?,
			     last_validated_at = ?, metadata = ?
			 WHERE id = ? AND trust_level = ?`,
			rec.Content, string(rec.TrustLevel), rec.SanitizedPreview, string(patterns),
			rec.LastValidatedAt.UnixNano(), string(metadata),
			rec.ID, string(TrustUntrusted))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: persisting entry %s: %w", ErrTransientStorage, e.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrStaleEntry, e.ID)
	}
	transitionsTotal.Add(ctx, 1, metricTrust(rec.TrustLevel))
	return nil
}

// HealthReport counts entries per trust level.
type HealthReport struct {
	TotalEntries int                `json:"total_entries"`
	ByTrustLevel map[TrustLevel]int `json:"by_trust_level"`
	OldestQueued *time.Time         `json:"oldest_untrusted_queued_at,omitempty"`
}

// HealthStats returns aggregate counts for the whole store.
func (s *Store) HealthStats(ctx context.Context) (*HealthReport, error) {
	ctx, span := tracer.Start(ctx, "memory.health_stats")
	defer span.End()

	report := &HealthReport{ByTrustLevel: map[TrustLevel]int{
		TrustUntrusted: 0, TrustValidated: 0, TrustFlagged: 0, TrustQuarantined: 0,
	}}
	rows, err := s.db.QueryContext(ctx, `SELECT trust_level, COUNT(*) FROM memory_entries GROUP BY trust_level`)
	if err != nil {
		return nil, fmt.Errorf("querying trust distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scanning trust distribution: %w", err)
		}
		report.ByTrustLevel[TrustLevel(level)] = n
		report.TotalEntries += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(queued_at) FROM memory_entries WHERE trust_level = ?`, string(TrustUntrusted)).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("querying oldest untrusted entry: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64).UTC()
		report.OldestQueued = &t
	}
	entriesGauge.Record(ctx, int64(report.TotalEntries))
	return report, nil
}

// PurgeQuarantined deletes QUARANTINED entries validated before cutoff and
// returns how many were removed.
func (s *Store) PurgeQuarantined(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.purge_quarantined",
		trace.WithAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339))))
	defer span.End()

	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_entries WHERE trust_level = ? AND last_validated_at < ?`,
			string(TrustQuarantined), cutoff.UnixNano())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purging quarantined entries: %w", err)
	}
	span.SetAttributes(attribute.Int64("memory.purged", affected))
	return affected, nil
}

// queryEntries collects up to limit decodable rows (all when limit <= 0).
// Corrupt rows are logged and skipped so they cannot occupy a batch slot.
func (s *Store) queryEntries(ctx context.Context, limit int, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if errors.Is(err, ErrCorruptEntry) {
			corruptSkipped.Add(ctx, 1)
			log.Warn().Err(err).Func(mgotel.LogScopeFields(ctx)).Msg("memory_entry_skipped")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		r                  Record
		trust              string
		patterns, metadata string
		lastValidated      sql.NullInt64
		queued             int64
	)
	if err := row.Scan(&r.ID, &r.MemoryID, &r.Content, &trust, &r.SanitizedPreview,
		&patterns, &lastValidated, &queued, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning memory entry: %w", err)
	}
	r.TrustLevel = TrustLevel(trust)
	r.QueuedAt = time.Unix(0, queued).UTC()
	if lastValidated.Valid {
		t := time.Unix(0, lastValidated.Int64).UTC()
		r.LastValidatedAt = &t
	}
	if err := json.Unmarshal([]byte(patterns), &r.EncryptedPatterns); err != nil {
		return nil, fmt.Errorf("%w: decoding sealed patterns of %s: %w", ErrCorruptEntry, r.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata of %s: %w", ErrCorruptEntry, r.ID, err)
	}
	e, err := Restore(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return e, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// withRetry runs fn, retrying while SQLite reports busy/locked.
func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil || !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}
