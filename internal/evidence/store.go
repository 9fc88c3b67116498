// Package evidence keeps the tamper-evident audit trail for sealed pattern
// access. Every decryption attempt, granted or denied, becomes one
// AuditRecord signed with HMAC-SHA256 and persisted in SQLite.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	mgotel "github.com/dativo-io/memguard/internal/otel"
)

var tracer = mgotel.Tracer("github.com/dativo-io/memguard/internal/evidence")

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("audit record not found")

// Outcome is the result of a decryption attempt.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// AuditRecord is one decryption attempt. It never contains plaintext.
type AuditRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	EntryID    string    `json:"entry_id"`
	PatternRef string    `json:"pattern_ref"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Origin     string    `json:"origin"`
	RequestID  string    `json:"request_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Algorithm  string    `json:"algorithm,omitempty"`
	Signature  string    `json:"signature"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EntryID string
	Outcome Outcome
	From    time.Time
	To      time.Time
	Limit   int
}

// Store persists signed audit records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	entry_id TEXT NOT NULL,
	pattern_ref TEXT NOT NULL,
	outcome TEXT NOT NULL,
	record_json TEXT NOT NULL,
	signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entry ON audit_records(entry_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_records(outcome);
`

// NewStore opens (or creates) the audit database at dbPath.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append assigns an id and timestamp if missing, signs rec and stores it.
// rec.Signature is set on success.
func (s *Store) Append(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == "" {
		rec.ID = "aud_" + strings.ToLower(ulid.Make().String())
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	ctx, span := tracer.Start(ctx, "evidence.append",
		trace.WithAttributes(
			attribute.String("audit.id", rec.ID),
			attribute.String("entry_id", rec.EntryID),
			attribute.String("outcome", string(rec.Outcome)),
		))
	defer span.End()

	rec.Signature = ""
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	rec.Signature = s.signer.Sign(payload)
	withSig, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, timestamp, entry_id, pattern_ref, outcome, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), rec.EntryID, rec.PatternRef, string(rec.Outcome),
		string(withSig), rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("storing audit record: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id string) (*AuditRecord, error) {
	ctx, span := tracer.Start(ctx, "evidence.get",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var recordJSON string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM audit_records WHERE id = ?`, id).Scan(&recordJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}
	var rec AuditRecord
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling audit record: %w", err)
	}
	return &rec, nil
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]AuditRecord, error) {
	ctx, span := tracer.Start(ctx, "evidence.list",
		trace.WithAttributes(attribute.String("entry_id", f.EntryID)))
	defer span.End()

	query := `SELECT record_json FROM audit_records WHERE 1=1`
	args := []interface{}{}
	if f.EntryID != "" {
		query += ` AND entry_id = ?`
		args = append(args, f.EntryID)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(f.Outcome))
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, f.To.UnixNano())
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshaling audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts returns the number of records per outcome.
func (s *Store) Counts(ctx context.Context) (map[Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM audit_records GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting audit records: %w", err)
	}
	defer rows.Close()

	counts := map[Outcome]int{OutcomeGranted: 0, OutcomeDenied: 0}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning audit counts: %w", err)
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Verify checks the HMAC signature of the stored record id.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.VerifyRecord(rec)
}

// VerifyRecord checks the signature carried by rec.
func (s *Store) VerifyRecord(rec *AuditRecord) (bool, error) {
	signature := rec.Signature
	unsigned := *rec
	unsigned.Signature = ""
	payload, err := json.Marshal(unsigned)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(payload, signature), nil
}
