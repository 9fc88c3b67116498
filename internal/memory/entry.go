package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/seal"
)

// TrustLevel is the validation state of an entry.
type TrustLevel string

const (
	TrustUntrusted   TrustLevel = "UNTRUSTED"
	TrustValidated   TrustLevel = "VALIDATED"
	TrustFlagged     TrustLevel = "FLAGGED"
	TrustQuarantined TrustLevel = "QUARANTINED"
)

// ErrInvalidTransition is returned when a trust mutation is attempted on an
// entry that is no longer UNTRUSTED.
var ErrInvalidTransition = errors.New("invalid trust transition")

// ParseTrustLevel accepts the four level names, case-insensitively.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch lvl := TrustLevel(strings.ToUpper(strings.TrimSpace(s))); lvl {
	case TrustUntrusted, TrustValidated, TrustFlagged, TrustQuarantined:
		return lvl, nil
	}
	return "", fmt.Errorf("unknown trust level %q", s)
}

// SanitizedPattern is one sealed span from a flagged entry.
type SanitizedPattern struct {
	Ref string `json:"ref"`
	seal.Sealed
	Severity classifier.Severity `json:"severity"`
}

// Entry is a unit of agent memory. Trust state can only move out of
// UNTRUSTED through the Mark methods, each exactly once.
type Entry struct {
	ID       string
	MemoryID string
	Content  string
	QueuedAt time.Time
	Metadata map[string]string

	trust           TrustLevel
	preview         string
	patterns        []SanitizedPattern
	lastValidatedAt time.Time
}

// NewID returns a fresh time-sortable entry id.
func NewID() string {
	return "ent_" + strings.ToLower(ulid.Make().String())
}

// NewEntry returns an UNTRUSTED entry queued now.
func NewEntry(memoryID, content string) *Entry {
	return &Entry{
		ID:       NewID(),
		MemoryID: memoryID,
		Content:  content,
		QueuedAt: time.Now().UTC(),
		Metadata: map[string]string{},
		trust:    TrustUntrusted,
	}
}

// TrustLevel returns the current level.
func (e *Entry) TrustLevel() TrustLevel {
	if e.trust == "" {
		return TrustUntrusted
	}
	return e.trust
}

// SanitizedPreview returns the preview of a FLAGGED entry.
func (e *Entry) SanitizedPreview() (string, bool) {
	if e.TrustLevel() != TrustFlagged {
		return "", false
	}
	return e.preview, true
}

// EncryptedPatterns returns a copy of the sealed patterns.
func (e *Entry) EncryptedPatterns() []SanitizedPattern {
	out := make([]SanitizedPattern, len(e.patterns))
	copy(out, e.patterns)
	return out
}

// Pattern looks up a sealed pattern by reference.
func (e *Entry) Pattern(ref string) (SanitizedPattern, bool) {
	for _, p := range e.patterns {
		if p.Ref == ref {
			return p, true
		}
	}
	return SanitizedPattern{}, false
}

// LastValidatedAt is set once the entry leaves UNTRUSTED.
func (e *Entry) LastValidatedAt() (time.Time, bool) {
	return e.lastValidatedAt, !e.lastValidatedAt.IsZero()
}

func (e *Entry) checkUntrusted(to TrustLevel) error {
	if from := e.TrustLevel(); from != TrustUntrusted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// MarkValidated moves the entry to VALIDATED.
func (e *Entry) MarkValidated(at time.Time) error {
	if err := e.checkUntrusted(TrustValidated); err != nil {
		return err
	}
	e.trust = TrustValidated
	e.lastValidatedAt = at.UTC()
	return nil
}

// MarkFlagged moves the entry to FLAGGED. The raw content is replaced by
// the preview so only sealed patterns retain the dangerous text.
func (e *Entry) MarkFlagged(preview string, patterns []SanitizedPattern, at time.Time) error {
	if err := e.checkUntrusted(TrustFlagged); err != nil {
		return err
	}
	if len(patterns) == 0 {
		return fmt.Errorf("%w: flagged entry needs at least one sealed pattern", ErrInvalidTransition)
	}
	e.trust = TrustFlagged
	e.preview = preview
	e.Content = preview
	e.patterns = append([]SanitizedPattern(nil), patterns...)
	e.lastValidatedAt = at.UTC()
	return nil
}

// MarkQuarantined moves the entry to QUARANTINED. Content is retained for
// forensics but never served.
func (e *Entry) MarkQuarantined(at time.Time) error {
	if err := e.checkUntrusted(TrustQuarantined); err != nil {
		return err
	}
	e.trust = TrustQuarantined
	e.lastValidatedAt = at.UTC()
	return nil
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	c.patterns = e.EncryptedPatterns()
	c.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Record is the persisted and admin-visible form of an Entry.
type Record struct {
	ID                string             `json:"id"`
	MemoryID          string             `json:"memory_id"`
	Content           string             `json:"content"`
	TrustLevel        TrustLevel         `json:"trust_level"`
	SanitizedPreview  string             `json:"sanitized_preview,omitempty"`
	EncryptedPatterns []SanitizedPattern `json:"encrypted_patterns,omitempty"`
	LastValidatedAt   *time.Time         `json:"last_validated_at,omitempty"`
	QueuedAt          time.Time          `json:"queued_at"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
}

// Record returns the persisted form of e.
func (e *Entry) Record() Record {
	r := Record{
		ID:                e.ID,
		MemoryID:          e.MemoryID,
		Content:           e.Content,
		TrustLevel:        e.TrustLevel(),
		SanitizedPreview:  e.preview,
		EncryptedPatterns: e.EncryptedPatterns(),
		QueuedAt:          e.QueuedAt,
		Metadata:          e.Metadata,
	}
	if t, ok := e.LastValidatedAt(); ok {
		r.LastValidatedAt = &t
	}
	return r
}

// MarshalJSON renders the Record form.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}

// Restore rebuilds an Entry from its persisted form, rejecting rows that
// violate the trust invariants.
func Restore(r Record) (*Entry, error) {
	lvl, err := ParseTrustLevel(string(r.TrustLevel))
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ID:       r.ID,
		MemoryID: r.MemoryID,
		Content:  r.Content,
		QueuedAt: r.QueuedAt,
		Metadata: r.Metadata,
		trust:    lvl,
		preview:  r.SanitizedPreview,
		patterns: r.EncryptedPatterns,
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	if r.LastValidatedAt != nil {
		e.lastValidatedAt = r.LastValidatedAt.UTC()
	}

	switch lvl {
	case TrustUntrusted:
		if r.LastValidatedAt != nil || r.SanitizedPreview != "" || len(r.EncryptedPatterns) > 0 {
			return nil, fmt.Errorf("entry %s: untrusted entry carries validation results", r.ID)
		}
	case TrustFlagged:
		if r.LastValidatedAt == nil || len(r.EncryptedPatterns) == 0 {
			return nil, fmt.Errorf("entry %s: flagged entry without sealed patterns", r.ID)
		}
	default:
		if r.LastValidatedAt == nil {
			return nil, fmt.Errorf("entry %s: %s entry without validation time", r.ID, lvl)
		}
		if r.SanitizedPreview != "" || len(r.EncryptedPatterns) > 0 {
			return nil, fmt.Errorf("entry %s: only flagged entries carry a preview", r.ID)
		}
	}
	return e, nil
}
