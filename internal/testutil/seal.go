package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/memory"
	"github.com/dativo-io/memguard/internal/seal"
)

// NewTestSealService returns an enabled seal service keyed with
// TestPatternSecret.
func NewTestSealService(t *testing.T) *seal.Service {
	t.Helper()
	svc, err := seal.NewService(TestPatternSecret)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

// PersistFlagged stores an entry containing prefix+secret and moves it to
// FLAGGED with secret sealed as PATTERN_001. The preview is
// "<prefix>[PATTERN_001]".
func PersistFlagged(t *testing.T, store *memory.Store, svc *seal.Service, memoryID, prefix, secret string) *memory.Entry {
	t.Helper()
	ctx := context.Background()
	e := memory.NewEntry(memoryID, prefix+secret)
	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	sealed, err := svc.Encrypt(ctx, []byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	patterns := []memory.SanitizedPattern{{Ref: "PATTERN_001", Sealed: sealed, Severity: classifier.SeverityHigh}}
	if err := e.MarkFlagged(prefix+"[PATTERN_001]", patterns, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.PersistEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	return e
}

// PersistLevel stores an entry with content and moves it to level, which
// must be VALIDATED or QUARANTINED. UNTRUSTED leaves it as created.
func PersistLevel(t *testing.T, store *memory.Store, memoryID, content string, level memory.TrustLevel) *memory.Entry {
	t.Helper()
	ctx := context.Background()
	e := memory.NewEntry(memoryID, content)
	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	var err error
	switch level {
	case memory.TrustUntrusted:
		return e
	case memory.TrustValidated:
		err = e.MarkValidated(time.Now())
	case memory.TrustQuarantined:
		err = e.MarkQuarantined(time.Now())
	default:
		t.Fatalf("PersistLevel: unsupported level %s", level)
	}
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PersistEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	return e
}
