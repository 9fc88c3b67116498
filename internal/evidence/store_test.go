package evidence

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-1234567890123456"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &AuditRecord{
		EntryID:    "ent_01hx",
		PatternRef: "PATTERN_001",
		Outcome:    OutcomeDenied,
		Reason:     "request_context",
		Origin:     "REQUEST",
		RequestID:  "c0ffee",
	}
	require.NoError(t, store.Append(ctx, rec))
	assert.True(t, strings.HasPrefix(rec.ID, "aud_"))
	assert.True(t, strings.HasPrefix(rec.Signature, "hmac-sha256:"))
	assert.False(t, rec.Timestamp.IsZero())

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.EntryID, got.EntryID)
	assert.Equal(t, OutcomeDenied, got.Outcome)
	assert.Equal(t, rec.Signature, got.Signature)

	ok, err := store.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "aud_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyRecord_DetectsTampering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &AuditRecord{EntryID: "ent_1", PatternRef: "PATTERN_001", Outcome: OutcomeDenied, Origin: "REQUEST"}
	require.NoError(t, store.Append(ctx, rec))

	tampered := *rec
	tampered.Outcome = OutcomeGranted
	ok, err := store.VerifyRecord(&tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := NewStore(filepath.Join(t.TempDir(), "other.db"), "another-signing-key-000000000000000")
	require.NoError(t, err)
	defer other.Close()
	ok, err = other.VerifyRecord(rec)
	require.NoError(t, err)
	assert.False(t, ok, "a different key must not verify")
}

func TestList_FiltersAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, r := range []AuditRecord{
		{EntryID: "ent_a", PatternRef: "PATTERN_001", Outcome: OutcomeDenied, Origin: "REQUEST"},
		{EntryID: "ent_a", PatternRef: "PATTERN_001", Outcome: OutcomeGranted, Origin: "BACKGROUND"},
		{EntryID: "ent_b", PatternRef: "PATTERN_002", Outcome: OutcomeDenied, Origin: "REQUEST"},
	} {
		r := r
		r.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Append(ctx, &r))
	}

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ent_b", all[0].EntryID, "newest first")

	byEntry, err := store.List(ctx, Filter{EntryID: "ent_a"})
	require.NoError(t, err)
	assert.Len(t, byEntry, 2)

	denied, err := store.List(ctx, Filter{Outcome: OutcomeDenied, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, denied, 1)

	window, err := store.List(ctx, Filter{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, OutcomeGranted, window[0].Outcome)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[OutcomeGranted])
	assert.Equal(t, 2, counts[OutcomeDenied])
}

func TestNewSigner(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)

	hexKey := strings.Repeat("ab", 32)
	s, err := NewSigner(hexKey)
	require.NoError(t, err)
	assert.Len(t, s.key, 32)

	sig := s.Sign([]byte("payload"))
	assert.True(t, s.Verify([]byte("payload"), sig))
	assert.False(t, s.Verify([]byte("payload!"), sig))
}
