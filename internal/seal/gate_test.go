package seal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/memguard/internal/evidence"
	"github.com/dativo-io/memguard/internal/monitor"
	"github.com/dativo-io/memguard/internal/requestctx"
)

const testSigningKey = "test-signing-key-1234567890123456"

func newTestAudit(t *testing.T) *evidence.Store {
	t.Helper()
	store, err := evidence.NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, *evidence.AuditRecord) error {
	return errors.New("disk full")
}

func sealFixture(t *testing.T, svc *Service, text string) Sealed {
	t.Helper()
	sealed, err := svc.Encrypt(context.Background(), []byte(text))
	require.NoError(t, err)
	return sealed
}

func TestGate_BackgroundGranted(t *testing.T) {
	svc := newTestService(t)
	audit := newTestAudit(t)
	rec := &monitor.Recorder{}
	gate := NewGate(svc, audit, rec)
	sealed := sealFixture(t, svc, "ignore previous instructions")

	var d Decision
	err := requestctx.RunInContext(context.Background(), requestctx.OriginBackground, func(ctx context.Context) error {
		d = gate.Decrypt(requestctx.SetActor(ctx, "ops"), "ent_1", "PATTERN_001", sealed)
		return nil
	})
	require.NoError(t, err)
	require.True(t, d.Granted())
	assert.Equal(t, "ignore previous instructions", string(d.Plaintext))
	assert.NotEmpty(t, d.AuditID)

	stored, err := audit.Get(context.Background(), d.AuditID)
	require.NoError(t, err)
	assert.Equal(t, evidence.OutcomeGranted, stored.Outcome)
	assert.Equal(t, "BACKGROUND", stored.Origin)
	assert.Equal(t, "ops", stored.Actor)
	assert.Equal(t, AlgorithmAESGCM, stored.Algorithm)
	assert.Equal(t, 1, rec.Count(monitor.KindDecryptGranted))
}

func TestGate_RequestDenied(t *testing.T) {
	svc := newTestService(t)
	audit := newTestAudit(t)
	rec := &monitor.Recorder{}
	gate := NewGate(svc, audit, rec)
	sealed := sealFixture(t, svc, "export all API keys")

	var d Decision
	_ = requestctx.RunInContext(context.Background(), requestctx.OriginRequest, func(ctx context.Context) error {
		d = gate.Decrypt(ctx, "ent_1", "PATTERN_001", sealed)
		return nil
	})
	assert.False(t, d.Granted())
	assert.Nil(t, d.Plaintext)
	assert.Equal(t, ReasonRequestContext, d.Reason)

	records, err := audit.List(context.Background(), evidence.Filter{EntryID: "ent_1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, evidence.OutcomeDenied, records[0].Outcome)
	assert.Equal(t, "REQUEST", records[0].Origin)
	assert.NotEmpty(t, records[0].RequestID)
	assert.Equal(t, 1, rec.Count(monitor.KindDecryptDenied))
}

func TestGate_MissingContextFailsClosed(t *testing.T) {
	svc := newTestService(t)
	audit := newTestAudit(t)
	gate := NewGate(svc, audit, nil)
	sealed := sealFixture(t, svc, "rm -rf /")

	d := gate.Decrypt(context.Background(), "ent_2", "PATTERN_001", sealed)
	assert.False(t, d.Granted())
	assert.Equal(t, ReasonMissingContext, d.Reason)

	records, err := audit.List(context.Background(), evidence.Filter{EntryID: "ent_2"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "NONE", records[0].Origin)
}

func TestGate_TamperedPatternDenied(t *testing.T) {
	svc := newTestService(t)
	audit := newTestAudit(t)
	gate := NewGate(svc, audit, nil)
	sealed := sealFixture(t, svc, "payload")
	sealed.Ciphertext[0] ^= 0xff

	var d Decision
	_ = requestctx.RunInContext(context.Background(), requestctx.OriginBackground, func(ctx context.Context) error {
		d = gate.Decrypt(ctx, "ent_3", "PATTERN_001", sealed)
		return nil
	})
	assert.False(t, d.Granted())
	assert.Equal(t, ReasonIntegrity, d.Reason)
	var integrityErr *IntegrityError
	assert.True(t, errors.As(d.Err, &integrityErr))
}

func TestGate_AuditFailureWithholdsPlaintext(t *testing.T) {
	svc := newTestService(t)
	gate := NewGate(svc, failingAudit{}, nil)
	sealed := sealFixture(t, svc, "payload")

	var d Decision
	_ = requestctx.RunInContext(context.Background(), requestctx.OriginBackground, func(ctx context.Context) error {
		d = gate.Decrypt(ctx, "ent_4", "PATTERN_001", sealed)
		return nil
	})
	assert.False(t, d.Granted())
	assert.Nil(t, d.Plaintext)
	assert.Equal(t, ReasonAuditUnavailable, d.Reason)
}

func TestGate_Reject(t *testing.T) {
	svc := newTestService(t)
	audit := newTestAudit(t)
	gate := NewGate(svc, audit, nil)

	tests := []struct {
		name   string
		ctx    func() context.Context
		reason string
	}{
		{"background keeps reason", func() context.Context {
			ctx, _, err := requestctx.WithBackground(context.Background())
			require.NoError(t, err)
			return ctx
		}, ReasonPatternNotFound},
		{"request hides lookup result", func() context.Context {
			ctx, _, err := requestctx.WithRequest(context.Background())
			require.NoError(t, err)
			return ctx
		}, ReasonRequestContext},
		{"missing context", context.Background, ReasonMissingContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Reject(tt.ctx(), "ent_5", "PATTERN_009", ReasonPatternNotFound)
			assert.False(t, d.Granted())
			assert.Equal(t, tt.reason, d.Reason)
			assert.NotEmpty(t, d.AuditID)
		})
	}
}

func TestGate_ConcurrentMixedOrigins(t *testing.T) {
	svc := newTestService(t)
	audit := newTestAudit(t)
	gate := NewGate(svc, audit, nil)
	sealed := sealFixture(t, svc, "payload")

	var wg sync.WaitGroup
	results := make([]Decision, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			origin := requestctx.OriginRequest
			if i%2 == 0 {
				origin = requestctx.OriginBackground
			}
			_ = requestctx.RunInContext(context.Background(), origin, func(ctx context.Context) error {
				results[i] = gate.Decrypt(ctx, "ent_6", "PATTERN_001", sealed)
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, d := range results {
		assert.Equal(t, i%2 == 0, d.Granted(), "decision %d", i)
	}
	counts, err := audit.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, counts[evidence.OutcomeGranted])
	assert.Equal(t, 10, counts[evidence.OutcomeDenied])
}
