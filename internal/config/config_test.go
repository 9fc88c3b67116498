package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/memguard/internal/policy"
	"github.com/dativo-io/memguard/internal/seal"
)

func newViper(t *testing.T, env map[string]string) *viper.Viper {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "PATTERN_SECRET", "PATTERN_CIPHER", "SIGNING_KEY", "VALIDATION_INTERVAL",
		"BATCH_SIZE", "MATCH_TIMEOUT", "SYSTEM_MATCH_TIMEOUT", "MEDIUM_SEVERITY_ACTION",
		"PATTERN_FILE", "LARGE_ENTRY_BYTES", "QUARANTINE_RETENTION", "ADMIN_KEY",
	} {
		t.Setenv(EnvPrefix+"_"+k, "")
	}
	for k, v := range env {
		t.Setenv(EnvPrefix+"_"+k, v)
	}
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(newViper(t, nil))
	require.NoError(t, err)

	assert.Equal(t, seal.AlgorithmAESGCM, cfg.PatternCipher)
	assert.Equal(t, DefaultValidationInterval, cfg.ValidationInterval)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.MatchTimeout)
	assert.Equal(t, time.Second, cfg.SystemMatchTimeout)
	assert.Equal(t, policy.MediumValidate, cfg.MediumSeverityAction)
	assert.Equal(t, DefaultLargeEntryBytes, cfg.LargeEntryBytes)
	assert.Equal(t, time.Duration(0), cfg.QuarantineRetention)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.True(t, cfg.SealingDisabled())
	assert.True(t, cfg.UsingDefaultSigningKey())
	assert.Len(t, cfg.SigningKey, 32)
}

func TestLoad_ExplicitValues(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(newViper(t, map[string]string{
		"DATA_DIR":               dir,
		"PATTERN_SECRET":         "correct horse battery staple",
		"PATTERN_CIPHER":         "xsalsa20-poly1305",
		"SIGNING_KEY":            "my-signing-key-at-least-32-chars!",
		"VALIDATION_INTERVAL":    "5s",
		"BATCH_SIZE":             "4",
		"MATCH_TIMEOUT":          "50ms",
		"MEDIUM_SEVERITY_ACTION": "flag",
		"QUARANTINE_RETENTION":   "720h",
		"ADMIN_KEY":              "admin-key-0123456789",
	}))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.False(t, cfg.SealingDisabled())
	assert.Equal(t, seal.AlgorithmSecretbox, cfg.PatternCipher)
	assert.False(t, cfg.UsingDefaultSigningKey())
	assert.Equal(t, 5*time.Second, cfg.ValidationInterval)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.MatchTimeout)
	assert.Equal(t, policy.MediumFlag, cfg.MediumSeverityAction)
	assert.Equal(t, 720*time.Hour, cfg.QuarantineRetention)
	assert.Equal(t, "admin-key-0123456789", cfg.AdminKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"short signing key", map[string]string{"SIGNING_KEY": "short"}, "signing_key must be at least 32 bytes"},
		{"unknown cipher", map[string]string{"PATTERN_CIPHER": "rot13"}, "pattern_cipher"},
		{"zero batch", map[string]string{"BATCH_SIZE": "0"}, "batch_size must be positive"},
		{"negative interval", map[string]string{"VALIDATION_INTERVAL": "-1s"}, "validation_interval must be positive"},
		{"timeout above max", map[string]string{"MATCH_TIMEOUT": "5s"}, "may not exceed"},
		{"unknown medium action", map[string]string{"MEDIUM_SEVERITY_ACTION": "ignore"}, "medium_severity_action"},
		{"short admin key", map[string]string{"ADMIN_KEY": "abc"}, "admin_key"},
		{"negative retention", map[string]string{"QUARANTINE_RETENTION": "-1h"}, "quarantine_retention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(newViper(t, tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DBPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data/memguard"}
	assert.Equal(t, "/data/memguard/memory.db", cfg.MemoryDBPath())
	assert.Equal(t, "/data/memguard/audit.db", cfg.AuditDBPath())
}

func TestConfig_EnsureDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir + "/nested/deep"}
	require.NoError(t, cfg.EnsureDataDir())
}

func TestDeriveDefaultKey(t *testing.T) {
	k1 := deriveDefaultKey("/home/user/.memguard", "audit-signing")
	assert.Equal(t, k1, deriveDefaultKey("/home/user/.memguard", "audit-signing"))
	assert.Len(t, k1, 32)
	assert.NotEqual(t, k1, deriveDefaultKey("/home/other/.memguard", "audit-signing"))
	assert.NotEqual(t, k1, deriveDefaultKey("/home/user/.memguard", "other"))
}
