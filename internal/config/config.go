// Package config holds operator-level configuration for a memguard
// installation: storage location, key material, validation cadence and
// matcher budgets, the MEDIUM-severity policy and the HTTP surface.
//
// Values come from env vars (MEMGUARD_*), an optional memguard.config.yaml
// and defaults, merged by Viper. Validation errors are fatal at startup.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/memguard/internal/cryptoutil"
	"github.com/dativo-io/memguard/internal/matcher"
	"github.com/dativo-io/memguard/internal/policy"
	"github.com/dativo-io/memguard/internal/seal"
)

// Viper keys. Each maps to an env var with the MEMGUARD_ prefix
// (e.g. "pattern_secret" → MEMGUARD_PATTERN_SECRET) and to a YAML field in
// memguard.config.yaml.
const (
	KeyDataDir                 = "data_dir"
	KeyPatternSecret           = "pattern_secret"
	KeyPatternCipher           = "pattern_cipher"
	KeySigningKey              = "signing_key"
	KeyValidationInterval      = "validation_interval"
	KeyBatchSize               = "batch_size"
	KeyMatchTimeout            = "match_timeout"
	KeySystemMatchTimeout      = "system_match_timeout"
	KeyMediumSeverityAction    = "medium_severity_action"
	KeyPatternFile             = "pattern_file"
	KeyLargeEntryBytes         = "large_entry_bytes"
	KeySuppressLargeWarning    = "suppress_large_warning"
	KeySuppressDisabledWarning = "suppress_disabled_warning"
	KeyQuarantineRetention     = "quarantine_retention"
	KeyListenAddr              = "listen_addr"
	KeyAdminKey                = "admin_key"
)

// Defaults that do not involve key material.
const (
	DefaultValidationInterval = 30 * time.Second
	DefaultBatchSize          = 10
	DefaultMatchTimeout       = matcher.DefaultTimeout
	DefaultSystemMatchTimeout = matcher.MaxTimeout
	DefaultLargeEntryBytes    = 64 * 1024
	DefaultListenAddr         = "127.0.0.1:8780"
)

// EnvPrefix is the environment variable prefix for every key.
const EnvPrefix = "MEMGUARD"

// Config holds resolved operator configuration.
type Config struct {
	DataDir                 string
	PatternSecret           string // empty runs the seal service in disabled mode
	PatternCipher           string
	SigningKey              string // HMAC-SHA256 key for audit records (≥32 bytes)
	ValidationInterval      time.Duration
	BatchSize               int
	MatchTimeout            time.Duration
	SystemMatchTimeout      time.Duration
	MediumSeverityAction    policy.MediumAction
	PatternFile             string
	LargeEntryBytes         int
	SuppressLargeWarning    bool
	SuppressDisabledWarning bool
	QuarantineRetention     time.Duration
	ListenAddr              string
	AdminKey                string

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey reports whether the audit signing key was derived
// rather than set explicitly.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// SealingDisabled reports whether no pattern secret is configured.
func (c *Config) SealingDisabled() bool {
	return c.PatternSecret == ""
}

// MemoryDBPath returns the full path to the memory SQLite database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// AuditDBPath returns the full path to the decryption audit database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly
// set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default MEMGUARD_SIGNING_KEY; set via env var or config file for production")
	}
}

func init() {
	SetDefaults(viper.GetViper())
}

// SetDefaults installs env binding and defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetDefault(KeyPatternCipher, seal.AlgorithmAESGCM)
	v.SetDefault(KeyValidationInterval, DefaultValidationInterval)
	v.SetDefault(KeyBatchSize, DefaultBatchSize)
	v.SetDefault(KeyMatchTimeout, DefaultMatchTimeout)
	v.SetDefault(KeySystemMatchTimeout, DefaultSystemMatchTimeout)
	v.SetDefault(KeyMediumSeverityAction, string(policy.MediumValidate))
	v.SetDefault(KeyLargeEntryBytes, DefaultLargeEntryBytes)
	v.SetDefault(KeyQuarantineRetention, time.Duration(0))
	v.SetDefault(KeyListenAddr, DefaultListenAddr)
}

// Load reads configuration from the global Viper instance and returns a
// validated Config.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:                 resolveDataDir(v),
		PatternSecret:           v.GetString(KeyPatternSecret),
		PatternCipher:           v.GetString(KeyPatternCipher),
		SigningKey:              v.GetString(KeySigningKey),
		ValidationInterval:      v.GetDuration(KeyValidationInterval),
		BatchSize:               v.GetInt(KeyBatchSize),
		MatchTimeout:            v.GetDuration(KeyMatchTimeout),
		SystemMatchTimeout:      v.GetDuration(KeySystemMatchTimeout),
		PatternFile:             v.GetString(KeyPatternFile),
		LargeEntryBytes:         v.GetInt(KeyLargeEntryBytes),
		SuppressLargeWarning:    v.GetBool(KeySuppressLargeWarning),
		SuppressDisabledWarning: v.GetBool(KeySuppressDisabledWarning),
		QuarantineRetention:     v.GetDuration(KeyQuarantineRetention),
		ListenAddr:              v.GetString(KeyListenAddr),
		AdminKey:                v.GetString(KeyAdminKey),
	}

	action, err := policy.ParseMediumAction(v.GetString(KeyMediumSeverityAction))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %s: %w", KeyMediumSeverityAction, err)
	}
	cfg.MediumSeverityAction = action

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memguard"
	}
	return filepath.Join(home, ".memguard")
}

// deriveDefaultKey produces a deterministic 32-character fallback key from
// the data directory path and a salt. This is NOT cryptographically strong;
// it exists so `memguard serve` works out of the box while still signing
// audit records with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("memguard:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])[:32]
}

func (c *Config) validate() error {
	if _, err := cryptoutil.ResolveKey(KeySigningKey, c.SigningKey, 32); err != nil {
		return fmt.Errorf("%w; set MEMGUARD_SIGNING_KEY", err)
	}
	switch c.PatternCipher {
	case seal.AlgorithmAESGCM, seal.AlgorithmSecretbox:
	default:
		return fmt.Errorf("%s must be %q or %q (got %q)", KeyPatternCipher, seal.AlgorithmAESGCM, seal.AlgorithmSecretbox, c.PatternCipher)
	}
	if c.ValidationInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyValidationInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyBatchSize)
	}
	if c.MatchTimeout <= 0 || c.SystemMatchTimeout <= 0 {
		return fmt.Errorf("%s and %s must be positive", KeyMatchTimeout, KeySystemMatchTimeout)
	}
	if c.MatchTimeout > matcher.MaxTimeout || c.SystemMatchTimeout > matcher.MaxTimeout {
		return fmt.Errorf("match timeouts may not exceed %s", matcher.MaxTimeout)
	}
	if c.LargeEntryBytes < 0 {
		return fmt.Errorf("%s must not be negative", KeyLargeEntryBytes)
	}
	if c.QuarantineRetention < 0 {
		return fmt.Errorf("%s must not be negative", KeyQuarantineRetention)
	}
	if c.AdminKey != "" && len(c.AdminKey) < 16 {
		return fmt.Errorf("%s must be at least 16 characters", KeyAdminKey)
	}
	return nil
}
