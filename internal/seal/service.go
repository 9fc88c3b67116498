// Package seal encrypts dangerous pattern text extracted from flagged
// memory entries and controls who may decrypt it again.
//
// Patterns are sealed with AES-256-GCM by default (XSalsa20-Poly1305 is
// available for deployments that prefer it) under a key derived from the
// operator secret with PBKDF2-HMAC-SHA256. Each seal draws a fresh random
// nonce; a nonce seen before under the same key fails the seal. Decryption
// is not exported: the only way back to plaintext is Gate.Decrypt, which
// refuses request-scoped callers and audits every attempt.
//
// With an empty secret the service runs in disabled mode: patterns are
// stored as plaintext under the algorithm "none". Operators are warned at
// startup.
package seal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	mgotel "github.com/dativo-io/memguard/internal/otel"
)

var tracer = mgotel.Tracer("github.com/dativo-io/memguard/internal/seal")

const (
	AlgorithmAESGCM    = "aes-256-gcm"
	AlgorithmSecretbox = "xsalsa20-poly1305"
	AlgorithmNone      = "none"

	// KeyDerivationIterations is the PBKDF2-HMAC-SHA256 work factor.
	KeyDerivationIterations = 210_000
	keyDerivationSalt       = "memguard/pattern-seal/v1"
	keyLength               = 32
	tagLength               = 16

	defaultNonceHistory = 1 << 16
)

var (
	// ErrNonceReuse is returned when a freshly drawn nonce was already used
	// under the current key. The pattern is not sealed.
	ErrNonceReuse = errors.New("nonce reuse detected")
	// ErrUnsupportedAlgorithm is returned for an unknown or refused algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported seal algorithm")
)

// IntegrityError reports a sealed pattern that failed authentication:
// the ciphertext, nonce or tag was altered, or the key differs.
type IntegrityError struct {
	Algorithm string
	Err       error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sealed pattern failed integrity check (%s)", e.Algorithm)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Sealed is an encrypted pattern as persisted with its entry.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
	Algorithm  string `json:"algorithm"`
}

// Service seals pattern text. It is safe for concurrent use.
type Service struct {
	algorithm string
	disabled  bool
	gcm       cipher.AEAD
	boxKey    *[keyLength]byte
	random    io.Reader

	mu     sync.Mutex
	nonces *lru.Cache[string, struct{}]
}

type serviceConfig struct {
	algorithm    string
	nonceHistory int
	random       io.Reader
}

// Option configures a Service.
type Option func(*serviceConfig)

// WithAlgorithm selects the cipher used for new seals.
func WithAlgorithm(alg string) Option {
	return func(c *serviceConfig) { c.algorithm = alg }
}

// WithNonceHistory sets how many recent nonces are remembered for reuse
// detection.
func WithNonceHistory(n int) Option {
	return func(c *serviceConfig) { c.nonceHistory = n }
}

// WithRandom replaces the nonce source. Tests use it to force a repeat.
func WithRandom(r io.Reader) Option {
	return func(c *serviceConfig) { c.random = r }
}

// NewService derives the sealing key from secret. An empty secret returns
// a disabled service.
func NewService(secret string, opts ...Option) (*Service, error) {
	cfg := serviceConfig{
		algorithm:    AlgorithmAESGCM,
		nonceHistory: defaultNonceHistory,
		random:       rand.Reader,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if secret == "" {
		return &Service{algorithm: AlgorithmNone, disabled: true}, nil
	}
	if cfg.algorithm != AlgorithmAESGCM && cfg.algorithm != AlgorithmSecretbox {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, cfg.algorithm)
	}

	key := pbkdf2.Key([]byte(secret), []byte(keyDerivationSalt), KeyDerivationIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	var boxKey [keyLength]byte
	copy(boxKey[:], key)

	nonces, err := lru.New[string, struct{}](cfg.nonceHistory)
	if err != nil {
		return nil, fmt.Errorf("creating nonce history: %w", err)
	}

	return &Service{
		algorithm: cfg.algorithm,
		gcm:       gcm,
		boxKey:    &boxKey,
		random:    cfg.random,
		nonces:    nonces,
	}, nil
}

// Algorithm returns the algorithm used for new seals.
func (s *Service) Algorithm() string { return s.algorithm }

// Disabled reports whether the service stores patterns unencrypted.
func (s *Service) Disabled() bool { return s.disabled }

// WarnIfDisabled logs a loud warning when sealing is off. suppress silences
// it for development setups.
func (s *Service) WarnIfDisabled(suppress bool) {
	if !s.disabled || suppress {
		return
	}
	log.Warn().
		Str("algorithm", AlgorithmNone).
		Msg("pattern sealing is DISABLED: no pattern secret configured, dangerous patterns from flagged entries will be stored as plaintext. Set MEMGUARD_PATTERN_SECRET to enable encryption.")
}

// Encrypt seals plaintext under a fresh nonce.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte) (Sealed, error) {
	_, span := tracer.Start(ctx, "seal.encrypt",
		trace.WithAttributes(attribute.String("seal.algorithm", s.algorithm)))
	defer span.End()

	if s.disabled {
		return Sealed{Ciphertext: append([]byte(nil), plaintext...), Algorithm: AlgorithmNone}, nil
	}

	var sealed Sealed
	var err error
	switch s.algorithm {
	case AlgorithmSecretbox:
		sealed, err = s.sealSecretbox(plaintext)
	default:
		sealed, err = s.sealGCM(plaintext)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "seal failed")
		return Sealed{}, err
	}
	sealsTotal.Add(ctx, 1)
	return sealed, nil
}

func (s *Service) sealGCM(plaintext []byte) (Sealed, error) {
	nonce, err := s.freshNonce(s.gcm.NonceSize())
	if err != nil {
		return Sealed{}, err
	}
	out := s.gcm.Seal(nil, nonce, plaintext, nil)
	split := len(out) - s.gcm.Overhead()
	return Sealed{
		Ciphertext: out[:split],
		IV:         nonce,
		AuthTag:    out[split:],
		Algorithm:  AlgorithmAESGCM,
	}, nil
}

func (s *Service) sealSecretbox(plaintext []byte) (Sealed, error) {
	n, err := s.freshNonce(24)
	if err != nil {
		return Sealed{}, err
	}
	var nonce [24]byte
	copy(nonce[:], n)
	out := secretbox.Seal(nil, plaintext, &nonce, s.boxKey)
	return Sealed{
		Ciphertext: out[secretbox.Overhead:],
		IV:         n,
		AuthTag:    out[:secretbox.Overhead],
		Algorithm:  AlgorithmSecretbox,
	}, nil
}

// freshNonce draws size random bytes and refuses values already issued.
func (s *Service) freshNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(nonce)
	if s.nonces.Contains(key) {
		nonceReuse.Add(context.Background(), 1)
		return nil, ErrNonceReuse
	}
	s.nonces.Add(key, struct{}{})
	return nonce, nil
}

// open authenticates and decrypts p. It is only reachable through Gate.
func (s *Service) open(p Sealed) ([]byte, error) {
	switch p.Algorithm {
	case AlgorithmNone:
		if !s.disabled {
			return nil, fmt.Errorf("%w: plaintext pattern refused while sealing is enabled", ErrUnsupportedAlgorithm)
		}
		return append([]byte(nil), p.Ciphertext...), nil
	case AlgorithmAESGCM:
		if s.disabled {
			return nil, fmt.Errorf("%w: no pattern secret configured", ErrUnsupportedAlgorithm)
		}
		if len(p.IV) != s.gcm.NonceSize() || len(p.AuthTag) != tagLength {
			return nil, &IntegrityError{Algorithm: p.Algorithm, Err: errors.New("malformed nonce or tag")}
		}
		buf := make([]byte, 0, len(p.Ciphertext)+len(p.AuthTag))
		buf = append(buf, p.Ciphertext...)
		buf = append(buf, p.AuthTag...)
		plaintext, err := s.gcm.Open(nil, p.IV, buf, nil)
		if err != nil {
			return nil, &IntegrityError{Algorithm: p.Algorithm, Err: err}
		}
		return plaintext, nil
	case AlgorithmSecretbox:
		if s.disabled {
			return nil, fmt.Errorf("%w: no pattern secret configured", ErrUnsupportedAlgorithm)
		}
		if len(p.IV) != 24 || len(p.AuthTag) != secretbox.Overhead {
			return nil, &IntegrityError{Algorithm: p.Algorithm, Err: errors.New("malformed nonce or tag")}
		}
		var nonce [24]byte
		copy(nonce[:], p.IV)
		buf := make([]byte, 0, len(p.AuthTag)+len(p.Ciphertext))
		buf = append(buf, p.AuthTag...)
		buf = append(buf, p.Ciphertext...)
		plaintext, ok := secretbox.Open(nil, buf, &nonce, s.boxKey)
		if !ok {
			return nil, &IntegrityError{Algorithm: p.Algorithm, Err: errors.New("authentication failed")}
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, p.Algorithm)
	}
}
