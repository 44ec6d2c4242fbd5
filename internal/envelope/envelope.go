// Package envelope encrypts record content into self-describing envelopes.
//
// The AES key is stretched from the resolved key material with PBKDF2 using
// the salt and iteration count recorded in the envelope, so changing the
// configured iteration count never breaks records that were already written.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/keys"
	"github.com/starford/memvault/internal/models"
)

const (
	// AlgorithmAESGCM is the only algorithm this package writes.
	AlgorithmAESGCM = "AES-256-GCM"

	DefaultIterations = 100_000
	ivSize            = 12
	tagSize           = 16
	aesKeySize        = 32
)

// MissingKeyPolicy decides what Encrypt does with an unknown key id.
type MissingKeyPolicy string

const (
	// PolicyError fails with apperr.ErrKeyNotFound.
	PolicyError MissingKeyPolicy = "error"
	// PolicySessionKey mints a session key under the requested id. Records
	// encrypted this way cannot be read after the process exits.
	PolicySessionKey MissingKeyPolicy = "session"
)

// KeyResolver is the subset of keys.Manager the cipher needs.
type KeyResolver interface {
	Lookup(keyID string) (models.DerivedKey, bool)
	SessionKey(id string) (models.DerivedKey, error)
}

var _ KeyResolver = (*keys.Manager)(nil)

// Cipher performs envelope encryption. It does no I/O.
type Cipher struct {
	keys       KeyResolver
	iterations int
	policy     MissingKeyPolicy
	logger     *slog.Logger
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithIterations sets the PBKDF2 iteration count for new envelopes.
func WithIterations(n int) Option {
	return func(c *Cipher) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// WithMissingKeyPolicy sets the behaviour for unknown key ids on Encrypt.
func WithMissingKeyPolicy(p MissingKeyPolicy) Option {
	return func(c *Cipher) {
		if p != "" {
			c.policy = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cipher) {
		c.logger = l
	}
}

// New creates a Cipher backed by resolver.
func New(resolver KeyResolver, opts ...Option) *Cipher {
	c := &Cipher{
		keys:       resolver,
		iterations: DefaultIterations,
		policy:     PolicyError,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypt seals plaintext with the key identified by keyID.
func (c *Cipher) Encrypt(plaintext string, keyID string) (*models.EncryptedEnvelope, error) {
	dk, ok := c.keys.Lookup(keyID)
	if !ok {
		if c.policy != PolicySessionKey {
			return nil, fmt.Errorf("envelope: encrypt with %q: %w", keyID, apperr.ErrKeyNotFound)
		}
		var err error
		dk, err = c.keys.SessionKey(keyID)
		if err != nil {
			return nil, fmt.Errorf("envelope: session key fallback: %w", err)
		}
		c.logger.Warn("envelope: encrypting with a session key; record will be unreadable after restart",
			slog.String("key_id", keyID))
	}

	salt := dk.Salt
	if len(salt) == 0 {
		salt = make([]byte, keys.SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("envelope: generate salt: %w", err)
		}
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("envelope: generate iv: %w", err)
	}

	gcm, err := newGCM(dk.KeyMaterial, salt, c.iterations)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - tagSize

	return &models.EncryptedEnvelope{
		Ciphertext:    sealed[:split],
		IV:            iv,
		Salt:          append([]byte(nil), salt...),
		AuthTag:       sealed[split:],
		Algorithm:     AlgorithmAESGCM,
		KDFIterations: c.iterations,
	}, nil
}

// Decrypt opens env with the key identified by keyID. It never derives
// keys itself; an unknown id yields apperr.ErrKeyNotFound.
func (c *Cipher) Decrypt(env *models.EncryptedEnvelope, keyID string) (string, error) {
	dk, ok := c.keys.Lookup(keyID)
	if !ok {
		return "", fmt.Errorf("envelope: decrypt with %q: %w", keyID, apperr.ErrKeyNotFound)
	}
	if env.Algorithm != AlgorithmAESGCM {
		return "", fmt.Errorf("envelope: %w: unsupported algorithm %q", apperr.ErrDecryptionFailed, env.Algorithm)
	}
	if len(env.IV) != ivSize || len(env.AuthTag) != tagSize || env.KDFIterations <= 0 {
		return "", fmt.Errorf("envelope: %w: malformed envelope", apperr.ErrDecryptionFailed)
	}

	gcm, err := newGCM(dk.KeyMaterial, env.Salt, env.KDFIterations)
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plain, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("envelope: %w: %v", apperr.ErrDecryptionFailed, err)
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("envelope: %w: plaintext is not utf-8", apperr.ErrDecryptionFailed)
	}
	return string(plain), nil
}

// DecryptContent parses record content as an envelope and decrypts it.
func (c *Cipher) DecryptContent(content string, keyID string) (string, error) {
	env, err := models.ParseEnvelope(content)
	if err != nil {
		return "", fmt.Errorf("envelope: %w: %v", apperr.ErrDecryptionFailed, err)
	}
	return c.Decrypt(env, keyID)
}

func newGCM(material, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key(material, salt, iterations, aesKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: create GCM: %w", err)
	}
	return gcm, nil
}
