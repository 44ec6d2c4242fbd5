// Package keys derives and caches the symmetric keys used to encrypt memory
// records. Record keys are a pure function of the master secret, the record
// id and a salt, so they never need to be persisted.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/models"
)

const (
	// Algorithm names the key material type handed to the envelope layer.
	Algorithm = "HKDF-SHA256/AES-256"
	keySize   = 32
	SaltSize  = 16

	recordPrefix  = "record:"
	sessionPrefix = "session:"
	infoPrefix    = "memvault/record/"
)

// Manager owns the master secret and the session key table.
type Manager struct {
	mu     sync.RWMutex
	master []byte
	keys   map[string]models.DerivedKey
	now    func() time.Time
}

// NewManager returns an uninitialised Manager.
func NewManager() *Manager {
	return &Manager{
		keys: make(map[string]models.DerivedKey),
		now:  time.Now,
	}
}

// Initialize sets the master secret. Calling it again with the same secret
// is a no-op; a different secret requires Clear first.
func (m *Manager) Initialize(secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("keys: %w: empty master secret", apperr.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master != nil {
		if string(m.master) == string(secret) {
			return nil
		}
		return fmt.Errorf("keys: %w: already initialised with a different secret", apperr.ErrConflict)
	}
	m.master = append([]byte(nil), secret...)
	return nil
}

// Initialized reports whether a master secret is set.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.master != nil
}

// DeriveRecordKey derives the key for recordID. An empty salt produces a
// fresh random salt, returned in the result so it can travel with the record.
func (m *Manager) DeriveRecordKey(recordID string, salt []byte) (models.DerivedKey, error) {
	if recordID == "" {
		return models.DerivedKey{}, fmt.Errorf("keys: %w: empty record id", apperr.ErrInvalidInput)
	}
	m.mu.RLock()
	master := m.master
	m.mu.RUnlock()
	if master == nil {
		return models.DerivedKey{}, apperr.ErrNotConfigured
	}

	if len(salt) == 0 {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return models.DerivedKey{}, fmt.Errorf("keys: generate salt: %w", err)
		}
	} else {
		salt = append([]byte(nil), salt...)
	}

	id := RecordKeyID(recordID, salt)
	m.mu.RLock()
	cached, ok := m.keys[id]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	material := make([]byte, keySize)
	r := hkdf.New(sha256.New, master, salt, []byte(infoPrefix+recordID))
	if _, err := io.ReadFull(r, material); err != nil {
		return models.DerivedKey{}, fmt.Errorf("keys: derive: %w", err)
	}

	dk := models.DerivedKey{
		KeyID:       id,
		KeyMaterial: material,
		Algorithm:   Algorithm,
		CreatedAt:   m.now(),
		Salt:        salt,
	}
	m.mu.Lock()
	// Clear may have run while we were deriving.
	if m.master != nil {
		m.keys[id] = dk
	}
	m.mu.Unlock()
	return dk, nil
}

// SessionKey generates a random key scoped to this process. It does not
// need a master secret. An empty id gets a generated one.
func (m *Manager) SessionKey(id string) (models.DerivedKey, error) {
	if id == "" {
		id = sessionPrefix + uuid.NewString()
	}
	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return models.DerivedKey{}, fmt.Errorf("keys: session key: %w", err)
	}
	dk := models.DerivedKey{
		KeyID:       id,
		KeyMaterial: material,
		Algorithm:   Algorithm,
		CreatedAt:   m.now(),
	}
	m.mu.Lock()
	m.keys[id] = dk
	m.mu.Unlock()
	return dk, nil
}

// Lookup returns a cached key.
func (m *Manager) Lookup(keyID string) (models.DerivedKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dk, ok := m.keys[keyID]
	return dk, ok
}

// Clear wipes the master secret and every cached key.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	zero(m.master)
	m.master = nil
	for id, dk := range m.keys {
		zero(dk.KeyMaterial)
		delete(m.keys, id)
	}
}

// RecordKeyID is the deterministic key id for a record key.
func RecordKeyID(recordID string, salt []byte) string {
	return recordPrefix + recordID + ":" + hex.EncodeToString(salt)
}

// ParseRecordKeyID splits a record key id into record id and salt.
func ParseRecordKeyID(keyID string) (recordID string, salt []byte, ok bool) {
	rest, found := strings.CutPrefix(keyID, recordPrefix)
	if !found {
		return "", nil, false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", nil, false
	}
	salt, err := hex.DecodeString(rest[i+1:])
	if err != nil || len(salt) == 0 {
		return "", nil, false
	}
	return rest[:i], salt, true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
