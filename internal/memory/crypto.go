package memory

import (
	"errors"
	"fmt"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/models"
)

// seal encrypts plaintext into rec.Content with the record key derived from
// rec.ID and salt. A nil salt derives a fresh key.
func (s *Service) seal(rec *models.MemoryRecord, plaintext string, salt []byte) error {
	dk, err := s.keys.DeriveRecordKey(rec.ID, salt)
	if err != nil {
		return fmt.Errorf("memory: derive key for %s: %w", rec.ID, err)
	}
	env, err := s.cipher.Encrypt(plaintext, dk.KeyID)
	if err != nil {
		return fmt.Errorf("memory: encrypt %s: %w", rec.ID, err)
	}
	rec.Content = env.String()
	rec.Encrypted = true
	rec.Metadata.KeyID = dk.KeyID
	return nil
}

// open replaces sealed content with plaintext in place and returns the
// envelope salt. Plaintext records are left untouched.
//
// The key id in metadata is tried first. When this process has not derived
// it yet the key is re-derived from the record id and the envelope salt.
func (s *Service) open(rec *models.MemoryRecord) ([]byte, error) {
	if !rec.Encrypted {
		return nil, nil
	}
	env, err := models.ParseEnvelope(rec.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDecryptionFailed, err)
	}

	plain, err := s.cipher.Decrypt(env, rec.Metadata.KeyID)
	if errors.Is(err, apperr.ErrKeyNotFound) {
		dk, derr := s.keys.DeriveRecordKey(rec.ID, env.Salt)
		if derr != nil {
			return nil, derr
		}
		plain, err = s.cipher.Decrypt(env, dk.KeyID)
	}
	if err != nil {
		return nil, err
	}
	rec.Content = plain
	return env.Salt, nil
}

// transform is the search hook that decrypts candidates before filtering.
func (s *Service) transform(rec *models.MemoryRecord) error {
	_, err := s.open(rec)
	return err
}
