package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EncryptedEnvelope is the self-describing ciphertext stored in the content
// field of an encrypted record. AuthTag is empty for non-AEAD modes.
type EncryptedEnvelope struct {
	Ciphertext    []byte `json:"ciphertext"`
	IV            []byte `json:"iv"`
	Salt          []byte `json:"salt"`
	AuthTag       []byte `json:"authTag,omitempty"`
	Algorithm     string `json:"algorithm"`
	KDFIterations int    `json:"kdfIterations"`
}

// ParseEnvelope decodes content into an envelope and checks the required
// fields are present.
func ParseEnvelope(content string) (*EncryptedEnvelope, error) {
	var env EncryptedEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	switch {
	case len(env.Ciphertext) == 0 && len(env.AuthTag) == 0:
		return nil, errors.New("parse envelope: missing ciphertext")
	case len(env.IV) == 0:
		return nil, errors.New("parse envelope: missing iv")
	case env.Algorithm == "":
		return nil, errors.New("parse envelope: missing algorithm")
	case env.KDFIterations <= 0:
		return nil, errors.New("parse envelope: missing kdf iterations")
	}
	return &env, nil
}

// String returns the JSON encoding stored as record content.
func (e *EncryptedEnvelope) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}
