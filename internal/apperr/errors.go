// Package apperr defines the sentinel errors shared across memvault layers.
package apperr

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotConfigured is returned when key derivation is attempted before a
	// master secret was provided.
	ErrNotConfigured = errors.New("key management not configured")
	// ErrKeyNotFound means a key id could not be resolved and no salt was
	// available to re-derive it.
	ErrKeyNotFound      = errors.New("key not found")
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrEnumerationFailed means owner listing failed and the local key
	// index could not stand in for it.
	ErrEnumerationFailed = errors.New("enumeration failed")
)
