package models

import "time"

// DerivedKey is symmetric key material held only in process memory.
type DerivedKey struct {
	KeyID       string
	KeyMaterial []byte
	Algorithm   string
	CreatedAt   time.Time
	Salt        []byte
}

// WriteResult is returned for every successful remote write.
type WriteResult struct {
	RemoteKey string `json:"remoteKey"`
	TxRef     string `json:"txRef"`
	RecordURL string `json:"recordUrl,omitempty"`
	TxURL     string `json:"txUrl,omitempty"`
}
