// Package remote describes the contract of the owner-indexed entity store
// that memvault persists to. Signing and payment are handled by the wallet
// behind the Client implementation and are opaque here.
package remote

import (
	"context"
	"time"
)

// Attribute is a queryable key/value pair attached to an entity.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Entity is a raw entity as returned by the store. Payload is nil when the
// store did not inline it, which bulk listings sometimes do.
type Entity struct {
	Key        string      `json:"key"`
	Owner      string      `json:"owner"`
	Payload    []byte      `json:"payload,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
	ExpiresAt  time.Time   `json:"expiresAt,omitzero"`
}

// HasPayload reports whether the payload was inlined.
func (e *Entity) HasPayload() bool { return len(e.Payload) > 0 }

// Attr returns the value of the named attribute.
func (e *Entity) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// CreateResult is returned by CreateEntity.
type CreateResult struct {
	Key    string `json:"key"`
	TxHash string `json:"txHash"`
}

// Client is the minimal RPC contract consumed by the entity store adapter.
// GetEntity returns apperr.ErrNotFound for a missing key; transport failures
// wrap apperr.ErrRemoteUnavailable.
type Client interface {
	CreateEntity(ctx context.Context, payload []byte, attrs []Attribute, expiresIn time.Duration) (CreateResult, error)
	UpdateEntity(ctx context.Context, key string, payload []byte, attrs []Attribute, expiresIn time.Duration) (string, error)
	DeleteEntity(ctx context.Context, key string) error
	GetEntity(ctx context.Context, key string) (*Entity, error)
	Query(ctx context.Context, q Query) (*Page, error)
}
