package api

import (
	"github.com/starford/memvault/internal/entitystore"
	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/models"
)

// CreateMemoryRequest is the request body for creating a memory.
type CreateMemoryRequest = memory.CreateInput

// UpdateMemoryRequest is the request body for patching a memory.
type UpdateMemoryRequest = memory.Patch

// SavedResponse is returned by every write.
type SavedResponse = memory.Saved

// Memory is a record with plaintext content.
type Memory = models.MemoryRecord

// StatsResponse is the storage estimate.
type StatsResponse = memory.Stats

// ResyncResponse summarises a local index reconcile.
type ResyncResponse = entitystore.ReconcileResult

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []*Memory `json:"results" validate:"required"`
	Count   int       `json:"count" example:"3" validate:"required"`
}

// GrantRequest grants actions on a memory to another identity.
type GrantRequest struct {
	Grantee string   `json:"grantee" example:"0xbob" validate:"required"`
	Actions []string `json:"actions" example:"read,write" validate:"required"`
}

// UnlockRequest carries the master secret.
type UnlockRequest struct {
	Secret string `json:"secret" validate:"required"`
}

// SessionResponse reports whether encrypted memories are readable.
type SessionResponse struct {
	Locked bool `json:"locked"`
}

// ImportFailure describes one item that could not be imported.
type ImportFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ImportResponse is returned after an import.
type ImportResponse struct {
	Imported int             `json:"imported" example:"10"`
	Failed   []ImportFailure `json:"failed"`
}
