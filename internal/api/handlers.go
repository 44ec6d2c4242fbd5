package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/models"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *memory.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *memory.Service) *Handler {
	return &Handler{svc: svc}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// SearchMemories handles GET /memories.
//
//	@Summary		Search memories by text and type
//	@Tags			memories
//	@Produce		json
//	@Param			q		query		string	false	"Case-insensitive text"
//	@Param			type	query		string	false	"Memory type"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memories [get]
func (h *Handler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	results, err := h.svc.Search(r.Context(), q.Get("q"), models.Kind(q.Get("type")), limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if results == nil {
		results = []*models.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results, Count: len(results)})
}

// CreateMemory handles POST /memories.
//
//	@Summary		Create a memory
//	@Tags			memories
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateMemoryRequest	true	"Memory to create"
//	@Success		201		{object}	SavedResponse
//	@Failure		400		{object}	errResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memories [post]
func (h *Handler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	var req CreateMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	saved, err := h.svc.Create(r.Context(), req)
	if err != nil {
		writeError(w, "create memory", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// GetMemory handles GET /memories/{id}.
//
//	@Summary		Get a memory with decrypted content
//	@Tags			memories
//	@Produce		json
//	@Param			id	path		string	true	"Memory id"
//	@Success		200	{object}	Memory
//	@Failure		404	{object}	errResponse
//	@Failure		422	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memories/{id} [get]
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get memory", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(rec.Metadata.Version)))
	writeJSON(w, http.StatusOK, rec)
}

// UpdateMemory handles PATCH /memories/{id}. An If-Match header carrying the
// version from a previous ETag makes the update conditional.
//
//	@Summary		Update a memory
//	@Tags			memories
//	@Accept			json
//	@Produce		json
//	@Param			id			path	string				true	"Memory id"
//	@Param			If-Match	header	string				false	"Expected version"
//	@Param			body		body	UpdateMemoryRequest	true	"Fields to change"
//	@Success		200		{object}	SavedResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memories/{id} [patch]
func (h *Handler) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req UpdateMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`); ifMatch != "" {
		v, err := strconv.Atoi(ifMatch)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("If-Match must be a version number"))
			return
		}
		req.IfVersion = v
	}
	saved, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "update memory", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// DeleteMemory handles DELETE /memories/{id}.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "delete memory", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadGateway, errorBody("entity store rejected the delete"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GrantPermission handles POST /memories/{id}/permissions.
func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	saved, err := h.svc.GrantPermission(r.Context(), chi.URLParam(r, "id"), req.Grantee, req.Actions)
	if err != nil {
		writeError(w, "grant permission", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// RevokePermission handles DELETE /memories/{id}/permissions/{grantee}.
func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	saved, err := h.svc.RevokePermission(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "grantee"))
	if err != nil {
		writeError(w, "revoke permission", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Stats handles GET /stats.
//
//	@Summary		Estimate stored memories and size
//	@Tags			stats
//	@Produce		json
//	@Success		200	{object}	StatsResponse
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Session handles GET /session.
func (h *Handler) Session(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SessionResponse{Locked: h.svc.Locked()})
}

// Unlock handles POST /session/unlock.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Secret == "" {
		writeError(w, "unlock", apperr.ErrInvalidInput)
		return
	}
	if err := h.svc.Unlock(req.Secret); err != nil {
		writeError(w, "unlock", err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Locked: false})
}

// Lock handles POST /session/lock.
func (h *Handler) Lock(w http.ResponseWriter, _ *http.Request) {
	h.svc.Lock()
	writeJSON(w, http.StatusOK, SessionResponse{Locked: true})
}

// Resync handles POST /resync.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Resync(r.Context())
	if err != nil {
		writeError(w, "resync", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
