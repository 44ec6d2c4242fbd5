package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/models"
)

const maxImportBytes = 50 << 20 // 50 MB

// TransferHandler exports and imports memories as JSON documents.
type TransferHandler struct {
	svc *memory.Service
	now func() time.Time
}

// NewTransferHandler creates a TransferHandler.
func NewTransferHandler(svc *memory.Service) *TransferHandler {
	return &TransferHandler{svc: svc, now: time.Now}
}

// Export handles GET /export. Content is written in plaintext; records that
// were encrypted keep "encrypted": true so an import seals them again.
func (h *TransferHandler) Export(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.GetAll(r.Context())
	if err != nil {
		writeError(w, "export", err)
		return
	}
	if recs == nil {
		recs = []*models.MemoryRecord{}
	}
	name := fmt.Sprintf("memvault-export-%s.json", h.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	writeJSON(w, http.StatusOK, recs)
}

// Import handles POST /import. The body is either a JSON array of exported
// records or a multipart form with the export in field "file". Every item
// becomes a new memory with a fresh id.
func (h *TransferHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxImportBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
			return
		}
		defer file.Close()
		src = file
	}

	var items []models.MemoryRecord
	if err := json.NewDecoder(src).Decode(&items); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("import must be a JSON array of memories"))
		return
	}

	resp := ImportResponse{Failed: []ImportFailure{}}
	for i, it := range items {
		_, err := h.svc.Create(r.Context(), memory.CreateInput{
			Content:         it.Content,
			Kind:            it.Kind,
			Category:        it.Category,
			Tags:            it.Tags,
			Encrypt:         it.Encrypted,
			MimeType:        it.Metadata.MimeType,
			RelatedMemories: it.Metadata.RelatedMemories,
		})
		if err != nil {
			resp.Failed = append(resp.Failed, ImportFailure{Index: i, Error: err.Error()})
			continue
		}
		resp.Imported++
	}
	writeJSON(w, http.StatusOK, resp)
}
