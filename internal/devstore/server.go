package devstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/remote"
)

// Page size bounds for entity_query.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Server answers entity store JSON-RPC calls.
type Server struct {
	db               *DB
	logger           *slog.Logger
	omitListPayloads bool
	defaultTTL       time.Duration
	now              func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithOmitListPayloads makes entity_query never inline payloads, the way
// some production indexers behave.
func WithOmitListPayloads(b bool) Option {
	return func(s *Server) { s.omitListPayloads = b }
}

// WithDefaultTTL sets the expiry applied when a write does not request one.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Server) { s.defaultTTL = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a server backed by db.
func NewServer(db *DB, opts ...Option) *Server {
	s := &Server{db: db, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP handler serving POST /rpc.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/rpc", s.handleRPC)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

// PurgeLoop deletes expired entities every interval until ctx is done.
func (s *Server) PurgeLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.db.PurgeExpired(s.now())
			if err != nil {
				s.logger.Warn("devstore: purge failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Debug("devstore: purged expired", slog.Int64("count", n))
			}
		}
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reply(w, nil, nil, &rpcError{Code: remote.CodeParseError, Message: "parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(w, req.ID, nil, &rpcError{Code: remote.CodeInvalidRequest, Message: "invalid request"})
		return
	}

	var (
		result any
		rerr   *rpcError
	)
	switch req.Method {
	case remote.MethodCreate:
		result, rerr = s.create(req.Params)
	case remote.MethodUpdate:
		result, rerr = s.update(req.Params)
	case remote.MethodDelete:
		result, rerr = s.delete(req.Params)
	case remote.MethodGet:
		result, rerr = s.get(req.Params)
	case remote.MethodQuery:
		result, rerr = s.query(req.Params)
	default:
		rerr = &rpcError{Code: remote.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if rerr != nil {
		s.logger.Debug("devstore: call failed",
			slog.String("method", req.Method), slog.Int("code", rerr.Code), slog.String("error", rerr.Message))
	}
	s.reply(w, req.ID, result, rerr)
}

func (s *Server) reply(w http.ResponseWriter, id json.RawMessage, result any, rerr *rpcError) {
	if id == nil {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rerr})
}

func (s *Server) create(raw json.RawMessage) (any, *rpcError) {
	var p remote.WriteParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	if p.From == "" || len(p.Payload) == 0 {
		return nil, invalidParams("from and payload are required")
	}
	e := remote.Entity{
		Key:        newHash(),
		Owner:      p.From,
		Payload:    p.Payload,
		Attributes: p.Attributes,
		ExpiresAt:  s.expiry(p.ExpiresIn),
	}
	if err := s.db.Insert(e); err != nil {
		return nil, internalError(err)
	}
	return remote.CreateResult{Key: e.Key, TxHash: newHash()}, nil
}

func (s *Server) update(raw json.RawMessage) (any, *rpcError) {
	var p remote.WriteParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	if p.Key == "" || p.From == "" || len(p.Payload) == 0 {
		return nil, invalidParams("key, from and payload are required")
	}
	if rerr := s.checkOwner(p.Key, p.From); rerr != nil {
		return nil, rerr
	}
	err := s.db.Update(remote.Entity{
		Key:        p.Key,
		Payload:    p.Payload,
		Attributes: p.Attributes,
		ExpiresAt:  s.expiry(p.ExpiresIn),
	})
	if err != nil {
		return nil, storeError(err)
	}
	return remote.TxResult{TxHash: newHash()}, nil
}

func (s *Server) delete(raw json.RawMessage) (any, *rpcError) {
	var p remote.KeyParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	if p.Key == "" || p.From == "" {
		return nil, invalidParams("key and from are required")
	}
	if rerr := s.checkOwner(p.Key, p.From); rerr != nil {
		return nil, rerr
	}
	if err := s.db.Delete(p.Key); err != nil {
		return nil, storeError(err)
	}
	return remote.TxResult{TxHash: newHash()}, nil
}

func (s *Server) get(raw json.RawMessage) (any, *rpcError) {
	var p remote.KeyParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	e, err := s.db.Get(p.Key, s.now())
	if err != nil {
		return nil, storeError(err)
	}
	return e, nil
}

func (s *Server) query(raw json.RawMessage) (any, *rpcError) {
	var q remote.Query
	if rerr := decodeParams(raw, &q); rerr != nil {
		return nil, rerr
	}
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)

	var after int64
	if q.Cursor != "" {
		n, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil || n < 0 {
			return nil, invalidParams("bad cursor")
		}
		after = n
	}

	ents, last, more, err := s.db.List(q.Owner, after, size, s.now())
	if err != nil {
		return nil, internalError(err)
	}
	for i := range ents {
		if !q.IncludePayload || s.omitListPayloads {
			ents[i].Payload = nil
		}
		if !q.IncludeAttributes {
			ents[i].Attributes = nil
		}
	}
	page := remote.Page{Entities: ents}
	if page.Entities == nil {
		page.Entities = []remote.Entity{}
	}
	if more {
		page.NextCursor = strconv.FormatInt(last, 10)
	}
	return page, nil
}

func (s *Server) checkOwner(key, from string) *rpcError {
	owner, err := s.db.Owner(key, s.now())
	if err != nil {
		return storeError(err)
	}
	if !strings.EqualFold(owner, from) {
		return &rpcError{Code: remote.CodeForbidden, Message: "entity " + key + " is not owned by " + from}
	}
	return nil
}

func (s *Server) expiry(seconds int64) time.Time {
	switch {
	case seconds > 0:
		return s.now().Add(time.Duration(seconds) * time.Second)
	case s.defaultTTL > 0:
		return s.now().Add(s.defaultTTL)
	}
	return time.Time{}
}

func decodeParams(raw json.RawMessage, v any) *rpcError {
	if len(raw) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: remote.CodeInvalidParams, Message: msg}
}

func internalError(err error) *rpcError {
	return &rpcError{Code: remote.CodeInternal, Message: err.Error()}
}

func storeError(err error) *rpcError {
	if errors.Is(err, apperr.ErrNotFound) {
		return &rpcError{Code: remote.CodeNotFound, Message: err.Error()}
	}
	return internalError(err)
}

func newHash() string {
	return "0x" + strings.ToLower(ulid.Make().String())
}
