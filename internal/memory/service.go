// Package memory is the application-facing memory service. It owns record
// construction, encryption on write and decryption on read, and delegates
// persistence to the entity store adapter.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/checksum"
	"github.com/starford/memvault/internal/entitystore"
	"github.com/starford/memvault/internal/envelope"
	"github.com/starford/memvault/internal/keys"
	"github.com/starford/memvault/internal/models"
	"github.com/starford/memvault/internal/parser"
)

// Store is the persistence surface the service needs. *entitystore.Adapter
// implements it.
type Store interface {
	Create(ctx context.Context, rec *models.MemoryRecord) (models.WriteResult, error)
	Update(ctx context.Context, remoteKey string, rec *models.MemoryRecord) (models.WriteResult, error)
	Delete(ctx context.Context, remoteKey string) bool
	FetchOne(ctx context.Context, remoteKey string) (*models.MemoryRecord, error)
	SearchOwned(ctx context.Context, q entitystore.SearchQuery) ([]*models.MemoryRecord, error)
	FindByIDWith(ctx context.Context, owner, id string, transform func(*models.MemoryRecord) error) (*models.MemoryRecord, error)
	AllKeys(ctx context.Context, owner string) ([]string, error)
	Reconcile(ctx context.Context, owner string) (entitystore.ReconcileResult, error)
	BreakerTripped() bool
}

var _ Store = (*entitystore.Adapter)(nil)

// Notifier receives change events. The SSE broker implements it.
type Notifier interface {
	PublishMemoryEvent(kind, id string)
}

// Event kinds passed to Notifier.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Defaults for Config fields left zero.
const (
	DefaultCategory        = "general"
	DefaultMimeType        = "text/plain"
	DefaultStatsSampleSize = 20
)

// Config tunes the service.
type Config struct {
	// Owner is recorded as the access policy owner of new records.
	Owner           string
	StatsSampleSize int
}

// Saved is returned by every write: the record with plaintext content and
// where it landed.
type Saved struct {
	Memory *models.MemoryRecord `json:"memory"`
	Write  models.WriteResult   `json:"write"`
}

// Service coordinates key management, encryption and the entity store.
type Service struct {
	store    Store
	keys     *keys.Manager
	cipher   *envelope.Cipher
	cfg      Config
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time

	mu      sync.RWMutex
	locator map[string]string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNotifier sets the change event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a memory service.
func NewService(store Store, km *keys.Manager, c *envelope.Cipher, cfg Config, opts ...Option) *Service {
	if cfg.StatsSampleSize <= 0 {
		cfg.StatsSampleSize = DefaultStatsSampleSize
	}
	s := &Service{
		store:   store,
		keys:    km,
		cipher:  c,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		locator: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateInput describes a new memory. Kind defaults to the frontmatter type
// and then to note.
type CreateInput struct {
	Content         string      `json:"content"`
	Kind            models.Kind `json:"type"`
	Category        string      `json:"category"`
	Tags            []string    `json:"tags"`
	Encrypt         bool        `json:"encrypt"`
	MimeType        string      `json:"mimeType"`
	RelatedMemories []string    `json:"relatedMemories"`
}

// Create builds, optionally encrypts and stores a new record.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Saved, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("memory: %w: content is required", apperr.ErrInvalidInput)
	}
	parsed := parser.Parse(in.Content)

	kind := firstNonEmpty(string(in.Kind), parsed.Kind, string(models.KindNote))
	if !models.ValidKind(models.Kind(kind)) {
		return nil, fmt.Errorf("memory: %w: unknown type %q", apperr.ErrInvalidInput, kind)
	}

	now := s.now().UTC()
	rec := &models.MemoryRecord{
		ID:        uuid.NewString(),
		Content:   in.Content,
		Kind:      models.Kind(kind),
		Category:  firstNonEmpty(in.Category, parsed.Category, DefaultCategory),
		Tags:      parser.NormalizeTags(append(append([]string(nil), in.Tags...), parsed.Tags...)),
		CreatedAt: now,
		UpdatedAt: now,
		AccessPolicy: models.AccessPolicy{
			Owner:       s.cfg.Owner,
			Permissions: []models.Permission{},
		},
		Metadata: models.Metadata{
			MimeType:        firstNonEmpty(in.MimeType, DefaultMimeType),
			Version:         1,
			RelatedMemories: parser.MergeLinks(in.RelatedMemories, parsed.Related),
		},
	}
	if in.Encrypt {
		if err := s.seal(rec, in.Content, nil); err != nil {
			return nil, err
		}
	}
	stamp(rec)

	res, err := s.store.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("memory: create: %w", err)
	}
	s.remember(rec.ID, res.RemoteKey)
	s.notify(EventCreated, rec.ID)

	view := rec.Clone()
	view.Content = in.Content
	return &Saved{Memory: view, Write: res}, nil
}

// Get returns the record with plaintext content.
func (s *Service) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.open(rec); err != nil {
		return nil, fmt.Errorf("memory: get %s: %w", id, err)
	}
	return rec, nil
}

// Patch lists the fields Update may change. Nil fields are left alone.
type Patch struct {
	Content         *string      `json:"content,omitempty"`
	Category        *string      `json:"category,omitempty"`
	Tags            *[]string    `json:"tags,omitempty"`
	Kind            *models.Kind `json:"type,omitempty"`
	RelatedMemories *[]string    `json:"relatedMemories,omitempty"`
	// IfVersion, when non-zero, must equal the stored version.
	IfVersion int `json:"-"`
}

// Update applies p to the record. Encrypted records are re-encrypted under
// the same derivation salt, so their key id never changes.
func (s *Service) Update(ctx context.Context, id string, p Patch) (*Saved, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IfVersion != 0 && p.IfVersion != rec.Metadata.Version {
		return nil, fmt.Errorf("memory: update %s: version is %d, not %d: %w", id, rec.Metadata.Version, p.IfVersion, apperr.ErrConflict)
	}
	salt, err := s.open(rec)
	if err != nil {
		return nil, fmt.Errorf("memory: update %s: %w", id, err)
	}

	if p.Kind != nil {
		if !models.ValidKind(*p.Kind) {
			return nil, fmt.Errorf("memory: %w: unknown type %q", apperr.ErrInvalidInput, *p.Kind)
		}
		rec.Kind = *p.Kind
	}
	if p.Category != nil {
		rec.Category = firstNonEmpty(strings.TrimSpace(*p.Category), DefaultCategory)
	}
	if p.Tags != nil {
		rec.Tags = parser.NormalizeTags(*p.Tags)
	}
	if p.RelatedMemories != nil {
		rec.Metadata.RelatedMemories = parser.MergeLinks(nil, *p.RelatedMemories)
	}
	if p.Content != nil {
		if strings.TrimSpace(*p.Content) == "" {
			return nil, fmt.Errorf("memory: %w: content is required", apperr.ErrInvalidInput)
		}
		parsed := parser.Parse(*p.Content)
		rec.Content = *p.Content
		rec.Tags = parser.NormalizeTags(append(rec.Tags, parsed.Tags...))
		rec.Metadata.RelatedMemories = parser.MergeLinks(rec.Metadata.RelatedMemories, parsed.Related)
	}

	return s.save(ctx, rec, salt)
}

// Delete removes the record. It returns false when the remote refused.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !s.store.Delete(ctx, rec.RemoteKey) {
		return false, nil
	}
	s.forget(id)
	s.notify(EventDeleted, id)
	return true, nil
}

// Search returns records whose plaintext matches query. Records that cannot
// be decrypted are left out.
func (s *Service) Search(ctx context.Context, query string, kind models.Kind, limit int) ([]*models.MemoryRecord, error) {
	if kind != "" && !models.ValidKind(kind) {
		return nil, fmt.Errorf("memory: %w: unknown type %q", apperr.ErrInvalidInput, kind)
	}
	recs, err := s.store.SearchOwned(ctx, entitystore.SearchQuery{
		Text:      query,
		Kind:      kind,
		Limit:     limit,
		Transform: s.transform,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	for _, r := range recs {
		s.remember(r.ID, r.RemoteKey)
	}
	return recs, nil
}

// GetAll returns every readable record.
func (s *Service) GetAll(ctx context.Context) ([]*models.MemoryRecord, error) {
	return s.Search(ctx, "", "", math.MaxInt32)
}

// Unlock sets the master secret.
func (s *Service) Unlock(secret string) error {
	return s.keys.Initialize([]byte(secret))
}

// Lock wipes the master secret and every derived key.
func (s *Service) Lock() {
	s.keys.Clear()
}

// Locked reports whether encrypted records are currently unreadable.
func (s *Service) Locked() bool {
	return !s.keys.Initialized()
}

// Resync reconciles the local key index with the remote listing.
func (s *Service) Resync(ctx context.Context) (entitystore.ReconcileResult, error) {
	res, err := s.store.Reconcile(ctx, "")
	if err != nil {
		return res, err
	}
	s.mu.Lock()
	clear(s.locator)
	s.mu.Unlock()
	return res, nil
}

// save bumps the version and writes rec, which holds plaintext content.
func (s *Service) save(ctx context.Context, rec *models.MemoryRecord, salt []byte) (*Saved, error) {
	plain := rec.Content
	rec.Metadata.Version++
	rec.UpdatedAt = s.now().UTC()
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Encrypted {
		if err := s.seal(rec, plain, salt); err != nil {
			return nil, err
		}
	}
	stamp(rec)

	res, err := s.store.Update(ctx, rec.RemoteKey, rec)
	if err != nil {
		return nil, fmt.Errorf("memory: update %s: %w", rec.ID, err)
	}
	s.remember(rec.ID, res.RemoteKey)
	s.notify(EventUpdated, rec.ID)

	view := rec.Clone()
	view.Content = plain
	return &Saved{Memory: view, Write: res}, nil
}

// load returns the stored record for id, content still sealed.
func (s *Service) load(ctx context.Context, id string) (*models.MemoryRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("memory: %w: id is required", apperr.ErrInvalidInput)
	}
	if key, ok := s.locate(id); ok {
		rec, err := s.store.FetchOne(ctx, key)
		switch {
		case err == nil && rec.ID == id:
			return rec, nil
		case err == nil, errors.Is(err, apperr.ErrNotFound):
			s.forget(id)
		default:
			return nil, fmt.Errorf("memory: load %s: %w", id, err)
		}
	}

	rec, err := s.store.FindByIDWith(ctx, "", id, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: load %s: %w", id, err)
	}
	s.remember(id, rec.RemoteKey)
	return rec, nil
}

func (s *Service) locate(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.locator[id]
	return key, ok
}

func (s *Service) remember(id, key string) {
	if id == "" || key == "" {
		return
	}
	s.mu.Lock()
	s.locator[id] = key
	s.mu.Unlock()
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.locator, id)
	s.mu.Unlock()
}

func (s *Service) notify(kind, id string) {
	if s.notifier != nil {
		s.notifier.PublishMemoryEvent(kind, id)
	}
}

// stamp records size and checksum of the stored content.
func stamp(rec *models.MemoryRecord) {
	rec.Metadata.Size = len(rec.Content)
	rec.Metadata.Checksum = checksum.SumString(rec.Content)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
