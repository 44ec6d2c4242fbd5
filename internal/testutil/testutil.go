// Package testutil provides shared test helpers: a scriptable in-memory
// remote entity store and temporary local storage.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/keyindex"
	"github.com/starford/memvault/internal/kv"
	"github.com/starford/memvault/internal/remote"
)

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestKV creates a temporary FS-backed local store.
func TestKV(t *testing.T) *kv.FS {
	t.Helper()
	store, err := kv.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// TestKeyIndex creates an empty local key index in a temporary store.
func TestKeyIndex(t *testing.T) *keyindex.Index {
	t.Helper()
	idx, err := keyindex.Open(TestKV(t), "")
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

// FakeRemote is an in-memory remote.Client with failure injection and call
// counters. It is safe for concurrent use.
type FakeRemote struct {
	mu       sync.Mutex
	owner    string
	order    []string
	entities map[string]remote.Entity
	seq      int

	// OmitListPayload makes Query drop payloads for keys it returns true for.
	OmitListPayload func(key string) bool
	// FailGet makes GetEntity fail for keys it returns a non-nil error for.
	FailGet func(key string) error
	// QueryErr, WriteErr and DeleteErr force the corresponding calls to fail.
	QueryErr  error
	WriteErr  error
	DeleteErr error
	// HideFromQuery makes Query return no entities at all.
	HideFromQuery bool

	GetCalls    atomic.Int64
	QueryCalls  atomic.Int64
	CreateCalls atomic.Int64
}

// NewFakeRemote returns an empty store that signs as owner.
func NewFakeRemote(owner string) *FakeRemote {
	return &FakeRemote{owner: owner, entities: make(map[string]remote.Entity)}
}

var _ remote.Client = (*FakeRemote)(nil)

// Put inserts an entity directly, bypassing failure injection.
func (f *FakeRemote) Put(owner string, payload []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(owner, payload, nil)
}

func (f *FakeRemote) insert(owner string, payload []byte, attrs []remote.Attribute) string {
	f.seq++
	key := "0x" + strconv.FormatInt(int64(f.seq), 16)
	f.entities[key] = remote.Entity{
		Key:        key,
		Owner:      owner,
		Payload:    slices.Clone(payload),
		Attributes: slices.Clone(attrs),
	}
	f.order = append(f.order, key)
	return key
}

// Drop removes an entity directly, as if deleted by another client.
func (f *FakeRemote) Drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, key)
	f.order = slices.DeleteFunc(f.order, func(k string) bool { return k == key })
}

// Len returns the number of stored entities.
func (f *FakeRemote) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities)
}

// Payload returns the stored payload for key.
func (f *FakeRemote) Payload(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[key]
	return slices.Clone(e.Payload), ok
}

func (f *FakeRemote) CreateEntity(ctx context.Context, payload []byte, attrs []remote.Attribute, _ time.Duration) (remote.CreateResult, error) {
	f.CreateCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return remote.CreateResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return remote.CreateResult{}, f.WriteErr
	}
	key := f.insert(f.owner, payload, attrs)
	return remote.CreateResult{Key: key, TxHash: "0xtx" + key[2:]}, nil
}

func (f *FakeRemote) UpdateEntity(ctx context.Context, key string, payload []byte, attrs []remote.Attribute, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return "", f.WriteErr
	}
	e, ok := f.entities[key]
	if !ok {
		return "", fmt.Errorf("update %s: %w", key, apperr.ErrNotFound)
	}
	e.Payload = slices.Clone(payload)
	e.Attributes = slices.Clone(attrs)
	f.entities[key] = e
	return "0xtxu" + key[2:], nil
}

func (f *FakeRemote) DeleteEntity(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.entities[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, apperr.ErrNotFound)
	}
	delete(f.entities, key)
	f.order = slices.DeleteFunc(f.order, func(k string) bool { return k == key })
	return nil
}

func (f *FakeRemote) GetEntity(ctx context.Context, key string) (*remote.Entity, error) {
	f.GetCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.FailGet != nil {
		if err := f.FailGet(key); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, apperr.ErrNotFound)
	}
	e.Payload = slices.Clone(e.Payload)
	return &e, nil
}

func (f *FakeRemote) Query(ctx context.Context, q remote.Query) (*remote.Page, error) {
	f.QueryCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	if f.HideFromQuery {
		return &remote.Page{}, nil
	}

	var owned []string
	for _, k := range f.order {
		if q.Owner == "" || f.entities[k].Owner == q.Owner {
			owned = append(owned, k)
		}
	}
	start := 0
	if q.Cursor != "" {
		start, _ = strconv.Atoi(q.Cursor)
	}
	if start > len(owned) {
		start = len(owned)
	}
	end := len(owned)
	if q.PageSize > 0 && start+q.PageSize < end {
		end = start + q.PageSize
	}

	page := &remote.Page{}
	for _, k := range owned[start:end] {
		e := f.entities[k]
		if !q.IncludePayload || (f.OmitListPayload != nil && f.OmitListPayload(k)) {
			e.Payload = nil
		} else {
			e.Payload = slices.Clone(e.Payload)
		}
		if !q.IncludeAttributes {
			e.Attributes = nil
		}
		page.Entities = append(page.Entities, e)
	}
	if end < len(owned) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
