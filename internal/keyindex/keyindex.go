// Package keyindex keeps the durable local set of remote keys known to belong
// to the current owner. It is an eventually consistent cache used to recover
// when remote enumeration fails, never the source of truth.
package keyindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/kv"
)

// DefaultName is the blob name the index is persisted under.
const DefaultName = "memory_keys"

// Index is a write-through set of remote keys. All methods are safe for
// concurrent use.
type Index struct {
	mu    sync.RWMutex
	store kv.Store
	name  string
	keys  []string
	set   map[string]struct{}
}

// Open loads the index named name from store. A missing blob yields an
// empty index.
func Open(store kv.Store, name string) (*Index, error) {
	if name == "" {
		name = DefaultName
	}
	idx := &Index{store: store, name: name, set: make(map[string]struct{})}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Name returns the blob name backing the index.
func (i *Index) Name() string { return i.name }

// Reload replaces the in-memory state with what is persisted.
func (i *Index) Reload() error {
	data, err := i.store.Get(i.name)
	if errors.Is(err, apperr.ErrNotFound) {
		i.mu.Lock()
		i.keys, i.set = nil, make(map[string]struct{})
		i.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("keyindex: load: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("keyindex: decode %s: %w", i.name, err)
	}
	keys, set := dedupe(keys)
	i.mu.Lock()
	i.keys, i.set = keys, set
	i.mu.Unlock()
	return nil
}

// Add inserts key.
func (i *Index) Add(key string) error {
	return i.AddAll([]string{key})
}

// AddAll inserts every key not already present, persisting once.
func (i *Index) AddAll(keys []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	next := slices.Clone(i.keys)
	changed := false
	seen := make(map[string]struct{}, len(i.set))
	for k := range i.set {
		seen[k] = struct{}{}
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		next = append(next, k)
		changed = true
	}
	if !changed {
		return nil
	}
	return i.commit(next, seen)
}

// Remove deletes key.
func (i *Index) Remove(key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.set[key]; !ok {
		return nil
	}
	next := make([]string, 0, len(i.keys))
	set := make(map[string]struct{}, len(i.set))
	for _, k := range i.keys {
		if k == key {
			continue
		}
		next = append(next, k)
		set[k] = struct{}{}
	}
	return i.commit(next, set)
}

// ReplaceAll swaps the whole index for keys.
func (i *Index) ReplaceAll(keys []string) error {
	next, set := dedupe(keys)
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.commit(next, set)
}

// All returns a snapshot of the keys in insertion order.
func (i *Index) All() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return slices.Clone(i.keys)
}

// Contains reports whether key is indexed.
func (i *Index) Contains(key string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.set[key]
	return ok
}

// Len returns the number of indexed keys.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.keys)
}

// commit persists next and only then swaps it in, so a failed write leaves
// the previous state untouched. Callers hold i.mu.
func (i *Index) commit(next []string, set map[string]struct{}) error {
	if next == nil {
		next = []string{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("keyindex: encode: %w", err)
	}
	if err := i.store.Set(i.name, data); err != nil {
		return fmt.Errorf("keyindex: persist: %w", err)
	}
	i.keys, i.set = next, set
	return nil
}

func dedupe(keys []string) ([]string, map[string]struct{}) {
	out := make([]string, 0, len(keys))
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := set[k]; ok {
			continue
		}
		set[k] = struct{}{}
		out = append(out, k)
	}
	return out, set
}
