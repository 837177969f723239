package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in maps. It satisfies Store and KV.
type MemoryStore struct {
	mu       sync.RWMutex
	txMu     sync.Mutex // held for the length of an Atomic call
	items    map[Key]Item
	pending  map[Key]PendingItem
	settings *Settings
	lastSync time.Time
	kv       map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   map[Key]Item{},
		pending: map[Key]PendingItem{},
		kv:      map[string]string{},
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ KV    = (*MemoryStore)(nil)
)

func (m *MemoryStore) GetItem(_ context.Context, k Key) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[k]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (m *MemoryStore) PutItem(_ context.Context, it Item) error {
	if !it.Key().Valid() {
		return ErrInvalidItem
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.Key()] = it
	return nil
}

func (m *MemoryStore) ListItems(_ context.Context, section string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, 0, len(m.items))
	for k, it := range m.items {
		if section != "" && k.Section != section {
			continue
		}
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = map[Key]Item{}
	m.pending = map[Key]PendingItem{}
	return nil
}

func (m *MemoryStore) GetPending(_ context.Context, k Key) (PendingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[k]
	if !ok {
		return PendingItem{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Enqueue(_ context.Context, p PendingItem) error {
	if !p.Key().Valid() {
		return ErrInvalidItem
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.Key()] = p
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]PendingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingItem, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (m *MemoryStore) MarkSynced(_ context.Context, k Key, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[k]
	if !ok || p.Version != version {
		return false, nil
	}
	delete(m.pending, k)
	return true, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, k Key, version int64, lastErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[k]
	if !ok || p.Version != version {
		return nil
	}
	p.Status = StatusFailed
	p.RetryCount++
	p.LastError = lastErr
	p.LastSyncAttempt = at
	m.pending[k] = p
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := DefaultSettings()
	if m.settings != nil {
		st = *m.settings
	}
	st.LastSync = m.lastSync
	return st, nil
}

func (m *MemoryStore) PutSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	if s.LastSync.After(m.lastSync) {
		m.lastSync = s.LastSync
	}
	return nil
}

func (m *MemoryStore) SetLastSync(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = at
	return nil
}

// Atomic serialises fn against other Atomic calls. Writes made before fn
// fails are kept; use sqlstore for rollback.
func (m *MemoryStore) Atomic(_ context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *MemoryStore) Replace(_ context.Context, items []Item, pending []PendingItem, s Settings) error {
	nextItems := make(map[Key]Item, len(items))
	for _, it := range items {
		if !it.Key().Valid() {
			return ErrInvalidItem
		}
		if _, dup := nextItems[it.Key()]; dup {
			return fmt.Errorf("duplicate item %s", it.Key())
		}
		nextItems[it.Key()] = it
	}
	nextPending := make(map[Key]PendingItem, len(pending))
	for _, p := range pending {
		if !p.Key().Valid() {
			return ErrInvalidItem
		}
		if _, dup := nextPending[p.Key()]; dup {
			return fmt.Errorf("duplicate pending %s", p.Key())
		}
		nextPending[p.Key()] = p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items, m.pending = nextItems, nextPending
	m.settings, m.lastSync = &s, s.LastSync
	return nil
}

func (m *MemoryStore) GetValue(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryStore) PutValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Section != items[j].Section {
			return items[i].Section < items[j].Section
		}
		return items[i].ItemID < items[j].ItemID
	})
}
