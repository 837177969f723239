package learner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	syncx "github.com/mind-engage/nihongo/internal/sync"
	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

type EventAppender interface {
	Append(ctx context.Context, e syncx.Event) error
}

type Service struct {
	Store  Store
	Events EventAppender // optional
	SiteID string
	Now    func() time.Time

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewService(store Store, events EventAppender) *Service {
	return &Service{Store: store, Events: events, SiteID: "local", Now: time.Now}
}

// userLock serialises batches for one user so the version check and the write
// happen as one step.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = map[string]*sync.Mutex{}
	}
	m, ok := s.users[userID]
	if !ok {
		m = &sync.Mutex{}
		s.users[userID] = m
	}
	return m
}

// Apply partitions a batch into synced, failed and conflicting items.
// An item is accepted when the server has no record for its key or the
// incoming version is newer; an exact resend of the stored record is
// acknowledged again. Anything else conflicts and carries the server record.
func (s *Service) Apply(ctx context.Context, userID string, req progress.SyncRequest) (progress.SyncResponse, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	resp := progress.SyncResponse{
		Synced:     []progress.Key{},
		Failed:     []progress.FailedItem{},
		Conflicts:  []progress.ConflictItem{},
		ServerTime: s.now(),
	}
	seen := map[progress.Key]bool{}
	for _, p := range req.Items {
		k := p.Key()
		if !k.Valid() || p.Correct < 0 || p.Incorrect < 0 || p.Version < 0 {
			resp.Failed = append(resp.Failed, progress.FailedItem{Key: k, Error: ReasonInvalid})
			continue
		}
		if seen[k] {
			resp.Failed = append(resp.Failed, progress.FailedItem{Key: k, Error: ReasonDuplicate})
			continue
		}
		seen[k] = true

		stored, err := s.Store.GetProgress(ctx, userID, k)
		switch {
		case errors.Is(err, ErrNotFound) || (err == nil && p.Version > stored.Version):
			if err := s.Store.PutProgress(ctx, userID, p.Item); err != nil {
				return resp, fmt.Errorf("store %s: %w", k, err)
			}
			resp.Synced = append(resp.Synced, k)
			s.appendEvent(ctx, userID, req.BatchID, p.Item)
		case err != nil:
			return resp, fmt.Errorf("load %s: %w", k, err)
		case p.Version == stored.Version && p.SameCounters(stored):
			resp.Synced = append(resp.Synced, k)
		default:
			resp.Conflicts = append(resp.Conflicts, progress.ConflictItem{Key: k, Server: stored})
		}
	}
	if n := len(resp.Failed) + len(resp.Conflicts); n > 0 {
		log.Printf("sync: user=%s batch=%s synced=%d failed=%d conflicts=%d",
			userID, req.BatchID, len(resp.Synced), len(resp.Failed), len(resp.Conflicts))
	}
	return resp, nil
}

func (s *Service) appendEvent(ctx context.Context, userID, batchID string, it progress.Item) {
	if s.Events == nil {
		return
	}
	data, _ := json.Marshal(struct {
		UserID  string        `json:"user_id"`
		BatchID string        `json:"batch_id,omitempty"`
		Item    progress.Item `json:"item"`
	}{userID, batchID, it})
	err := s.Events.Append(ctx, syncx.Event{
		SiteID:   s.SiteID,
		Type:     EventProgressSynced,
		Key:      userID + "/" + it.Key().String(),
		DataJSON: string(data),
	})
	if err != nil {
		log.Printf("sync: event log append failed: %v", err)
	}
}

func (s *Service) Progress(ctx context.Context, userID, section string) ([]progress.Item, error) {
	return s.Store.ListProgress(ctx, userID, section)
}

func (s *Service) Reset(ctx context.Context, userID string) (int, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.Store.DeleteProgress(ctx, userID)
}

func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	items, err := s.Store.ListProgress(ctx, userID, "")
	if err != nil {
		return Stats{}, err
	}
	st := Stats{UserID: userID, Items: len(items), Sections: []SectionStats{}}
	last := map[string]int64{}
	for _, it := range items {
		st.Correct += it.Correct
		st.Attempts += it.Attempts()
		if progress.IsMastered(it) {
			st.Mastered++
		}
		if ts := it.LastAttempt.Unix(); !it.LastAttempt.IsZero() && ts > last[it.Section] {
			last[it.Section] = ts
		}
	}
	if st.Attempts > 0 {
		st.Accuracy = float64(st.Correct) / float64(st.Attempts)
	}
	for _, sum := range progress.Summarize(items) {
		st.Sections = append(st.Sections, SectionStats{SectionSummary: sum, LastAttempt: last[sum.Section]})
	}
	return st, nil
}

// Settings returns the stored settings or the defaults.
func (s *Service) Settings(ctx context.Context, userID string) (progress.Settings, error) {
	st, err := s.Store.GetSettings(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return progress.DefaultSettings(), nil
	}
	return st, err
}

func (s *Service) PutSettings(ctx context.Context, userID string, st progress.Settings) (progress.Settings, error) {
	st, err := st.Normalize()
	if err != nil {
		return st, err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	return st, s.Store.PutSettings(ctx, userID, st)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// MemStore is an in-memory Store for tests and single-process dev runs.
type MemStore struct {
	mu       sync.RWMutex
	progress map[string]map[progress.Key]progress.Item
	settings map[string]progress.Settings
}

func NewMemStore() *MemStore {
	return &MemStore{
		progress: map[string]map[progress.Key]progress.Item{},
		settings: map[string]progress.Settings{},
	}
}

func (m *MemStore) GetProgress(_ context.Context, userID string, k progress.Key) (progress.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.progress[userID][k]
	if !ok {
		return progress.Item{}, ErrNotFound
	}
	return it, nil
}

func (m *MemStore) PutProgress(_ context.Context, userID string, it progress.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress[userID] == nil {
		m.progress[userID] = map[progress.Key]progress.Item{}
	}
	m.progress[userID][it.Key()] = it
	return nil
}

func (m *MemStore) ListProgress(_ context.Context, userID, section string) ([]progress.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []progress.Item{}
	for _, it := range m.progress[userID] {
		if section == "" || it.Section == section {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Section != out[j].Section {
			return out[i].Section < out[j].Section
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

func (m *MemStore) DeleteProgress(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.progress[userID])
	delete(m.progress, userID)
	return n, nil
}

func (m *MemStore) GetSettings(_ context.Context, userID string) (progress.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.settings[userID]
	if !ok {
		return progress.Settings{}, ErrNotFound
	}
	return st, nil
}

func (m *MemStore) PutSettings(_ context.Context, userID string, st progress.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[userID] = st
	return nil
}
