// pkg/progress/types.go
package progress

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("progress: not found")
	ErrInvalidItem    = errors.New("progress: section and item id required")
	ErrOffline        = errors.New("progress: offline")
	ErrSyncInProgress = errors.New("progress: sync already in progress")
)

type Clock func() time.Time

// Key identifies one practice item within one section.
type Key struct {
	Section string `json:"section"`
	ItemID  string `json:"item_id"`
}

func (k Key) String() string { return k.Section + "/" + k.ItemID }

func (k Key) Valid() bool { return k.Section != "" && k.ItemID != "" }

// Item is a learner's record for one practice item. Version is bumped on every
// local mutation.
type Item struct {
	Section     string    `json:"section" db:"section"`
	ItemID      string    `json:"item_id" db:"item_id"`
	Correct     int       `json:"correct" db:"correct"`
	Incorrect   int       `json:"incorrect" db:"incorrect"`
	LastAttempt time.Time `json:"last_attempt" db:"last_attempt"`
	Version     int64     `json:"version" db:"version"`
}

func (it Item) Key() Key { return Key{Section: it.Section, ItemID: it.ItemID} }

func (it Item) Attempts() int { return it.Correct + it.Incorrect }

func (it Item) Accuracy() float64 {
	if it.Attempts() == 0 {
		return 0
	}
	return float64(it.Correct) / float64(it.Attempts())
}

// SameCounters reports whether two records carry the same learner data.
func (it Item) SameCounters(o Item) bool {
	return it.Correct == o.Correct && it.Incorrect == o.Incorrect && it.LastAttempt.Equal(o.LastAttempt)
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// PendingItem is an outbox entry: a progress write not yet acknowledged by the
// remote endpoint.
type PendingItem struct {
	Item
	Status          Status    `json:"status" db:"status"`
	RetryCount      int       `json:"retry_count" db:"retry_count"`
	LastSyncAttempt time.Time `json:"last_sync_attempt" db:"last_sync_attempt"`
	LastError       string    `json:"last_error,omitempty" db:"last_error"`
}

type QuizDefaults struct {
	QuestionCount int    `json:"question_count"`
	Mode          string `json:"mode"` // multiple_choice|typing|mixed
	TimerSeconds  int    `json:"timer_seconds"`
}

type Settings struct {
	ShowRomaji   bool         `json:"show_romaji"`
	DarkMode     bool         `json:"dark_mode"`
	SoundEnabled bool         `json:"sound_enabled"`
	Quiz         QuizDefaults `json:"quiz"`
	LastSync     time.Time    `json:"last_sync"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func DefaultSettings() Settings {
	return Settings{
		ShowRomaji:   true,
		SoundEnabled: true,
		Quiz: QuizDefaults{
			QuestionCount: 10,
			Mode:          "multiple_choice",
		},
	}
}

// Normalize fills zero quiz defaults and rejects unknown modes.
func (s Settings) Normalize() (Settings, error) {
	d := DefaultSettings()
	if s.Quiz.QuestionCount <= 0 {
		s.Quiz.QuestionCount = d.Quiz.QuestionCount
	}
	if s.Quiz.Mode == "" {
		s.Quiz.Mode = d.Quiz.Mode
	}
	switch s.Quiz.Mode {
	case "multiple_choice", "typing", "mixed":
	default:
		return s, errors.New("progress: unknown quiz mode " + s.Quiz.Mode)
	}
	if s.Quiz.TimerSeconds < 0 {
		s.Quiz.TimerSeconds = 0
	}
	return s, nil
}

/* ---------------------------- wire format ---------------------------- */

type SyncRequest struct {
	BatchID  string        `json:"batch_id"`
	ClientID string        `json:"client_id,omitempty"`
	Items    []PendingItem `json:"items"`
}

type FailedItem struct {
	Key
	Error string `json:"error"`
}

type ConflictItem struct {
	Key
	Server Item `json:"server"`
}

type SyncResponse struct {
	Synced     []Key          `json:"synced"`
	Failed     []FailedItem   `json:"failed"`
	Conflicts  []ConflictItem `json:"conflicts"`
	ServerTime time.Time      `json:"server_time"`
}

// Result summarizes one reconciliation round on the client.
type Result struct {
	BatchID    string `json:"batch_id,omitempty"` // last batch sent
	Batches    int    `json:"batches"`
	Sent       int    `json:"sent"`
	Synced     int    `json:"synced"`
	Failed     int    `json:"failed"`
	Conflicts  int    `json:"conflicts"`
	Skipped    int    `json:"skipped"`
	Superseded int    `json:"superseded"` // acked, but a newer local write is queued
}

/* ---------------------------- interfaces ---------------------------- */

// Store is the local persistence the tracker and syncer run on. Use MemoryStore
// for tests or sqlstore.Store for a file-backed store.
type Store interface {
	GetItem(ctx context.Context, k Key) (Item, error)
	PutItem(ctx context.Context, it Item) error
	ListItems(ctx context.Context, section string) ([]Item, error)
	Reset(ctx context.Context) error

	GetPending(ctx context.Context, k Key) (PendingItem, error)
	Enqueue(ctx context.Context, p PendingItem) error
	ListPending(ctx context.Context) ([]PendingItem, error)
	// MarkSynced removes the outbox entry only if it still carries version.
	MarkSynced(ctx context.Context, k Key, version int64) (bool, error)
	MarkFailed(ctx context.Context, k Key, version int64, lastErr string, at time.Time) error

	// PutSettings saves the record. LastSync never moves backwards: the stored
	// value wins when it is newer.
	GetSettings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error
	// SetLastSync updates only the LastSync field.
	SetLastSync(ctx context.Context, at time.Time) error

	// Atomic runs fn against a view of the store whose writes commit together.
	// Atomic calls are serialised; fn must only use the Store it is given.
	Atomic(ctx context.Context, fn func(Store) error) error
	// Replace swaps all progress, the outbox and the settings record in one step.
	Replace(ctx context.Context, items []Item, pending []PendingItem, s Settings) error
}

// KV is the simple string store used for caches (romaji translations).
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	PutValue(ctx context.Context, key, value string) error
}

// Remote is the sync endpoint. synchttp.Client implements it.
type Remote interface {
	Push(ctx context.Context, req SyncRequest) (SyncResponse, error)
	Pull(ctx context.Context) ([]Item, error)
	PushSettings(ctx context.Context, s Settings) error
	Ping(ctx context.Context) error
}
