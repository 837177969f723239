package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

const DefaultSettingsDebounce = 500 * time.Millisecond

// SettingsWriter saves settings locally right away and pushes them to the
// server once edits have been quiet for Delay. Only the latest record is sent.
type SettingsWriter struct {
	Store   progress.Store
	Syncer  *progress.Syncer
	Delay   time.Duration
	Timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
	dirty *progress.Settings
}

func NewSettingsWriter(store progress.Store, syncer *progress.Syncer, delay time.Duration) *SettingsWriter {
	if delay <= 0 {
		delay = DefaultSettingsDebounce
	}
	return &SettingsWriter{Store: store, Syncer: syncer, Delay: delay, Timeout: 15 * time.Second}
}

// SaveSettings implements httpchi.SettingsSaver.
func (w *SettingsWriter) SaveSettings(ctx context.Context, s progress.Settings) error {
	if err := w.Store.PutSettings(ctx, s); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = &s
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Delay, w.fire)
	return nil
}

func (w *SettingsWriter) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		log.Printf("agent: push settings: %v", err)
	}
}

// Pending reports whether a save is still waiting to reach the server.
func (w *SettingsWriter) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty != nil
}

// Flush pushes the waiting record now. On failure the record stays dirty and
// the next sync round retries it.
func (w *SettingsWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	s := w.dirty
	w.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := w.Syncer.PushSettings(ctx, *s); err != nil {
		return err
	}
	w.mu.Lock()
	// a save that landed during the push keeps its own dirty copy
	if w.dirty == s {
		w.dirty = nil
	}
	w.mu.Unlock()
	return nil
}
