package httpchi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

// SettingsSaver persists a settings change. The agent debounces it; without one
// the handler writes straight to the store.
type SettingsSaver interface {
	SaveSettings(ctx context.Context, s progress.Settings) error
}

type Romanizer interface {
	Convert(ctx context.Context, text string) (string, error)
}

type Backups interface {
	Backup(ctx context.Context) (string, error)
	Restore(ctx context.Context, key string) error
}

// API serves the local routes a UI shell calls. Tracker and Syncer are
// required; the rest are optional and their routes answer 501 when unset.
type API struct {
	Tracker  *progress.Tracker
	Syncer   *progress.Syncer
	Settings SettingsSaver
	Romaji   Romanizer
	Backups  Backups
	Levels   func(ctx context.Context) (any, error)
}

func (a *API) Routes(r chi.Router) {
	r.Route("/local", func(r chi.Router) {
		r.Post("/answers", a.postAnswer)
		r.Get("/progress", a.getProgress)
		r.Get("/progress/summary", a.getSummary)
		r.Delete("/progress", a.deleteProgress)
		r.Get("/pending", a.getPending)
		r.Post("/sync", a.postSync)
		r.Get("/settings", a.getSettings)
		r.Put("/settings", a.putSettings)
		r.Get("/connectivity", a.getConnectivity)
		r.Post("/connectivity", a.postConnectivity)
		r.Get("/levels", a.getLevels)
		r.Get("/romaji", a.getRomaji)
		r.Post("/backup", a.postBackup)
		r.Post("/restore", a.postRestore)
	})
}

type answerReq struct {
	Section string `json:"section"`
	ItemID  string `json:"item_id"`
	Correct bool   `json:"correct"`
}

func (a *API) postAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	it, err := a.Tracker.RecordAnswer(r.Context(), strings.TrimSpace(req.Section), strings.TrimSpace(req.ItemID), req.Correct)
	if errors.Is(err, progress.ErrInvalidItem) {
		http.Error(w, "section and item_id required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, it)
}

func (a *API) getProgress(w http.ResponseWriter, r *http.Request) {
	items, err := a.Tracker.Section(r.Context(), r.URL.Query().Get("section"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.Tracker.Summary(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sections": sum})
}

func (a *API) deleteProgress(w http.ResponseWriter, r *http.Request) {
	if err := a.Tracker.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getPending(w http.ResponseWriter, r *http.Request) {
	items, err := a.Tracker.Pending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) postSync(w http.ResponseWriter, r *http.Request) {
	run := a.Syncer.SyncPending
	if q := r.URL.Query().Get("all"); q == "1" || q == "true" {
		run = a.Syncer.SyncAll
	}
	res, err := run(r.Context())
	switch {
	case errors.Is(err, progress.ErrOffline):
		http.Error(w, "offline", http.StatusServiceUnavailable)
	case errors.Is(err, progress.ErrSyncInProgress):
		http.Error(w, "sync already running", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		respondJSON(w, http.StatusOK, res)
	}
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	st, err := a.Tracker.Store.GetSettings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// putSettings applies a partial update on top of the stored record.
func (a *API) putSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := a.Tracker.Store.GetSettings(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lastSync := st.LastSync
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	st.LastSync = lastSync
	if st, err = st.Normalize(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st.UpdatedAt = a.Tracker.Now().UTC()

	if a.Settings != nil {
		err = a.Settings.SaveSettings(ctx, st)
	} else {
		err = a.Tracker.Store.PutSettings(ctx, st)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (a *API) getConnectivity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.Syncer.Conn.State())
}

type connectivityReq struct {
	Online bool `json:"online"`
}

// postConnectivity mirrors the host's online/offline events.
func (a *API) postConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	a.Syncer.Conn.SetManual(req.Online)
	if req.Online {
		_ = a.Syncer.Probe(r.Context())
	}
	respondJSON(w, http.StatusOK, a.Syncer.Conn.State())
}

func (a *API) getLevels(w http.ResponseWriter, r *http.Request) {
	if a.Levels == nil {
		http.Error(w, "levels not configured", http.StatusNotImplemented)
		return
	}
	lv, err := a.Levels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"levels": lv})
}

func (a *API) getRomaji(w http.ResponseWriter, r *http.Request) {
	if a.Romaji == nil {
		http.Error(w, "romaji not configured", http.StatusNotImplemented)
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}
	out, err := a.Romaji.Convert(r.Context(), text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"text": text, "romaji": out})
}

func (a *API) postBackup(w http.ResponseWriter, r *http.Request) {
	if a.Backups == nil {
		http.Error(w, "backups not configured", http.StatusNotImplemented)
		return
	}
	key, err := a.Backups.Backup(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"key": key})
}

type restoreReq struct {
	Key string `json:"key"`
}

func (a *API) postRestore(w http.ResponseWriter, r *http.Request) {
	if a.Backups == nil {
		http.Error(w, "backups not configured", http.StatusNotImplemented)
		return
	}
	var req restoreReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	if strings.TrimSpace(req.Key) == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	if err := a.Backups.Restore(r.Context(), req.Key); err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			http.Error(w, "backup not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
