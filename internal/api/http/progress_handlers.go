package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	authmw "github.com/mind-engage/nihongo/internal/auth/middleware"
	"github.com/mind-engage/nihongo/internal/learner"
	syncx "github.com/mind-engage/nihongo/internal/sync"
	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

// maxBatch bounds one sync request; clients split larger outboxes.
const maxBatch = progress.DefaultMaxBatch

// POST /sync  body: progress.SyncRequest
func SyncHandler(svc *learner.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := authmw.SubjectFromContext(r.Context())
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req progress.SyncRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Items) > maxBatch {
			http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
			return
		}
		resp, err := svc.Apply(r.Context(), userID, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

// GET /progress?section=[&user_id=]
func GetProgressHandler(svc *learner.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := targetUser(r)
		items, err := svc.Progress(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("section")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "items": items})
	}
}

// OwnUserRequest reports whether a ?user_id= request targets the caller. Used
// with rbac.RequireOwnerOr so tutors can read other learners.
func OwnUserRequest(r *http.Request) bool {
	target := strings.TrimSpace(r.URL.Query().Get("user_id"))
	return target == "" || target == authmw.SubjectFromContext(r.Context())
}

func targetUser(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return id
	}
	return authmw.SubjectFromContext(r.Context())
}

// GET /progress/stats[?user_id=]
func StatsHandler(svc *learner.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context(), targetUser(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

// DELETE /progress
func ResetProgressHandler(svc *learner.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.Reset(r.Context(), authmw.SubjectFromContext(r.Context()))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func GetSettingsHandler(svc *learner.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Settings(r.Context(), authmw.SubjectFromContext(r.Context()))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

// PUT /settings replaces the whole record; clients send what they hold locally.
func PutSettingsHandler(svc *learner.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in progress.Settings
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		st, err := svc.PutSettings(r.Context(), authmw.SubjectFromContext(r.Context()), in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

// GET /events?since=&limit=  (admin) pages through the event log.
func EventsHandler(events *syncx.EventRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := parseInt(r.URL.Query().Get("since"), 0)
		if err != nil || since < 0 {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		limit, err := parseInt(r.URL.Query().Get("limit"), 100)
		if err != nil || limit <= 0 || limit > 1000 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		list, err := events.Since(r.Context(), since, int(limit))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		next := since
		if len(list) > 0 {
			next = list[len(list)-1].Seq
		}
		respondJSON(w, http.StatusOK, map[string]any{"events": list, "next": next})
	}
}

func parseInt(s string, def int64) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
