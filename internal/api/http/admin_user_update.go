package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	authmw "github.com/mind-engage/nihongo/internal/auth/middleware"
	"github.com/mind-engage/nihongo/internal/learner"
	"github.com/mind-engage/nihongo/internal/rbac"
	syncx "github.com/mind-engage/nihongo/internal/sync"
)

// EventRoleChanged is appended to the event log whenever an account moves
// between learner, tutor and admin. GET /admin/audit?q=RoleChanged lists them.
const EventRoleChanged = "RoleChanged"

var errLastAdmin = errors.New("cannot demote the last admin")

type updateUserRoleReq struct {
	Role string `json:"role"`
}

type roleChange struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	From     string `json:"from"`
	To       string `json:"to"`
	By       string `json:"by"`
}

// PATCH /admin/users/{userID}/role  { "role": "tutor" }
// userID may be the id or the username. A tutor can read every learner's
// progress, so promotions are logged with the admin who made them.
func AdminUpdateUserRoleHandler(db *sql.DB, events learner.EventAppender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := strings.TrimSpace(chi.URLParam(r, "userID"))
		if target == "" {
			http.Error(w, "missing userID", http.StatusBadRequest)
			return
		}
		var req updateUserRoleReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		role := strings.ToLower(strings.TrimSpace(req.Role))
		if !rbac.ValidRole(role) {
			http.Error(w, "role must be one of "+strings.Join(rbac.Roles, ", "), http.StatusBadRequest)
			return
		}

		ch, err := changeRole(r.Context(), db, target, role)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			http.Error(w, "user not found", http.StatusNotFound)
			return
		case errors.Is(err, errLastAdmin):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ch.By = authmw.SubjectFromContext(r.Context())

		if ch.From != ch.To && events != nil {
			data, _ := json.Marshal(ch)
			if err := events.Append(r.Context(), syncx.Event{
				Type:     EventRoleChanged,
				Key:      "user/" + ch.UserID,
				DataJSON: string(data),
			}); err != nil {
				log.Printf("admin: event log append failed: %v", err)
			}
		}
		respondJSON(w, http.StatusOK, ch)
	}
}

// changeRole looks the account up and updates it in one transaction so two
// concurrent demotions cannot both pass the last-admin check.
func changeRole(ctx context.Context, db *sql.DB, target, role string) (roleChange, error) {
	ch := roleChange{To: role}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ch, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT id, username, role FROM users WHERE id=$1 OR username=$1`, target).
		Scan(&ch.UserID, &ch.Username, &ch.From); err != nil {
		return ch, err
	}
	if ch.From == role {
		return ch, nil
	}
	if ch.From == "admin" {
		var admins int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM users WHERE role='admin'`).Scan(&admins); err != nil {
			return ch, err
		}
		if admins <= 1 {
			return ch, errLastAdmin
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET role=$2 WHERE id=$1`, ch.UserID, role); err != nil {
		return ch, err
	}
	return ch, tx.Commit()
}
