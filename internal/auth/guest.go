package auth

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	authmw "github.com/mind-engage/nihongo/internal/auth/middleware"
	"github.com/mind-engage/nihongo/internal/config"
)

const guestCookie = "nihongo_guest_id"

// GuestLoginHandler issues a learner token for an anonymous device. The guest id
// is kept in a cookie so the same browser keeps its progress.
func GuestLoginHandler(a *authmw.AuthService, db *sql.DB, cfg config.Config) http.HandlerFunc {
	type out struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
		Username    string `json:"username"`
		Role        string `json:"role"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.EnableGuestAuth {
			http.Error(w, "guest auth disabled", http.StatusForbidden)
			return
		}

		userID, username := "", ""
		if c, err := r.Cookie(guestCookie); err == nil && c.Value != "" {
			var role string
			err := db.QueryRowContext(r.Context(), `SELECT username, role FROM users WHERE id=$1`, c.Value).Scan(&username, &role)
			if err == nil && role == "learner" {
				userID = c.Value
			}
		}
		if userID == "" {
			id := uuid.New()
			userID = "guest-" + id.String()
			username = "guest-" + id.String()[:8]
			if _, err := db.ExecContext(r.Context(),
				`INSERT INTO users (id, username, role, created_at) VALUES ($1,$2,'learner',$3)`,
				userID, username, time.Now().Unix()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		tok, err := a.IssueJWT(userID, "learner")
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     guestCookie,
			Value:    userID,
			Path:     "/",
			HttpOnly: true,
			Secure:   cfg.Mode == config.ModeOnline,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Now().Add(365 * 24 * time.Hour),
		})
		_ = json.NewEncoder(w).Encode(out{AccessToken: tok, UserID: userID, Username: username, Role: "learner"})
	}
}
