package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	authmw "github.com/mind-engage/nihongo/internal/auth/middleware"
	"github.com/mind-engage/nihongo/internal/config"
)

const (
	stateCookie    = "nihongo_oauth_state"
	redirectCookie = "nihongo_post_auth_redirect"

	googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
)

// GoogleOAuth signs learners in with a Google account. Endpoint and
// TokenInfoURL default to Google's.
type GoogleOAuth struct {
	Config       config.Config
	OAuth        *oauth2.Config
	TokenInfoURL string
	HTTPClient   *http.Client
}

func NewGoogleOAuth(cfg config.Config) *GoogleOAuth {
	return &GoogleOAuth{
		Config: cfg,
		OAuth: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURI,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"openid", "email", "profile"},
		},
		TokenInfoURL: googleTokenInfoURL,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// safeRedirect keeps post-login redirects on PUBLIC_URL's origin or localhost.
func (g *GoogleOAuth) safeRedirect(next string) string {
	fallback := strings.TrimRight(g.Config.PublicURL, "/") + "/"
	if next == "" {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil {
		return fallback
	}
	base, err := url.Parse(g.Config.PublicURL)
	if err != nil || base.Host == "" {
		return next
	}
	if u.Host == "" || (u.Scheme == base.Scheme && u.Host == base.Host) || strings.HasPrefix(u.Hostname(), "localhost") {
		return next
	}
	return fallback
}

// GET /auth/google/login → redirect to Google
func (g *GoogleOAuth) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next := r.URL.Query().Get("redirect")
		if next == "" {
			next = r.Referer()
		}
		next = g.safeRedirect(next)
		secure := g.Config.Mode == config.ModeOnline

		state := uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/",
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Now().Add(10 * time.Minute),
		})
		http.SetCookie(w, &http.Cookie{
			Name:     redirectCookie,
			Value:    url.QueryEscape(next),
			Path:     "/",
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Now().Add(10 * time.Minute),
		})

		opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("include_granted_scopes", "true")}
		if g.Config.GoogleAllowedHD != "" {
			opts = append(opts, oauth2.SetAuthURLParam("hd", g.Config.GoogleAllowedHD))
		}
		http.Redirect(w, r, g.OAuth.AuthCodeURL(state, opts...), http.StatusFound)
	}
}

type tokenInfo struct {
	Iss   string `json:"iss"`
	Aud   string `json:"aud"`
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Hd    string `json:"hd"`
}

func (g *GoogleOAuth) verify(r *http.Request, idToken string) (tokenInfo, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet,
		g.TokenInfoURL+"?id_token="+url.QueryEscape(idToken), nil)
	if err != nil {
		return tokenInfo{}, err
	}
	res, err := g.HTTPClient.Do(req)
	if err != nil {
		return tokenInfo{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return tokenInfo{}, errors.New("tokeninfo rejected id_token")
	}
	var ti tokenInfo
	if err := json.NewDecoder(res.Body).Decode(&ti); err != nil {
		return tokenInfo{}, err
	}
	switch {
	case ti.Aud != g.OAuth.ClientID:
		return ti, errors.New("invalid aud")
	case ti.Iss != "accounts.google.com" && ti.Iss != "https://accounts.google.com":
		return ti, errors.New("invalid iss")
	case g.Config.GoogleAllowedHD != "" && !strings.EqualFold(ti.Hd, g.Config.GoogleAllowedHD):
		return ti, errors.New("unauthorized domain")
	case ti.Sub == "" || ti.Email == "":
		return ti, errors.New("id_token without subject")
	}
	return ti, nil
}

// GET /auth/google/callback → exchange code, verify id_token, upsert the
// learner, redirect back with ?access_token=
func (g *GoogleOAuth) CallbackHandler(a *authmw.AuthService, db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(stateCookie)
		if err != nil || c.Value == "" || c.Value != r.URL.Query().Get("state") {
			http.Error(w, "bad state", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		if g.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, g.HTTPClient)
		}
		tok, err := g.OAuth.Exchange(ctx, code)
		if err != nil {
			http.Error(w, "token exchange error", http.StatusBadGateway)
			return
		}
		idToken, _ := tok.Extra("id_token").(string)
		if idToken == "" {
			http.Error(w, "bad token response", http.StatusBadGateway)
			return
		}
		ti, err := g.verify(r, idToken)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// existing accounts keep their role; new ones are learners
		userID, role := "google|"+ti.Sub, "learner"
		var existingID, existingRole string
		err = db.QueryRowContext(r.Context(), `SELECT id, role FROM users WHERE username=$1`, ti.Email).Scan(&existingID, &existingRole)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := db.ExecContext(r.Context(),
				`INSERT INTO users (id, username, role, created_at) VALUES ($1,$2,$3,$4)`,
				userID, ti.Email, role, time.Now().Unix()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		case err == nil:
			userID, role = existingID, existingRole
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		jwtTok, err := a.IssueJWT(userID, role)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}

		target := ""
		if c, err := r.Cookie(redirectCookie); err == nil {
			target, _ = url.QueryUnescape(c.Value)
		}
		target = g.safeRedirect(target)

		http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1})
		http.SetCookie(w, &http.Cookie{Name: redirectCookie, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1})

		u, err := url.Parse(target)
		if err != nil {
			u = &url.URL{Path: "/"}
		}
		q := u.Query()
		q.Set("access_token", jwtTok)
		u.RawQuery = q.Encode()
		http.Redirect(w, r, u.String(), http.StatusFound)
	}
}
