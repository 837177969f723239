package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	authmw "github.com/mind-engage/nihongo/internal/auth/middleware"
	"github.com/mind-engage/nihongo/internal/config"
	"github.com/mind-engage/nihongo/internal/db"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dbh, err := db.Open(context.Background(), db.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = dbh.Close() })
	return dbh
}

func TestGuestLogin(t *testing.T) {
	dbh := openDB(t)
	a := authmw.NewAuthService("k")
	h := GuestLoginHandler(a, dbh, config.Config{EnableGuestAuth: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/guest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("guest: %d", rec.Code)
	}
	var first struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&first)
	if !strings.HasPrefix(first.UserID, "guest-") || first.Role != "learner" {
		t.Fatalf("guest = %+v", first)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != first.UserID {
		t.Fatalf("cookies = %+v", cookies)
	}

	// the same browser keeps its guest account
	req := httptest.NewRequest(http.MethodPost, "/auth/guest", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var second struct {
		UserID string `json:"user_id"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&second)
	if second.UserID != first.UserID {
		t.Fatalf("new guest %q, want %q", second.UserID, first.UserID)
	}

	rec = httptest.NewRecorder()
	GuestLoginHandler(a, dbh, config.Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/guest", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled guest auth: %d", rec.Code)
	}
}

func fakeGoogle(t *testing.T, aud string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600,"id_token":"idt"}`))
	})
	mux.HandleFunc("/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id_token") != "idt" {
			http.Error(w, "bad token", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"iss": "https://accounts.google.com", "aud": aud, "sub": "42", "email": "hana@example.com",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleOAuth(t *testing.T) {
	dbh := openDB(t)
	a := authmw.NewAuthService("k")
	cfg := config.Config{
		PublicURL:      "https://app.example",
		GoogleClientID: "cid",
	}
	srv := fakeGoogle(t, "cid")
	g := NewGoogleOAuth(cfg)
	g.OAuth.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	g.TokenInfoURL = srv.URL + "/tokeninfo"
	g.HTTPClient = srv.Client()

	// login redirects to the provider and drops off-site redirects
	rec := httptest.NewRecorder()
	g.LoginHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/login?redirect=https://evil.example/", nil))
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), srv.URL+"/auth?") {
		t.Fatalf("login: %d %s", rec.Code, rec.Header().Get("Location"))
	}
	var state, next *http.Cookie
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case stateCookie:
			state = c
		case redirectCookie:
			next = c
		}
	}
	if state == nil || next == nil {
		t.Fatal("missing login cookies")
	}
	if v, _ := url.QueryUnescape(next.Value); v != "https://app.example/" {
		t.Fatalf("redirect cookie = %q", v)
	}

	cb := g.CallbackHandler(a, dbh)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?state=forged&code=c", nil)
	req.AddCookie(state)
	rec = httptest.NewRecorder()
	cb.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("forged state: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+state.Value+"&code=c", nil)
	req.AddCookie(state)
	req.AddCookie(next)
	rec = httptest.NewRecorder()
	cb.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Host != "app.example" {
		t.Fatalf("location = %s", loc)
	}
	c, err := a.Parse(loc.Query().Get("access_token"))
	if err != nil || c.Sub != "google|42" || c.Role != "learner" {
		t.Fatalf("claims = %+v, %v", c, err)
	}
	var role string
	if err := dbh.QueryRow(`SELECT role FROM users WHERE username='hana@example.com'`).Scan(&role); err != nil || role != "learner" {
		t.Fatalf("stored role = %q, %v", role, err)
	}
}

func TestGoogleOAuth_RejectsForeignAudience(t *testing.T) {
	dbh := openDB(t)
	srv := fakeGoogle(t, "someone-else")
	g := NewGoogleOAuth(config.Config{GoogleClientID: "cid"})
	g.OAuth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}
	g.TokenInfoURL = srv.URL + "/tokeninfo"
	g.HTTPClient = srv.Client()

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?state=s&code=c", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "s"})
	rec := httptest.NewRecorder()
	g.CallbackHandler(authmw.NewAuthService("k"), dbh).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign aud: %d", rec.Code)
	}
}
