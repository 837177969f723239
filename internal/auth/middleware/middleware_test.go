package auth

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/nihongo/internal/db"
	"github.com/mind-engage/nihongo/internal/rbac"
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

func TestIssueAndParse(t *testing.T) {
	a := NewAuthService("k1")
	tok, err := a.IssueJWT("u1", "tutor")
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.Parse(tok)
	if err != nil || c.Sub != "u1" || c.Role != "tutor" {
		t.Fatalf("Parse = %+v, %v", c, err)
	}
	if _, err := NewAuthService("k2").Parse(tok); err == nil {
		t.Fatal("token accepted with the wrong key")
	}

	a.TTL = -time.Minute
	expired, _ := a.IssueJWT("u1", "tutor")
	if _, err := a.Parse(expired); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestLoginHandler(t *testing.T) {
	dbh := openDB(t)
	hash, _ := bcrypt.GenerateFromPassword([]byte("pw-123456"), bcrypt.MinCost)
	if err := db.EnsureAdmin(context.Background(), dbh, "root", string(hash)); err != nil {
		t.Fatal(err)
	}
	a := NewAuthService("k")
	h := LoginHandler(a, dbh)

	login := func(user, pass string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"username": user, "password": pass})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
		return rec
	}

	if rec := login("root", "nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rec.Code)
	}
	rec := login("root", "pw-123456")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var out tokenResp
	_ = json.NewDecoder(rec.Body).Decode(&out)
	c, err := a.Parse(out.AccessToken)
	if err != nil || c.Role != "admin" || out.UserID != "root" {
		t.Fatalf("token = %+v / %+v, %v", out, c, err)
	}
}

func TestJWTMiddlewareAndAttachRole(t *testing.T) {
	dbh := openDB(t)
	if _, err := dbh.Exec(`INSERT INTO users (id, username, role, created_at) VALUES ('u1','u1','tutor',0)`); err != nil {
		t.Fatal(err)
	}
	a := NewAuthService("k")

	var gotSub, gotRole string
	h := JWTMiddleware(a)(AttachRoleFromDB(dbh, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub = SubjectFromContext(r.Context())
		gotRole = rbac.RoleFromContext(r.Context())
	})))

	call := func(tok string) int {
		req := httptest.NewRequest(http.MethodGet, "/progress", nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(""); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	// the claim says learner but the stored role wins
	tok, _ := a.IssueJWT("u1", "learner")
	if code := call(tok); code != http.StatusOK || gotSub != "u1" || gotRole != "tutor" {
		t.Fatalf("code=%d sub=%q role=%q", code, gotSub, gotRole)
	}
	ghost, _ := a.IssueJWT("ghost", "admin")
	if code := call(ghost); code != http.StatusUnauthorized {
		t.Fatalf("unknown user: %d", code)
	}
}
