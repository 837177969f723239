package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChecker_DefaultPolicy(t *testing.T) {
	c := NewChecker(nil)
	cases := []struct {
		role, perm string
		want       bool
	}{
		{"learner", "progress:sync", true},
		{"learner", "settings:write", true},
		{"learner", "progress:view-all", false},
		{"learner", "content:import", false},
		{"tutor", "progress:view-all", true},
		{"tutor", "progress:sync", false},
		{"admin", "content:import", true},
		{"", "content:view", false},
	}
	for _, tc := range cases {
		if got := c.Has(tc.role, tc.perm); got != tc.want {
			t.Errorf("Has(%q, %q) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
	if !c.Any("tutor", "progress:sync", "users:list") {
		t.Errorf("tutor should have one of the permissions")
	}
}

func TestRequire(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Require("progress:sync")(ok)

	for role, want := range map[string]int{
		"learner": http.StatusNoContent,
		"tutor":   http.StatusForbidden,
		"":        http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodPost, "/sync", nil)
		req = req.WithContext(WithRole(req.Context(), role))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("role %q: status %d, want %d", role, rec.Code, want)
		}
	}
}

func TestRequireOwnerOr(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	own := false
	h := RequireOwnerOr("progress:view-all", func(*http.Request) bool { return own })(ok)

	req := httptest.NewRequest(http.MethodGet, "/progress/stats?user_id=someone", nil)
	req = req.WithContext(WithRole(req.Context(), "learner"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("learner reading another user: %d", rec.Code)
	}

	own = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("learner reading own stats: %d", rec.Code)
	}
}
