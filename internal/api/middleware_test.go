package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// ── Identity ─────────────────────────────────────────────────────────

func TestIdentity(t *testing.T) {
	var gotUser string
	var gotAdmin bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r)
		gotAdmin = IsAdmin(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := Identity(next)

	t.Run("missing_user_rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("user_propagated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", "alice")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if gotUser != "alice" || gotAdmin {
			t.Errorf("identity = (%q, admin=%v), want (alice, false)", gotUser, gotAdmin)
		}
	})

	t.Run("admin_role", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", "root")
		req.Header.Set("X-User-Role", "admin")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if !gotAdmin {
			t.Error("admin role not recognized")
		}
	})

	t.Run("other_role_not_admin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", "bob")
		req.Header.Set("X-User-Role", "reviewer")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if gotAdmin {
			t.Error("non-admin role treated as admin")
		}
	})
}

// ── BearerAuth ───────────────────────────────────────────────────────

func TestBearerAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("no_token_configured_passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("")(next).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("valid_token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		rec := httptest.NewRecorder()
		BearerAuth("sekrit")(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("wrong_token_rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		BearerAuth("sekrit")(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing_header_rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("sekrit")(next).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}
