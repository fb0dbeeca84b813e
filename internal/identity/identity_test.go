package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	t.Run("rejects requests without user header", func(t *testing.T) {
		handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("inner handler should not be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/cart", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rec.Code)
		}
	})

	t.Run("puts user id into context", func(t *testing.T) {
		var got string
		handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = FromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/cart", nil)
		req.Header.Set("X-User-ID", "user-42")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if got != "user-42" {
			t.Errorf("expected user-42 in context, got %q", got)
		}
	})
}

func TestFromContextMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, ok := FromContext(req.Context()); ok {
		t.Error("expected no user id in fresh context")
	}
}
