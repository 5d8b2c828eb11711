package httprpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignServiceTokenIsAcceptedByMiddleware(t *testing.T) {
	cfg := AuthConfig{Secret: "shared-secret"}
	token, err := SignServiceToken(cfg, "node-a")
	if err != nil {
		t.Fatalf("SignServiceToken: %v", err)
	}

	var gotUserID string
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := FromContext(r.Context())
		if !ok {
			t.Fatalf("expected RequestContext in request context")
		}
		gotUserID = rc.UserID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rpc/GetHashring", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUserID != "node-a" {
		t.Fatalf("expected RequestContext.UserID=node-a, got %q", gotUserID)
	}
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	token, err := SignServiceToken(AuthConfig{Secret: "secret-a"}, "node-a")
	if err != nil {
		t.Fatalf("SignServiceToken: %v", err)
	}

	handler := Middleware(AuthConfig{Secret: "secret-b"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run with a token signed under a different secret")
	}))

	req := httptest.NewRequest(http.MethodGet, "/rpc/GetHashring", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
