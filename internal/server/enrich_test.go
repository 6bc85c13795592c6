package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newLogtoServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	tokenRequests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oidc/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id, secret, ok := r.BasicAuth()
		if !ok || id != "app-id" || secret != "app-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "m2m-token",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer m2m-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/users/user-123":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":           "user-123",
				"primaryEmail": "alice@example.test",
			})
		case "/api/users/no-email":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "no-email"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenRequests
}

func TestLogtoEmailLookup(t *testing.T) {
	srv, tokenRequests := newLogtoServer(t)
	lookup := NewLogtoEmailLookup(srv.URL+"/api", "app-id", "app-secret")
	ctx := context.Background()

	email, err := lookup.LookupEmail(ctx, "user-123")
	if err != nil {
		t.Fatal(err)
	}
	if email != "alice@example.test" {
		t.Fatalf("email = %q", email)
	}

	// a user without an email resolves to empty, not an error
	email, err = lookup.LookupEmail(ctx, "no-email")
	if err != nil {
		t.Fatal(err)
	}
	if email != "" {
		t.Fatalf("email = %q, want empty", email)
	}

	if _, err := lookup.LookupEmail(ctx, "missing-user"); err == nil {
		t.Fatal("expected error for unknown user")
	}

	// the M2M token is cached across lookups
	if *tokenRequests != 1 {
		t.Fatalf("token requested %d times, want 1", *tokenRequests)
	}
}

func TestLogtoEmailLookupUnreachable(t *testing.T) {
	srv, _ := newLogtoServer(t)
	srv.Close()

	lookup := NewLogtoEmailLookup(srv.URL, "app-id", "app-secret")
	if _, err := lookup.LookupEmail(context.Background(), "user-123"); err == nil {
		t.Fatal("expected error when provider is unreachable")
	}
}
