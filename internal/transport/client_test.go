package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atlashr/portal-client/internal/auth"
)

func TestLoginResponseVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"flat", `{"access":"A1","refresh":"R1","user":{"id":3,"email":"kim@example.com"}}`},
		{"tokens envelope", `{"tokens":{"access":"A1","refresh":"R1"},"user":{"id":3,"email":"kim@example.com"}}`},
		{"token aliases", `{"access_token":"A1","refresh_token":"R1","user":{"id":3,"email":"kim@example.com"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/login/" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if r.Header.Get("Authorization") != "" {
					t.Error("login must not carry authorization")
				}
				var req LoginRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
					t.Errorf("bad login body: %v", err)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			store := auth.NewMemoryStore()
			client := newTestClient(t, srv.URL, store, nil)

			creds, user, err := client.Login(context.Background(), LoginRequest{
				Email:    "kim@example.com",
				Password: "secret",
			})
			if err != nil {
				t.Fatalf("login: %v", err)
			}
			if creds.Access != "A1" || creds.Refresh != "R1" {
				t.Fatalf("expected A1/R1, got %+v", creds)
			}
			if user == nil || user.Email != "kim@example.com" {
				t.Fatalf("expected user record, got %+v", user)
			}

			stored, ok := store.Get()
			if !ok || stored != creds {
				t.Fatalf("expected credentials stored, got %+v ok=%v", stored, ok)
			}
			if cached := store.User(); cached == nil || cached.Email != "kim@example.com" {
				t.Fatalf("expected user cached, got %+v", cached)
			}
		})
	}
}

func TestLoginMissingAccessFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user":{"id":3}}`))
	}))
	defer srv.Close()

	store := auth.NewMemoryStore()
	client := newTestClient(t, srv.URL, store, nil)

	if _, _, err := client.Login(context.Background(), LoginRequest{Email: "x", Password: "y"}); err == nil {
		t.Fatal("expected error for login response without tokens")
	}
	if _, ok := store.Get(); ok {
		t.Fatal("expected store untouched after failed login")
	}
}

func TestLogoutRevokesAndClears(t *testing.T) {
	var revoked string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/logout/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		revoked = body["refresh"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := auth.NewMemoryStore()
	store.Set(auth.Credentials{Access: "A1", Refresh: "R1"})
	client := newTestClient(t, srv.URL, store, nil)

	if err := client.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if revoked != "R1" {
		t.Fatalf("expected refresh R1 revoked, got %q", revoked)
	}
	if _, ok := store.Get(); ok {
		t.Fatal("expected store cleared after logout")
	}
}

func TestLogoutClearsEvenWhenRevokeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := auth.NewMemoryStore()
	store.Set(auth.Credentials{Access: "A1", Refresh: "R1"})
	client := newTestClient(t, srv.URL, store, nil)

	if err := client.Logout(context.Background()); err == nil {
		t.Fatal("expected revoke error surfaced")
	}
	if _, ok := store.Get(); ok {
		t.Fatal("expected store cleared despite revoke failure")
	}
}

func TestProfileCachesUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A1" {
			t.Errorf("expected bearer, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":9,"email":"ash@example.com","role":"manager"}`))
	}))
	defer srv.Close()

	store := auth.NewMemoryStore()
	store.Set(auth.Credentials{Access: "A1", Refresh: "R1"})
	client := newTestClient(t, srv.URL, store, nil)

	user, err := client.Profile(context.Background())
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if user.Role != "manager" {
		t.Fatalf("expected role manager, got %+v", user)
	}
	if cached := store.User(); cached == nil || cached.Email != "ash@example.com" {
		t.Fatalf("expected cached user, got %+v", cached)
	}
}
