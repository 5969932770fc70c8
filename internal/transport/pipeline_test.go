package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atlashr/portal-client/internal/auth"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

func newTestPipeline(t *testing.T, baseURL string, store auth.Store) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		Log:     zaptest.NewLogger(t),
		BaseURL: baseURL,
		Store:   store,
		Metrics: NewMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestURLNormalization(t *testing.T) {
	cases := []struct {
		base string
		path string
		want string
	}{
		{"http://host/api", "/auth/login/", "http://host/api/auth/login/"},
		{"http://host/api/", "/auth/login/", "http://host/api/auth/login/"},
		{"http://host/api", "/api/chat/messages/", "http://host/api/chat/messages/"},
		{"http://host", "/api/chat/messages/", "http://host/api/chat/messages/"},
		{"http://host/", "auth/login/", "http://host/auth/login/"},
	}

	store := auth.NewMemoryStore()
	for _, tc := range cases {
		p := newTestPipeline(t, tc.base, store)
		if got := p.URL(tc.path); got != tc.want {
			t.Fatalf("URL(%q) with base %q = %q, want %q", tc.path, tc.base, got, tc.want)
		}
	}
}

func TestDoAttachesBearerAndContentType(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := auth.NewMemoryStore()
	store.Set(auth.Credentials{Access: "A1", Refresh: "R1"})
	p := newTestPipeline(t, srv.URL, store)

	raw, err := p.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/things/",
		Body:   map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotAuth != "Bearer A1" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected json content type, got %q", gotContentType)
	}
	var parsed map[string]bool
	if err := json.Unmarshal(raw, &parsed); err != nil || !parsed["ok"] {
		t.Fatalf("expected parsed body, got %s err=%v", raw, err)
	}
}

func TestDoSkipsBearerWithoutAccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, auth.NewMemoryStore())
	raw, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/things/"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil body for 204, got %s", raw)
	}
	if gotAuth != "" {
		t.Fatalf("expected no Authorization header, got %q", gotAuth)
	}
}

func TestDoMultipartKeepsBoundary(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("category") != "travel" {
			t.Errorf("expected form field, got %q", r.FormValue("category"))
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, auth.NewMemoryStore())
	_, err := p.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/expenses/",
		Form: &MultipartForm{
			Fields: map[string]string{"category": "travel"},
			Files:  []FormFile{{Field: "receipt", Name: "receipt.pdf", Content: []byte("%PDF-")}},
		},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data; boundary=") {
		t.Fatalf("expected multipart content type with boundary, got %q", gotContentType)
	}
}

func TestAPIErrorMessageExtraction(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"detail":"leave overlaps an approved request"}`, "leave overlaps an approved request"},
		{`{"message":"amount required"}`, "amount required"},
		{`{"fields":{"amount":["required"]}}`, "Bad Request"},
		{`not json`, "Bad Request"},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(tc.body))
		}))
		p := newTestPipeline(t, srv.URL, auth.NewMemoryStore())

		_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x/"})
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.Status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", apiErr.Status)
		}
		if apiErr.Message != tc.want {
			t.Fatalf("body %q: expected message %q, got %q", tc.body, tc.want, apiErr.Message)
		}
	}
}

func TestDoNonJSONSuccessBodyIsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL, auth.NewMemoryStore())
	raw, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping/"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil for non-JSON body, got %s", raw)
	}
}
