package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFileStore(path, "correct horse")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	creds := Credentials{Access: "A1", Refresh: "R1"}
	if err := store.Set(creds); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetUser(&User{ID: "42", Email: "lee@example.com"}); err != nil {
		t.Fatalf("set user: %v", err)
	}

	reopened, err := NewFileStore(path, "correct horse")
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	got, ok := reopened.Get()
	if !ok || got != creds {
		t.Fatalf("expected %+v after reopen, got %+v ok=%v", creds, got, ok)
	}
	user := reopened.User()
	if user == nil || user.Email != "lee@example.com" {
		t.Fatalf("expected cached user after reopen, got %+v", user)
	}
}

func TestFileStoreRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFileStore(path, "right")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := store.Set(Credentials{Access: "A1", Refresh: "R1"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := NewFileStore(path, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestFileStoreClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFileStore(path, "pass")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := store.Set(Credentials{Access: "A1", Refresh: "R1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected token file to exist: %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected token file removed, stat err=%v", err)
	}
	if _, ok := store.Get(); ok {
		t.Fatal("expected cleared store to report no credentials")
	}

	// Clearing an already-missing file is fine.
	if err := store.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestFileStoreRejectsEmptyPassphrase(t *testing.T) {
	if _, err := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"), ""); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}
