package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// FileStore persists credentials across runs in a sealed file: the payload is
// JSON encrypted with XChaCha20-Poly1305 under an Argon2id-derived master key.
// It is the desktop analogue of the portal's browser-local credential storage.
type FileStore struct {
	path      string
	salt      []byte
	masterKey []byte

	mu    sync.RWMutex
	creds Credentials
	user  *User
}

const (
	fileVersion    = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrInvalidPass = errors.New("invalid passphrase")
	ErrCorruptFile = errors.New("corrupted token file")
)

type tokenFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedTokens struct {
	Credentials Credentials `json:"credentials"`
	User        *User       `json:"user,omitempty"`
}

// NewFileStore opens (or prepares to create) a token file at path. An existing
// file is decrypted immediately; a missing file is created on the first Set.
func NewFileStore(path, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}

	s := &FileStore{path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return nil, fmt.Errorf("generate salt: %w", err)
			}
			s.salt = salt
			s.masterKey = deriveMasterKey(passphrase, salt)
			return s, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var file tokenFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode token file: %w", ErrCorruptFile)
	}
	if file.Version != fileVersion {
		return nil, fmt.Errorf("unsupported token file version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrCorruptFile)
	}

	master := deriveMasterKey(passphrase, salt)
	payload, err := openTokens(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return nil, err
	}

	s.salt = salt
	s.masterKey = master
	s.creds = payload.Credentials
	s.user = payload.User
	return s, nil
}

// Path returns the backing file path (primarily for logging and tests).
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the stored credentials; ok is false when no access credential is held.
func (s *FileStore) Get() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.creds.Valid()
}

// Set replaces the credential pair and persists the file.
func (s *FileStore) Set(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	return s.persist()
}

// Clear drops credentials and the cached user, removing the backing file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	s.user = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// User returns a copy of the cached user record, or nil.
func (s *FileStore) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	cp := *s.user
	return &cp
}

// SetUser caches the user record and persists the file.
func (s *FileStore) SetUser(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == nil {
		s.user = nil
	} else {
		cp := *user
		s.user = &cp
	}
	return s.persist()
}

func (s *FileStore) persist() error {
	if len(s.masterKey) == 0 || len(s.salt) == 0 {
		return ErrInvalidPass
	}

	nonce, ciphertext, err := sealTokens(s.masterKey, sealedTokens{
		Credentials: s.creds,
		User:        s.user,
	})
	if err != nil {
		return err
	}

	payload := tokenFile{
		Version:    fileVersion,
		Salt:       base64.StdEncoding.EncodeToString(s.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create token directory: %w", err)
	}
	return os.WriteFile(s.path, serialized, 0o600)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealTokens(masterKey []byte, payload sealedTokens) ([]byte, []byte, error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tokens: %w", err)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)
	return nonce, ciphertext, nil
}

func openTokens(masterKey, nonce, ciphertext []byte) (sealedTokens, error) {
	if len(nonce) != nonceSize {
		return sealedTokens{}, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return sealedTokens{}, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return sealedTokens{}, fmt.Errorf("decrypt tokens: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedTokens
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return sealedTokens{}, fmt.Errorf("unmarshal tokens: %w", ErrCorruptFile)
	}
	return payload, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
