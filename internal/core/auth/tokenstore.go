package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore persists a single credential slot.
type TokenStore interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
}

// FileTokenStore keeps the credential in a JSON file readable only by the
// owner.
type FileTokenStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileTokenStore creates a store backed by path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Path returns the backing file path.
func (f *FileTokenStore) Path() string { return f.path }

// Save writes the credential atomically.
func (f *FileTokenStore) Save(_ context.Context, cred *Credential) error {
	if cred == nil {
		return fmt.Errorf("auth: save: credential cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("auth: create token dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal credential: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("auth: write token file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("auth: save token file: %w", err)
	}
	return nil
}

// Load reads the credential, returning ErrNoCredential when the file does not
// exist or holds no token.
func (f *FileTokenStore) Load(_ context.Context) (*Credential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("auth: read token file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("auth: parse token file %s: %w", f.path, err)
	}
	if cred.AccessToken == "" {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

// MemoryTokenStore keeps the credential in memory.
type MemoryTokenStore struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewMemoryTokenStore creates an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (m *MemoryTokenStore) Save(_ context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred == nil {
		m.cred = nil
		return nil
	}
	cp := *cred
	m.cred = &cp
	return nil
}

func (m *MemoryTokenStore) Load(_ context.Context) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return nil, ErrNoCredential
	}
	cp := *m.cred
	return &cp, nil
}
