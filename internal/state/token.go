// internal/state/token.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore keeps session tokens in tokens.json, readable by the owner only.
type TokenStore struct {
	root string
	mu   sync.Mutex
}

// NewTokenStore creates a new file-backed TokenStore rooted at the given directory.
func NewTokenStore(root string) *TokenStore {
	return &TokenStore{root: root}
}

func (s *TokenStore) path() string {
	return filepath.Join(s.root, "tokens.json")
}

func (s *TokenStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	tokens := make(map[string]string)
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("unmarshal tokens: %w", err)
	}
	return tokens, nil
}

func (s *TokenStore) save(tokens map[string]string) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	return writeFileAtomic(s.path(), data, 0o600)
}

// Load returns the stored token for username, or "" if there is none.
func (s *TokenStore) Load(_ context.Context, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return "", err
	}
	return tokens[username], nil
}

// Save stores token for username.
func (s *TokenStore) Save(_ context.Context, username, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return err
	}
	tokens[username] = token
	return s.save(tokens)
}

// Delete forgets the token for username.
func (s *TokenStore) Delete(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := tokens[username]; !ok {
		return nil
	}
	delete(tokens, username)
	return s.save(tokens)
}
