package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// KeyClientID is the key the client id is stored under.
const KeyClientID = "client_id"

// Store is a small JSON key-value file. The client id is created on the
// first read miss and never rotated.
type Store struct {
	path string

	mu       sync.Mutex
	clientID string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// ClientID returns the persisted client id, creating it when absent.
func (s *Store) ClientID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientID != "" {
		return s.clientID, nil
	}

	values, err := s.load()
	if err != nil {
		return "", err
	}
	if id := values[KeyClientID]; id != "" {
		s.clientID = id
		return id, nil
	}

	id := uuid.NewString()
	values[KeyClientID] = id
	if err := s.save(values); err != nil {
		return "", err
	}
	s.clientID = id
	return id, nil
}

// load reads every key so unrelated entries survive a save.
func (s *Store) load() (map[string]string, error) {
	values := make(map[string]string)
	if s.path == "" {
		return values, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, fmt.Errorf("read identity: %w", err)
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", s.path, err)
	}
	return values, nil
}

func (s *Store) save(values map[string]string) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}
