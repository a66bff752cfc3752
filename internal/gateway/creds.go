package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const credsFileName = "creds.json"

// credStore keeps the gateway-issued credentials of one session in its
// storage directory, so a restarted bridge resumes without a new QR scan.
type credStore struct {
	dir string

	mu      sync.Mutex
	current json.RawMessage
}

func newCredStore(dir string) *credStore {
	return &credStore{dir: dir}
}

func (s *credStore) Path() string {
	return filepath.Join(s.dir, credsFileName)
}

// Load reads saved credentials. A missing file means the session has never
// paired and yields nil credentials.
func (s *credStore) Load() (json.RawMessage, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("credentials file is not valid JSON")
	}

	s.mu.Lock()
	s.current = data
	s.mu.Unlock()
	return data, nil
}

// Current returns the most recently loaded or saved credentials.
func (s *credStore) Current() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Save writes credentials using an atomic temp-file-then-rename pattern.
func (s *credStore) Save(raw json.RawMessage) error {
	if !json.Valid(raw) {
		return errors.New("credentials are not valid JSON")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".creds-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming credentials file: %w", err)
	}
	committed = true

	s.mu.Lock()
	s.current = append(json.RawMessage(nil), raw...)
	s.mu.Unlock()
	return nil
}
