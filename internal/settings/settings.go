// Package settings holds the lightweight preference slot: theme,
// language, and the current session identity. These survive restarts but
// are not part of the transactional store; they live in a JSON file that
// is read once at startup and rewritten atomically on change.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/logging"
)

const fileName = "settings.json"

// Values is the persisted preference set.
type Values struct {
	Theme         string `json:"theme,omitempty"`
	Language      string `json:"language,omitempty"`
	CurrentUserID string `json:"current_user_id,omitempty"`
	UserRole      string `json:"user_role,omitempty"`
}

// Store reads and writes the settings file.
type Store struct {
	mu     sync.Mutex
	path   string
	values Values
}

// Open loads the settings file from dataDir, starting empty when the
// file does not exist yet. A corrupt file is logged and reset rather
// than blocking startup.
func Open(dataDir string) (*Store, error) {
	s := &Store{path: filepath.Join(dataDir, fileName)}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read settings file", err)
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		logging.Warn("Settings file corrupt, resetting", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
		s.values = Values{}
	}
	return s, nil
}

// Get returns the current values.
func (s *Store) Get() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values
}

// Set applies a mutation and persists the result atomically.
func (s *Store) Set(mutate func(*Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.values
	mutate(&next)

	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// Reset clears all values and persists the empty slot.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(Values{}); err != nil {
		return err
	}
	s.values = Values{}
	return nil
}

// write renames a fully-written temp file over the target so a crash
// mid-write can never leave a half-written settings file.
func (s *Store) write(values Values) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode settings", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to write settings file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to replace settings file", err)
	}
	return nil
}
