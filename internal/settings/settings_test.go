// Package settings tests for the JSON preference slot.
package settings

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen_emptyDir starts with zero values when no file exists.
func TestOpen_emptyDir(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if s.Get() != (Values{}) {
		t.Errorf("Get() = %+v, want zero values", s.Get())
	}
}

// TestSetPersistsAcrossReopen verifies writes survive a restart.
func TestSetPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	err = s.Set(func(v *Values) {
		v.Theme = "dark"
		v.Language = "de"
		v.CurrentUserID = "u1"
		v.UserRole = "student"
	})
	if err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	got := reopened.Get()
	if got.Theme != "dark" || got.Language != "de" || got.CurrentUserID != "u1" || got.UserRole != "student" {
		t.Errorf("reopened values = %+v", got)
	}
}

// TestSet_partialMutation verifies untouched fields keep their values.
func TestSet_partialMutation(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Set(func(v *Values) { v.Theme = "dark" }); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(func(v *Values) { v.Language = "fr" }); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	got := s.Get()
	if got.Theme != "dark" || got.Language != "fr" {
		t.Errorf("Get() = %+v, want theme and language both set", got)
	}
}

// TestOpen_corruptFileResets verifies a corrupt file does not block startup.
func TestOpen_corruptFileResets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() with corrupt file failed: %v", err)
	}
	if s.Get() != (Values{}) {
		t.Errorf("Get() = %+v, want reset to zero values", s.Get())
	}
}

// TestReset clears and persists.
func TestReset(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Set(func(v *Values) { v.Theme = "dark" }); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if reopened.Get() != (Values{}) {
		t.Errorf("Get() after Reset() = %+v, want zero values", reopened.Get())
	}
}

// TestSet_noTempFileLeftBehind verifies the atomic rewrite cleans up.
func TestSet_noTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Set(func(v *Values) { v.Theme = "light" }); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, fileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not remain after a successful write")
	}
}
