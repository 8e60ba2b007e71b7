// Package conflict tests for the LWW overwrite audit trail.
package conflict

import (
	"context"
	"testing"

	"github.com/coursekit/coursekit/internal/db"
	"github.com/coursekit/coursekit/internal/models"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	return NewAuditor(database)
}

func progressAt(ts int64) *models.ProgressRecord {
	return &models.ProgressRecord{
		UserID:    "u1",
		CourseID:  "c1",
		ModuleID:  "m1",
		Kind:      models.ProgressVideo,
		Progress:  50,
		Timestamp: ts,
	}
}

// TestShouldFlag covers the newer-local-loses rule. Equal timestamps are
// not a conflict, and nil on either side never flags.
func TestShouldFlag(t *testing.T) {
	tests := []struct {
		name   string
		local  *models.ProgressRecord
		remote *models.ProgressRecord
		want   bool
	}{
		{"nil local", nil, progressAt(100), false},
		{"nil remote", progressAt(100), nil, false},
		{"local older", progressAt(100), progressAt(200), false},
		{"equal timestamps", progressAt(100), progressAt(100), false},
		{"local newer", progressAt(200), progressAt(100), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldFlag(tt.local, tt.remote); got != tt.want {
				t.Errorf("ShouldFlag() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRecordOverwrite_andList verifies an overwrite produces a retrievable
// audit row with both timestamps.
func TestRecordOverwrite_andList(t *testing.T) {
	a := newTestAuditor(t)
	ctx := context.Background()

	local := progressAt(200)
	remote := progressAt(100)
	if err := a.RecordOverwrite(ctx, local, remote); err != nil {
		t.Fatalf("RecordOverwrite() failed: %v", err)
	}

	entries, err := a.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(entries))
	}

	e := entries[0]
	if e.ID == "" {
		t.Error("entry should have an id")
	}
	if e.RecordKey != "u1/c1/m1" {
		t.Errorf("RecordKey = %q, want u1/c1/m1", e.RecordKey)
	}
	if e.LocalTimestamp != 200 || e.RemoteTimestamp != 100 {
		t.Errorf("timestamps = (%d, %d), want (200, 100)", e.LocalTimestamp, e.RemoteTimestamp)
	}
	if e.Resolution != ResolutionLastWriteWins {
		t.Errorf("Resolution = %q, want %q", e.Resolution, ResolutionLastWriteWins)
	}
	if e.DetectedAt == 0 {
		t.Error("DetectedAt should be set")
	}
}

// TestList_limit verifies the limit is applied and a non-positive limit
// falls back to the default.
func TestList_limit(t *testing.T) {
	a := newTestAuditor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := a.RecordOverwrite(ctx, progressAt(int64(200+i)), progressAt(100)); err != nil {
			t.Fatalf("RecordOverwrite() failed: %v", err)
		}
	}

	entries, err := a.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("List(2) returned %d entries, want 2", len(entries))
	}

	entries, err = a.List(ctx, 0)
	if err != nil {
		t.Fatalf("List(0) failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("List(0) returned %d entries, want all 3", len(entries))
	}
}

// TestList_empty returns no entries without error.
func TestList_empty(t *testing.T) {
	a := newTestAuditor(t)

	entries, err := a.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List() on empty log returned %d entries", len(entries))
	}
}
