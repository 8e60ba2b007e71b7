// Package models provides data model definitions for the CourseKit core.
package models

import (
	"fmt"
	"time"
)

// ProgressKind identifies the kind of learning-progress event a record captures.
type ProgressKind string

const (
	ProgressVideo            ProgressKind = "video_progress"
	ProgressQuizCompletion   ProgressKind = "quiz_completion"
	ProgressModuleCompletion ProgressKind = "module_completion"
)

// ProgressRecord is a per-user, per-course, per-module progress snapshot.
// Exactly one current record exists per (UserID, CourseID, ModuleID); the
// store keys it by ProgressKey. Synced flips false -> true only after the
// sync engine receives a success acknowledgment.
type ProgressRecord struct {
	ID           UUID         `db:"id" json:"id"`
	UserID       string       `db:"user_id" json:"user_id"`
	CourseID     string       `db:"course_id" json:"course_id"`
	ModuleID     string       `db:"module_id" json:"module_id"`
	Kind         ProgressKind `db:"kind" json:"kind"`
	Progress     float64      `db:"progress" json:"progress"`     // 0-100
	TimeSpent    int64        `db:"time_spent" json:"time_spent"` // seconds, non-decreasing per module
	LastPosition *float64     `db:"last_position" json:"last_position,omitempty"`
	Completed    bool         `db:"completed" json:"completed"`
	Timestamp    int64        `db:"timestamp" json:"timestamp"`
	Synced       bool         `db:"synced" json:"synced"`
}

// TableName returns the table name for ProgressRecord.
func (ProgressRecord) TableName() string {
	return "progress"
}

// ProgressKey builds the store key for the current record of a module.
func ProgressKey(userID, courseID, moduleID string) string {
	return fmt.Sprintf("%s/%s/%s", userID, courseID, moduleID)
}

// Key returns the store key for this record.
func (p *ProgressRecord) Key() string {
	return ProgressKey(p.UserID, p.CourseID, p.ModuleID)
}

// Time returns the Timestamp as time.Time.
func (p *ProgressRecord) Time() time.Time {
	return time.Unix(p.Timestamp, 0)
}

// Validate checks the record's internal invariants.
func (p *ProgressRecord) Validate() error {
	if p.UserID == "" || p.CourseID == "" || p.ModuleID == "" {
		return fmt.Errorf("progress record requires user, course and module ids")
	}
	if p.Progress < 0 || p.Progress > 100 {
		return fmt.Errorf("progress must be within [0,100], got %v", p.Progress)
	}
	if p.TimeSpent < 0 {
		return fmt.Errorf("timeSpent must be non-negative, got %d", p.TimeSpent)
	}
	return nil
}
