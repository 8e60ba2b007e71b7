// Package models provides data model definitions for the CourseKit core.
package models

import "time"

// ConflictLog records a last-write-wins overwrite of a progress record so
// the loss is visible to the user instead of silent. Written whenever a
// remote value replaces a local record carrying a newer timestamp.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	RecordKey       string `db:"record_key" json:"record_key"`
	CourseID        string `db:"course_id" json:"course_id"`
	ModuleID        string `db:"module_id" json:"module_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"` // last_write_wins
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
