// Package models provides data model definitions for the CourseKit core.
package models

import "time"

// CourseModule is one node of a course content tree.
type CourseModule struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Kind        string         `json:"kind"` // video, reading, quiz
	DurationSec int64          `json:"duration_sec,omitempty"`
	Position    int            `json:"position"`
	VideoURL    string         `json:"video_url,omitempty"`
	Children    []CourseModule `json:"children,omitempty"`
}

// CachedCourse is a denormalized, read-optimized snapshot of a course.
// It is a copy, never a source of truth: a fresh fetch always replaces it
// wholesale (last-write-wins by fetch time, no content merge).
type CachedCourse struct {
	ID               UUID           `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Category         string         `json:"category,omitempty"`
	Modules          []CourseModule `json:"modules,omitempty"`
	Enrolled         bool           `json:"enrolled"`
	EnrollmentStatus string         `json:"enrollment_status,omitempty"` // active, completed, pending
	LastAccessedAt   int64          `json:"last_accessed_at,omitempty"`
	CachedAt         int64          `json:"cached_at"`
}

// TableName returns the store collection for CachedCourse.
func (CachedCourse) TableName() string {
	return "courses"
}

// CachedAtTime returns CachedAt as time.Time.
func (c *CachedCourse) CachedAtTime() time.Time {
	return time.Unix(c.CachedAt, 0)
}
