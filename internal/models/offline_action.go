// Package models provides data model definitions for the CourseKit core.
package models

import (
	"encoding/json"
	"time"
)

// ActionKind identifies the kind of mutation an OfflineAction carries.
type ActionKind string

const (
	ActionEnrollment     ActionKind = "enrollment"
	ActionProgressUpdate ActionKind = "progress_update"
	ActionQuizSubmission ActionKind = "quiz_submission"
	ActionProfileUpdate  ActionKind = "profile_update"
)

// Action priorities. Lower value syncs first.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// ActionStatus is the queue lifecycle state of an OfflineAction.
type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusInFlight ActionStatus = "in_flight"
	// ActionStatusFailed is terminal: the action exhausted its retries or was
	// rejected by the remote authority. Failed rows are kept for the status
	// surface but are never redelivered.
	ActionStatusFailed ActionStatus = "failed"
)

// OfflineAction is a durable mutation intent recorded while the client
// cannot (or chooses not to) talk to the remote authority directly.
type OfflineAction struct {
	ID         UUID            `db:"id" json:"id"`
	Kind       ActionKind      `db:"kind" json:"kind"`
	Endpoint   string          `db:"endpoint" json:"endpoint"`
	Method     string          `db:"method" json:"method"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Priority   int             `db:"priority" json:"priority"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
	Status     ActionStatus    `db:"status" json:"status"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for OfflineAction.
func (OfflineAction) TableName() string {
	return "offline_actions"
}

// MaxRetriesFor derives the retry budget from an action's priority.
// High-priority actions get a larger budget.
func MaxRetriesFor(priority int) int {
	if priority == PriorityHigh {
		return 5
	}
	return 3
}

// PriorityFor returns the default priority for an action kind.
func PriorityFor(kind ActionKind) int {
	switch kind {
	case ActionEnrollment:
		return PriorityHigh
	case ActionProgressUpdate, ActionQuizSubmission:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// CreatedAtTime returns CreatedAt as time.Time.
func (a *OfflineAction) CreatedAtTime() time.Time {
	return time.Unix(a.CreatedAt, 0)
}
