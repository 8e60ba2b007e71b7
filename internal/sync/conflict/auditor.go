// Package conflict surfaces last-write-wins overwrites during sync.
// The core keeps LWW semantics for progress records, but an overwrite of
// a local record that is newer than the winning remote value is recorded
// here instead of happening silently.
package conflict

import (
	"context"
	"time"

	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/uuid"
)

// ResolutionLastWriteWins is the only strategy the core applies.
const ResolutionLastWriteWins = "last_write_wins"

// Auditor records LWW overwrites in the conflict_log table.
type Auditor struct {
	database *db.DB
}

// NewAuditor creates an Auditor over the given database.
func NewAuditor(database *db.DB) *Auditor {
	return &Auditor{database: database}
}

// ShouldFlag reports whether replacing local with remote loses a newer
// local edit. Equal timestamps are not a conflict.
func ShouldFlag(local, remote *models.ProgressRecord) bool {
	if local == nil || remote == nil {
		return false
	}
	return local.Timestamp > remote.Timestamp
}

// RecordOverwrite writes an audit row for a remote value replacing a
// newer local progress record.
func (a *Auditor) RecordOverwrite(ctx context.Context, local, remote *models.ProgressRecord) error {
	entry := &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		RecordKey:       local.Key(),
		CourseID:        local.CourseID,
		ModuleID:        local.ModuleID,
		LocalTimestamp:  local.Timestamp,
		RemoteTimestamp: remote.Timestamp,
		Resolution:      ResolutionLastWriteWins,
		DetectedAt:      time.Now().Unix(),
	}

	_, err := a.database.ExecContext(ctx, `
		INSERT INTO conflict_log (id, record_key, course_id, module_id,
			local_timestamp, remote_timestamp, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RecordKey, entry.CourseID, entry.ModuleID,
		entry.LocalTimestamp, entry.RemoteTimestamp, entry.Resolution, entry.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to record conflict", err)
	}

	logging.Warn("Remote value overwrote newer local progress", map[string]interface{}{
		"record_key":       entry.RecordKey,
		"local_timestamp":  entry.LocalTimestamp,
		"remote_timestamp": entry.RemoteTimestamp,
	})
	return nil
}

// List returns the most recent audit entries.
func (a *Auditor) List(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := a.database.QueryContext(ctx, `
		SELECT id, record_key, course_id, module_id, local_timestamp,
		       remote_timestamp, resolution, detected_at
		FROM conflict_log ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to list conflicts", err)
	}
	defer rows.Close()

	var entries []*models.ConflictLog
	for rows.Next() {
		var e models.ConflictLog
		if err := rows.Scan(&e.ID, &e.RecordKey, &e.CourseID, &e.ModuleID,
			&e.LocalTimestamp, &e.RemoteTimestamp, &e.Resolution, &e.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to scan conflict", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
