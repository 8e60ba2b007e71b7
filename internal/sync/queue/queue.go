// Package queue provides the durable queue of pending offline mutations.
// Actions are persisted before Enqueue returns, claimed in strict
// priority-then-creation order, and retried with a per-priority budget.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/uuid"
)

// Queue manages the offline_actions table. Claim transitions run as
// guarded single statements, so no action can have more than one delivery
// attempt in flight at a time.
type Queue struct {
	database *db.DB
}

// New creates a Queue over the given database.
func New(database *db.DB) *Queue {
	return &Queue{database: database}
}

// NewAction builds an OfflineAction with generated id, timestamps and the
// retry budget derived from its priority. The payload must marshal to
// JSON; callers are responsible for making it idempotent server-side.
func NewAction(kind models.ActionKind, endpoint, method string, payload any, priority int) (*models.OfflineAction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to encode action payload", err)
	}
	if priority < models.PriorityHigh || priority > models.PriorityLow {
		priority = models.PriorityFor(kind)
	}
	now := time.Now().Unix()
	return &models.OfflineAction{
		ID:         models.UUID(uuid.New()),
		Kind:       kind,
		Endpoint:   endpoint,
		Method:     method,
		Payload:    body,
		Priority:   priority,
		RetryCount: 0,
		MaxRetries: models.MaxRetriesFor(priority),
		Status:     models.ActionStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Enqueue durably persists the action before returning. A storage-full
// error blocks the enqueue and surfaces with the STORAGE_FULL code.
func (q *Queue) Enqueue(ctx context.Context, action *models.OfflineAction) error {
	return q.EnqueueTx(ctx, q.database, action)
}

// EnqueueTx persists the action through the given querier. Passing a store
// transaction (Tx.Querier) makes the optimistic local write and the queue
// entry commit atomically.
func (q *Queue) EnqueueTx(ctx context.Context, querier db.DBTX, action *models.OfflineAction) error {
	query := `
	INSERT INTO offline_actions (id, kind, endpoint, method, payload, priority,
		retry_count, max_retries, status, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := querier.ExecContext(ctx, query,
		action.ID, action.Kind, action.Endpoint, action.Method, string(action.Payload),
		action.Priority, action.RetryCount, action.MaxRetries, action.Status,
		action.LastError, action.CreatedAt, action.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to enqueue action", err)
	}

	logging.Debug("Enqueued offline action", map[string]interface{}{
		"action_id": action.ID.String(),
		"kind":      string(action.Kind),
		"priority":  action.Priority,
	})
	return nil
}

// DequeueBatch claims up to n pending actions in priority-then-creation
// order and marks them in flight. Claimed actions stay in the table until
// Ack or MarkFailed decides their fate.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]*models.OfflineAction, error) {
	if n < 1 {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("batch size must be >= 1, got %d", n))
	}

	tx, err := q.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to begin dequeue", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, endpoint, method, payload, priority, retry_count,
		       max_retries, status, last_error, created_at, updated_at
		FROM offline_actions
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`, models.ActionStatusPending, n)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to select pending actions", err)
	}
	actions, err := scanActions(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	for _, action := range actions {
		res, err := tx.ExecContext(ctx,
			"UPDATE offline_actions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
			models.ActionStatusInFlight, now, action.ID, models.ActionStatusPending)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to claim action", err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return nil, apperrors.New(apperrors.ErrQueueCorrupt, fmt.Sprintf("action %s vanished during claim", action.ID))
		}
		action.Status = models.ActionStatusInFlight
		action.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to commit dequeue", err)
	}
	return actions, nil
}

// Ack removes a delivered action from the queue.
func (q *Queue) Ack(ctx context.Context, id models.UUID) error {
	res, err := q.database.ExecContext(ctx, "DELETE FROM offline_actions WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to ack action", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %s not found", id))
	}
	return nil
}

// MarkFailed records a delivery failure. Under the retry budget the action
// returns to pending; at the budget it transitions to the terminal failed
// status and is reported, never redelivered. Returns true when the action
// was dropped.
func (q *Queue) MarkFailed(ctx context.Context, id models.UUID, cause error) (bool, error) {
	action, err := q.get(ctx, id)
	if err != nil {
		return false, err
	}

	action.RetryCount++
	action.LastError = ""
	if cause != nil {
		action.LastError = cause.Error()
	}
	now := time.Now().Unix()

	if action.RetryCount >= action.MaxRetries {
		_, err := q.database.ExecContext(ctx,
			"UPDATE offline_actions SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?",
			models.ActionStatusFailed, action.RetryCount, action.LastError, now, id)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to drop action", err)
		}
		logging.ErrorWithCode("Offline action dropped after retry exhaustion",
			string(apperrors.ErrRetryExhausted), cause, map[string]interface{}{
				"action_id":   id.String(),
				"kind":        string(action.Kind),
				"retry_count": action.RetryCount,
			})
		return true, nil
	}

	_, err = q.database.ExecContext(ctx,
		"UPDATE offline_actions SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?",
		models.ActionStatusPending, action.RetryCount, action.LastError, now, id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to requeue action", err)
	}
	return false, nil
}

// Drop terminally fails an action regardless of its retry budget. Used for
// authoritative rejections, where retrying can never succeed.
func (q *Queue) Drop(ctx context.Context, id models.UUID, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	res, err := q.database.ExecContext(ctx,
		"UPDATE offline_actions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		models.ActionStatusFailed, lastError, time.Now().Unix(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to drop action", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %s not found", id))
	}
	return nil
}

// Release returns an in-flight action to pending without consuming a
// retry. Used when a drain aborts before attempting delivery.
func (q *Queue) Release(ctx context.Context, id models.UUID) error {
	_, err := q.database.ExecContext(ctx,
		"UPDATE offline_actions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		models.ActionStatusPending, time.Now().Unix(), id, models.ActionStatusInFlight)
	if err != nil {
		return apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to release action", err)
	}
	return nil
}

// RequeueStale returns in-flight actions older than staleAfter to pending.
// Run at startup so a crash mid-drain cannot strand claimed actions.
func (q *Queue) RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter).Unix()
	res, err := q.database.ExecContext(ctx,
		"UPDATE offline_actions SET status = ?, updated_at = ? WHERE status = ? AND updated_at <= ?",
		models.ActionStatusPending, time.Now().Unix(), models.ActionStatusInFlight, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to requeue stale actions", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		logging.Warn("Requeued stale in-flight actions", map[string]interface{}{"count": affected})
	}
	return int(affected), nil
}

// RetryFailed resets terminally failed actions to pending with a fresh
// retry budget. User-triggered.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	res, err := q.database.ExecContext(ctx,
		"UPDATE offline_actions SET status = ?, retry_count = 0, last_error = '', updated_at = ? WHERE status = ?",
		models.ActionStatusPending, time.Now().Unix(), models.ActionStatusFailed)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to retry failed actions", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ListFailed returns terminally failed actions for the status surface, so
// dropped work is distinguishable from synced work.
func (q *Queue) ListFailed(ctx context.Context) ([]*models.OfflineAction, error) {
	rows, err := q.database.QueryContext(ctx, `
		SELECT id, kind, endpoint, method, payload, priority, retry_count,
		       max_retries, status, last_error, created_at, updated_at
		FROM offline_actions WHERE status = ? ORDER BY updated_at DESC`,
		models.ActionStatusFailed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to list failed actions", err)
	}
	return scanActions(rows)
}

// PendingCount returns the number of actions still awaiting delivery.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.database.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM offline_actions WHERE status IN (?, ?)",
		models.ActionStatusPending, models.ActionStatusInFlight).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to count pending actions", err)
	}
	return n, nil
}

// Stats returns queue counters keyed by status.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.database.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM offline_actions GROUP BY status")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to compute queue stats", err)
	}
	defer rows.Close()

	stats := map[string]int{
		string(models.ActionStatusPending):  0,
		string(models.ActionStatusInFlight): 0,
		string(models.ActionStatusFailed):   0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to scan queue stats", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (q *Queue) get(ctx context.Context, id models.UUID) (*models.OfflineAction, error) {
	row := q.database.QueryRowContext(ctx, `
		SELECT id, kind, endpoint, method, payload, priority, retry_count,
		       max_retries, status, last_error, created_at, updated_at
		FROM offline_actions WHERE id = ?`, id)
	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("action %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to load action", err)
	}
	return action, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*models.OfflineAction, error) {
	var a models.OfflineAction
	var payload string
	err := row.Scan(&a.ID, &a.Kind, &a.Endpoint, &a.Method, &payload, &a.Priority,
		&a.RetryCount, &a.MaxRetries, &a.Status, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	return &a, nil
}

func scanActions(rows *sql.Rows) ([]*models.OfflineAction, error) {
	defer rows.Close()
	var actions []*models.OfflineAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ClassifyStorageErr(err), "failed to scan action", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}
