// Package handlers provides REST API handlers for the local UI shell.
// Mutations commit locally first and enqueue a replayable action in the
// same transaction, so the UI never waits on the network.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/sync/queue"
)

// ProgressHandler handles local progress reads and offline-first writes.
type ProgressHandler struct {
	store *db.Store
	queue *queue.Queue
}

// NewProgressHandler creates a ProgressHandler.
func NewProgressHandler(store *db.Store, q *queue.Queue) *ProgressHandler {
	return &ProgressHandler{store: store, queue: q}
}

// Record handles POST /local/progress
// Commits the progress record locally and enqueues its delivery in one
// transaction. A quiz completion enqueues as a high-priority submission.
func (h *ProgressHandler) Record(w http.ResponseWriter, r *http.Request) {
	var rec models.ProgressRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec.Timestamp = time.Now().Unix()
	rec.Synced = false
	if err := rec.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := models.ActionProgressUpdate
	endpoint := api.EndpointProgress
	if rec.Kind == models.ProgressQuizCompletion {
		kind = models.ActionQuizSubmission
		endpoint = api.EndpointQuizzes
	}

	action, err := queue.NewAction(kind, endpoint, http.MethodPost, &rec, models.PriorityFor(kind))
	if err != nil {
		writeError(w, err)
		return
	}

	err = h.store.Update(r.Context(), func(tx *db.Tx) error {
		if err := tx.Put(r.Context(), db.CollectionProgress, rec.Key(), &rec); err != nil {
			return err
		}
		return h.queue.EnqueueTx(r.Context(), tx.Querier(), action)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "queued",
		"key":       rec.Key(),
		"action_id": action.ID,
	})
}

// List handles GET /local/progress?course_id=...
// Returns the locally stored progress records, optionally filtered by
// course.
func (h *ProgressHandler) List(w http.ResponseWriter, r *http.Request) {
	var docs []json.RawMessage
	var err error
	if courseID := r.URL.Query().Get("course_id"); courseID != "" {
		docs, err = h.store.GetByIndex(r.Context(), db.CollectionProgress, "course_id", courseID)
	} else {
		docs, err = h.store.GetAll(r.Context(), db.CollectionProgress)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := db.DecodeAll[models.ProgressRecord](docs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// Get handles GET /local/progress/{userID}/{courseID}/{moduleID}
func (h *ProgressHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := models.ProgressKey(r.PathValue("userID"), r.PathValue("courseID"), r.PathValue("moduleID"))

	var rec models.ProgressRecord
	err := h.store.Get(r.Context(), db.CollectionProgress, key, &rec)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		http.Error(w, "No progress recorded", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &rec)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an application error to an HTTP response. Storage
// exhaustion surfaces as 507 so the UI can prompt the user to free space.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrStorageFull:
		status = http.StatusInsufficientStorage
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrNetworkTimeout, apperrors.ErrNetworkUnreachable:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": err.Error(),
		"code":  string(code),
	})
}
