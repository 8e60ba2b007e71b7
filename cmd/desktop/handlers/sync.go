package handlers

import (
	"net/http"

	"github.com/coursekit/coursekit/internal/sync/conflict"
	"github.com/coursekit/coursekit/internal/sync/queue"
	"github.com/coursekit/coursekit/internal/sync/scheduler"

	coresync "github.com/coursekit/coursekit/internal/sync"
)

// SyncHandler handles sync status, manual triggers, and queue inspection.
type SyncHandler struct {
	engine    *coresync.Engine
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	conflicts *conflict.Auditor
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(engine *coresync.Engine, q *queue.Queue, sched *scheduler.Scheduler, auditor *conflict.Auditor) *SyncHandler {
	return &SyncHandler{engine: engine, queue: q, scheduler: sched, conflicts: auditor}
}

// GetStatus handles GET /local/sync/status
// Returns engine state, last drain outcome, and queue statistics.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": h.engine.Status(),
	}
	if lastSync := h.engine.LastSyncAt(); !lastSync.IsZero() {
		response["last_sync"] = lastSync.Unix()
	}
	if result := h.engine.LastResult(); result != nil {
		response["last_result"] = result
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response["queue_stats"] = stats

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /local/sync/now
// Runs an immediate drain. An overlapping trigger reports 409 instead of
// starting a second drain.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result := h.scheduler.SyncNow(r.Context())
	if result.AlreadySyncing {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status": "already_syncing",
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListFailed handles GET /local/sync/failed
// Returns actions that exhausted their retry budget.
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	actions, err := h.queue.ListFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// RetryFailed handles POST /local/sync/retry-failed
// Requeues terminally failed actions with a fresh retry budget and
// triggers a drain.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	requeued, err := h.queue.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{"requeued": requeued}
	if requeued > 0 {
		result := h.scheduler.SyncNow(r.Context())
		response["drain"] = result
	}
	writeJSON(w, http.StatusOK, response)
}

// ListConflicts handles GET /local/sync/conflicts
// Returns recent last-write-wins overwrite audit entries.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.conflicts.List(r.Context(), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": entries})
}
