package handlers

import (
	"net/http"
	"time"

	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/reachability"
	"github.com/coursekit/coursekit/internal/sync/queue"
)

// CoursesHandler serves the course catalog from cache with a network
// read-through while online, and handles offline-first enrollment.
type CoursesHandler struct {
	store   *db.Store
	cache   *cache.Cache
	client  *api.Client
	queue   *queue.Queue
	monitor *reachability.Monitor
}

// NewCoursesHandler creates a CoursesHandler.
func NewCoursesHandler(store *db.Store, c *cache.Cache, client *api.Client, q *queue.Queue, monitor *reachability.Monitor) *CoursesHandler {
	return &CoursesHandler{store: store, cache: c, client: client, queue: q, monitor: monitor}
}

// List handles GET /local/courses
// Serves the locally cached catalog. While online with an empty cache,
// it fetches one page and caches it first.
func (h *CoursesHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.GetAll(r.Context(), db.CollectionCourses)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(docs) == 0 && h.monitor.State().IsOnline {
		courses, err := h.client.ListCourses(r.Context(), 50, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		now := time.Now().Unix()
		for i := range courses {
			course := courses[i]
			course.CachedAt = now
			if err := h.cache.Write(r.Context(), db.CollectionCourses, course.ID.String(), cache.KindCatalog, &course); err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"courses": courses})
		return
	}

	courses, err := db.DecodeAll[models.CachedCourse](docs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"courses": courses})
}

// Get handles GET /local/courses/{courseID}
// Fresh cache hits serve directly. Expired or missing entries re-fetch
// while online; offline falls back to the stale copy with a marker
// rather than failing.
func (h *CoursesHandler) Get(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("courseID")

	var course models.CachedCourse
	err := h.cache.Read(r.Context(), db.CollectionCourses, courseID, &course)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"course": &course, "stale": false})
		return
	}
	if !apperrors.Is(err, apperrors.ErrCacheMiss) && !apperrors.Is(err, apperrors.ErrCacheExpired) {
		writeError(w, err)
		return
	}

	if h.monitor.State().IsOnline {
		fetched, fetchErr := h.client.GetCourse(r.Context(), courseID)
		if fetchErr == nil {
			fetched.CachedAt = time.Now().Unix()
			if err := h.cache.Write(r.Context(), db.CollectionCourses, courseID, cache.KindCatalog, fetched); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"course": fetched, "stale": false})
			return
		}
		if !apperrors.IsRetryable(fetchErr) {
			writeError(w, fetchErr)
			return
		}
	}

	stale, staleErr := h.cache.ReadStale(r.Context(), db.CollectionCourses, courseID, &course)
	if staleErr != nil {
		writeError(w, staleErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"course": &course, "stale": stale})
}

// Enroll handles POST /local/courses/{courseID}/enroll
// Marks the cached course enrolled immediately and queues the enrollment
// for delivery, both in one transaction.
func (h *CoursesHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("courseID")

	payload := map[string]string{"course_id": courseID}
	action, err := queue.NewAction(models.ActionEnrollment, api.EndpointEnrollments, http.MethodPost, payload, models.PriorityFor(models.ActionEnrollment))
	if err != nil {
		writeError(w, err)
		return
	}

	err = h.store.Update(r.Context(), func(tx *db.Tx) error {
		var course models.CachedCourse
		getErr := tx.Get(r.Context(), db.CollectionCourses, courseID, &course)
		if getErr != nil && !apperrors.Is(getErr, apperrors.ErrNotFound) {
			return getErr
		}
		if getErr == nil {
			course.Enrolled = true
			course.EnrollmentStatus = "pending"
			if err := tx.Put(r.Context(), db.CollectionCourses, courseID, &course); err != nil {
				return err
			}
		}
		return h.queue.EnqueueTx(r.Context(), tx.Querier(), action)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "queued",
		"course_id": courseID,
		"action_id": action.ID,
	})
}

// Enrolled handles GET /local/courses/enrolled
// Returns the cached list of enrolled courses.
func (h *CoursesHandler) Enrolled(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.GetByIndex(r.Context(), db.CollectionCourses, "enrolled", true)
	if err != nil {
		writeError(w, err)
		return
	}
	courses, err := db.DecodeAll[models.CachedCourse](docs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"courses": courses})
}
