// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libcoursekit.so (Android) / coursekit.framework (iOS).
// The mobile shell reports connectivity through SetNetworkState and reads
// JSON results; every returned string must be released with FreeString.
package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/reachability"
	coresync "github.com/coursekit/coursekit/internal/sync"
	"github.com/coursekit/coursekit/internal/sync/conflict"
	"github.com/coursekit/coursekit/internal/sync/queue"
	"github.com/coursekit/coursekit/internal/sync/scheduler"
)

var (
	once        sync.Once
	initialized atomic.Bool
	database    *db.DB
	store       *db.Store
	actions     *queue.Queue
	ttlCache    *cache.Cache
	engine      *coresync.Engine
	monitor     *reachability.Monitor
	signal      *reachability.HostSignal
	sched       *scheduler.Scheduler

	lastErr string
	lastMu  sync.RWMutex
)

//export Init
// Init initializes the CourseKit core. Returns 0 on success, including
// when the core is already initialized; a failed first call is sticky.
func Init(dataDir, apiURL, authToken *C.char) int32 {
	once.Do(func() {
		var err error
		database, err = db.Open(C.GoString(dataDir))
		if err != nil {
			setLastError(fmt.Sprintf("Failed to open database: %v", err))
			return
		}

		migrator := db.NewMigrator(database.DB)
		if err := migrator.Initialize(); err != nil {
			setLastError(fmt.Sprintf("Failed to initialize migrator: %v", err))
			return
		}
		if err := migrator.Up(); err != nil {
			setLastError(fmt.Sprintf("Failed to apply migrations: %v", err))
			return
		}

		store, err = db.NewStore(database, db.DefaultSchemas())
		if err != nil {
			setLastError(fmt.Sprintf("Failed to open document store: %v", err))
			return
		}

		client := api.NewClient(C.GoString(apiURL), C.GoString(authToken))
		actions = queue.New(database)
		ttlCache = cache.New(store, nil)
		engine = coresync.NewEngine(actions, store, client, ttlCache,
			conflict.NewAuditor(database), coresync.Config{})

		// The shell owns the raw connectivity reading; start offline
		// until it reports otherwise.
		signal = reachability.NewHostSignal(false)
		monitor = reachability.NewMonitor(signal, reachability.ProberFunc(client.Ping), reachability.DefaultConfig())
		monitor.Start(context.Background())

		sched = scheduler.New(engine, actions, store, ttlCache, monitor, scheduler.DefaultConfig())
		if err := sched.Start(context.Background()); err != nil {
			setLastError(fmt.Sprintf("Failed to start scheduler: %v", err))
			return
		}
		initialized.Store(true)
	})
	if initialized.Load() {
		return 0
	}
	return 1
}

//export Cleanup
// Cleanup stops background work and closes the database.
func Cleanup() {
	if sched != nil {
		sched.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}
	if database != nil {
		database.Close()
	}
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()

	return C.CString(lastErr)
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

// =====================================================
// Reachability
// =====================================================

//export SetNetworkState
// SetNetworkState feeds the shell's raw connectivity reading into the
// monitor. qualityJSON may be nil.
func SetNetworkState(online int32, qualityJSON *C.char) {
	if signal == nil {
		setLastError("Core not initialized")
		return
	}

	var quality *reachability.Quality
	if qualityJSON != nil {
		var q reachability.Quality
		if err := json.Unmarshal([]byte(C.GoString(qualityJSON)), &q); err == nil {
			quality = &q
		}
	}
	signal.Set(online != 0, quality)
}

//export ReachabilityStatus
// ReachabilityStatus returns the corroborated reachability state as JSON.
// Returns a C string that must be freed by the caller.
func ReachabilityStatus() *C.char {
	if monitor == nil {
		setLastError("Core not initialized")
		return nil
	}
	return marshalC(monitor.State())
}

//export RetryConnection
// RetryConnection runs one user-initiated probe. Returns 1 when the
// remote answered.
func RetryConnection() int32 {
	if monitor == nil {
		setLastError("Core not initialized")
		return 0
	}
	if monitor.Retry(context.Background()) {
		return 1
	}
	return 0
}

// =====================================================
// Progress Operations
// =====================================================

//export RecordProgress
// RecordProgress commits a progress record locally and enqueues its
// delivery in the same transaction.
// Returns JSON string that must be freed by the caller.
func RecordProgress(payload *C.char) *C.char {
	if store == nil {
		setLastError("Core not initialized")
		return nil
	}

	var rec models.ProgressRecord
	if err := json.Unmarshal([]byte(C.GoString(payload)), &rec); err != nil {
		setLastError(fmt.Sprintf("Malformed progress payload: %v", err))
		return nil
	}
	rec.Timestamp = time.Now().Unix()
	rec.Synced = false
	if err := rec.Validate(); err != nil {
		setLastError(err.Error())
		return nil
	}

	kind := models.ActionProgressUpdate
	endpoint := api.EndpointProgress
	if rec.Kind == models.ProgressQuizCompletion {
		kind = models.ActionQuizSubmission
		endpoint = api.EndpointQuizzes
	}
	action, err := queue.NewAction(kind, endpoint, http.MethodPost, &rec, models.PriorityFor(kind))
	if err != nil {
		setLastError(err.Error())
		return nil
	}

	ctx := context.Background()
	err = store.Update(ctx, func(tx *db.Tx) error {
		if err := tx.Put(ctx, db.CollectionProgress, rec.Key(), &rec); err != nil {
			return err
		}
		return actions.EnqueueTx(ctx, tx.Querier(), action)
	})
	if err != nil {
		setLastError(fmt.Sprintf("Failed to record progress: %v", err))
		return nil
	}

	return marshalC(map[string]interface{}{
		"status":    "queued",
		"key":       rec.Key(),
		"action_id": action.ID,
	})
}

//export ProgressList
// ProgressList returns locally stored progress, optionally filtered by
// course. Pass nil for all records.
// Returns JSON string that must be freed by the caller.
func ProgressList(courseID *C.char) *C.char {
	if store == nil {
		setLastError("Core not initialized")
		return nil
	}

	ctx := context.Background()
	var docs []json.RawMessage
	var err error
	if courseID != nil && C.GoString(courseID) != "" {
		docs, err = store.GetByIndex(ctx, db.CollectionProgress, "course_id", C.GoString(courseID))
	} else {
		docs, err = store.GetAll(ctx, db.CollectionProgress)
	}
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list progress: %v", err))
		return nil
	}

	records, err := db.DecodeAll[models.ProgressRecord](docs)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to decode progress: %v", err))
		return nil
	}
	return marshalC(map[string]interface{}{"records": records, "total": len(records)})
}

// =====================================================
// Course Operations
// =====================================================

//export CourseList
// CourseList returns the cached course catalog.
// Returns JSON string that must be freed by the caller.
func CourseList() *C.char {
	if store == nil {
		setLastError("Core not initialized")
		return nil
	}

	docs, err := store.GetAll(context.Background(), db.CollectionCourses)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list courses: %v", err))
		return nil
	}
	courses, err := db.DecodeAll[models.CachedCourse](docs)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to decode courses: %v", err))
		return nil
	}
	return marshalC(map[string]interface{}{"courses": courses, "total": len(courses)})
}

//export Enroll
// Enroll marks a cached course enrolled and queues the enrollment.
// Returns 0 on success, non-zero on error.
func Enroll(courseID *C.char) int32 {
	if store == nil {
		setLastError("Core not initialized")
		return 1
	}
	id := C.GoString(courseID)

	action, err := queue.NewAction(models.ActionEnrollment, api.EndpointEnrollments, http.MethodPost,
		map[string]string{"course_id": id}, models.PriorityHigh)
	if err != nil {
		setLastError(err.Error())
		return 1
	}

	ctx := context.Background()
	err = store.Update(ctx, func(tx *db.Tx) error {
		var course models.CachedCourse
		getErr := store.Get(ctx, db.CollectionCourses, id, &course)
		if getErr == nil {
			course.Enrolled = true
			if course.EnrollmentStatus == "" {
				course.EnrollmentStatus = "pending"
			}
			if err := tx.Put(ctx, db.CollectionCourses, id, &course); err != nil {
				return err
			}
		} else if !apperrors.Is(getErr, apperrors.ErrNotFound) {
			return getErr
		}
		return actions.EnqueueTx(ctx, tx.Querier(), action)
	})
	if err != nil {
		setLastError(fmt.Sprintf("Failed to enroll: %v", err))
		return 1
	}
	return 0
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncNow
// SyncNow drains the action queue immediately.
// Returns JSON string that must be freed by the caller.
func SyncNow() *C.char {
	if sched == nil {
		setLastError("Core not initialized")
		return nil
	}
	return marshalC(sched.SyncNow(context.Background()))
}

//export SyncStatus
// SyncStatus returns the engine status and queue depth.
// Returns JSON string that must be freed by the caller.
func SyncStatus() *C.char {
	if engine == nil {
		setLastError("Core not initialized")
		return nil
	}

	stats, err := actions.Stats(context.Background())
	if err != nil {
		setLastError(fmt.Sprintf("Failed to compute queue stats: %v", err))
		return nil
	}
	return marshalC(map[string]interface{}{
		"status":      engine.Status(),
		"last_result": engine.LastResult(),
		"queue_stats": stats,
	})
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func marshalC(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}
	return C.CString(string(data))
}

func main() {
	// Main entry point for shared library
	// Not used when loaded as library
}
