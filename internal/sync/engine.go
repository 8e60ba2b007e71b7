// Package sync provides the engine that reconciles queued offline
// mutations against the remote authority and refreshes reference caches.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/sync/conflict"
	"github.com/coursekit/coursekit/internal/sync/queue"
)

// Status reports whether a drain is currently running.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
)

// EventType identifies a sync lifecycle event.
type EventType string

const (
	EventDrainStarted   EventType = "sync.started"
	EventDrainCompleted EventType = "sync.completed"
	EventActionSynced   EventType = "sync.action_synced"
	EventActionDropped  EventType = "sync.action_dropped"
	EventCacheRefreshed EventType = "sync.cache_refreshed"
)

// Event is pushed to the registered handler during a drain.
type Event struct {
	Type     EventType `json:"type"`
	ActionID string    `json:"action_id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// EventHandler receives sync lifecycle events.
type EventHandler func(Event)

// Config tunes the engine.
type Config struct {
	BatchSize       int           // actions claimed per dequeue round
	ActionTimeout   time.Duration // bound on one action delivery
	CatalogPageSize int           // page size for catalog refresh
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		ActionTimeout:   30 * time.Second,
		CatalogPageSize: 50,
	}
}

// DrainOptions adjusts one drain pass.
type DrainOptions struct {
	BatchSize        int  // 0 = engine default
	SkipCacheRefresh bool // drain the queue only
}

// DrainResult is the structured outcome of one drain pass. Partial
// failure is the normal case, so errors accumulate here instead of
// aborting the pass.
type DrainResult struct {
	AlreadySyncing bool          `json:"already_syncing,omitempty"`
	Synced         int           `json:"synced"`
	Failed         int           `json:"failed"`
	Dropped        int           `json:"dropped"`
	CacheRefreshed bool          `json:"cache_refreshed"`
	Errors         []string      `json:"errors,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// Engine drains the action queue against the remote API and refreshes
// the reference caches. At most one drain runs per process at any time.
type Engine struct {
	queue     *queue.Queue
	store     *db.Store
	client    *api.Client
	cache     *cache.Cache
	conflicts *conflict.Auditor
	cfg       Config

	// inFlight is flipped before any suspension point so two triggers
	// can never both observe idle.
	inFlight atomic.Bool

	mu         sync.Mutex
	handler    EventHandler
	lastResult *DrainResult
	lastSyncAt time.Time
}

// NewEngine creates an Engine.
func NewEngine(q *queue.Queue, store *db.Store, client *api.Client, c *cache.Cache, auditor *conflict.Auditor, cfg Config) *Engine {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultConfig().ActionTimeout
	}
	if cfg.CatalogPageSize < 1 {
		cfg.CatalogPageSize = DefaultConfig().CatalogPageSize
	}
	return &Engine{
		queue:     q,
		store:     store,
		client:    client,
		cache:     c,
		conflicts: auditor,
		cfg:       cfg,
	}
}

// SetEventHandler registers the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns whether a drain is currently running.
func (e *Engine) Status() Status {
	if e.inFlight.Load() {
		return StatusSyncing
	}
	return StatusIdle
}

// LastResult returns the result of the most recent completed drain.
func (e *Engine) LastResult() *DrainResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// LastSyncAt returns when the most recent drain completed.
func (e *Engine) LastSyncAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncAt
}

// DrainOnce performs one complete synchronization pass. It never returns
// an error for partial failure; failures accumulate in the result. A
// second concurrent invocation performs no work and reports
// AlreadySyncing.
func (e *Engine) DrainOnce(ctx context.Context, opts DrainOptions) *DrainResult {
	if !e.inFlight.CompareAndSwap(false, true) {
		return &DrainResult{AlreadySyncing: true, StartedAt: time.Now()}
	}
	defer e.inFlight.Store(false)

	result := &DrainResult{StartedAt: time.Now()}
	e.emit(Event{Type: EventDrainStarted})

	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = e.cfg.BatchSize
	}

	e.drainQueue(ctx, batchSize, result)

	if !opts.SkipCacheRefresh {
		e.refreshCaches(ctx, result)
	}

	result.Duration = time.Since(result.StartedAt)

	e.mu.Lock()
	e.lastResult = result
	e.lastSyncAt = time.Now()
	e.mu.Unlock()

	logging.Info("Drain completed", map[string]interface{}{
		"synced":          result.Synced,
		"failed":          result.Failed,
		"dropped":         result.Dropped,
		"cache_refreshed": result.CacheRefreshed,
		"duration_ms":     result.Duration.Milliseconds(),
	})
	e.emit(Event{Type: EventDrainCompleted})
	return result
}

// drainQueue claims and delivers batches until the queue yields nothing
// new. Priority bands are strictly sequential: every priority-1 action in
// a batch reaches success or terminal failure before any priority-2
// action from that batch is issued.
func (e *Engine) drainQueue(ctx context.Context, batchSize int, result *DrainResult) {
	attempted := make(map[models.UUID]bool)

	for {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "drain canceled: "+ctx.Err().Error())
			return
		}

		batch, err := e.queue.DequeueBatch(ctx, batchSize)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}

		// Actions requeued by markFailed earlier in this same pass come
		// back pending; attempting them again in the same drain would
		// spin, so release and leave them for the next drain.
		fresh := batch[:0]
		for _, action := range batch {
			if attempted[action.ID] {
				if err := e.queue.Release(ctx, action.ID); err != nil {
					result.Errors = append(result.Errors, err.Error())
				}
				continue
			}
			fresh = append(fresh, action)
		}
		if len(fresh) == 0 {
			return
		}

		for _, band := range splitByPriority(fresh) {
			e.deliverBand(ctx, band, attempted, result)
		}
	}
}

// splitByPriority partitions an ordered batch into its priority bands.
func splitByPriority(actions []*models.OfflineAction) [][]*models.OfflineAction {
	var bands [][]*models.OfflineAction
	for _, action := range actions {
		if len(bands) == 0 || bands[len(bands)-1][0].Priority != action.Priority {
			bands = append(bands, []*models.OfflineAction{action})
			continue
		}
		bands[len(bands)-1] = append(bands[len(bands)-1], action)
	}
	return bands
}

// deliverBand dispatches one priority band concurrently and waits for
// every delivery to settle before returning.
func (e *Engine) deliverBand(ctx context.Context, band []*models.OfflineAction, attempted map[models.UUID]bool, result *DrainResult) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, action := range band {
		attempted[action.ID] = true
		wg.Add(1)
		go func(action *models.OfflineAction) {
			defer wg.Done()

			actionCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
			defer cancel()
			deliverErr := e.client.Deliver(actionCtx, action)

			mu.Lock()
			defer mu.Unlock()

			if deliverErr == nil {
				if err := e.queue.Ack(ctx, action.ID); err != nil {
					result.Errors = append(result.Errors, err.Error())
					return
				}
				if err := e.applySuccess(ctx, action); err != nil {
					result.Errors = append(result.Errors, err.Error())
				}
				result.Synced++
				e.emit(Event{Type: EventActionSynced, ActionID: action.ID.String(), Kind: string(action.Kind)})
				return
			}

			switch apperrors.CodeOf(deliverErr) {
			case apperrors.ErrActionRejected:
				// The remote authority definitively rejected the
				// mutation; retrying cannot succeed.
				if err := e.queue.Drop(ctx, action.ID, deliverErr); err != nil {
					result.Errors = append(result.Errors, err.Error())
				}
				result.Dropped++
				result.Errors = append(result.Errors, deliverErr.Error())
				e.emit(Event{Type: EventActionDropped, ActionID: action.ID.String(), Kind: string(action.Kind), Error: deliverErr.Error()})
			default:
				dropped, err := e.queue.MarkFailed(ctx, action.ID, deliverErr)
				if err != nil {
					result.Errors = append(result.Errors, err.Error())
					return
				}
				if dropped {
					result.Dropped++
					result.Errors = append(result.Errors, deliverErr.Error())
					e.emit(Event{Type: EventActionDropped, ActionID: action.ID.String(), Kind: string(action.Kind), Error: deliverErr.Error()})
				} else {
					result.Failed++
				}
			}
		}(action)
	}
	wg.Wait()
}

// applySuccess applies the local consequences of a delivered action.
func (e *Engine) applySuccess(ctx context.Context, action *models.OfflineAction) error {
	switch action.Kind {
	case models.ActionProgressUpdate:
		var rec models.ProgressRecord
		if err := json.Unmarshal(action.Payload, &rec); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "malformed progress payload", err)
		}
		return e.markProgressSynced(ctx, &rec)
	case models.ActionEnrollment:
		var payload struct {
			CourseID string `json:"course_id"`
		}
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "malformed enrollment payload", err)
		}
		return e.markEnrolled(ctx, payload.CourseID)
	case models.ActionProfileUpdate:
		var profile models.UserProfile
		if err := json.Unmarshal(action.Payload, &profile); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "malformed profile payload", err)
		}
		return e.cache.Write(ctx, db.CollectionUserData, "profile", cache.KindProfile, &profile)
	}
	return nil
}

// markProgressSynced flips the current record's synced flag, but only
// when the acknowledged snapshot is still the current one.
func (e *Engine) markProgressSynced(ctx context.Context, rec *models.ProgressRecord) error {
	var current models.ProgressRecord
	err := e.store.Get(ctx, db.CollectionProgress, rec.Key(), &current)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Timestamp > rec.Timestamp {
		// The user kept editing while the drain ran; the newer local
		// snapshot still needs its own sync.
		return nil
	}
	current.Synced = true
	return e.store.Put(ctx, db.CollectionProgress, current.Key(), &current)
}

// markEnrolled updates the cached course snapshot after a confirmed
// enrollment.
func (e *Engine) markEnrolled(ctx context.Context, courseID string) error {
	var course models.CachedCourse
	err := e.store.Get(ctx, db.CollectionCourses, courseID, &course)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	course.Enrolled = true
	if course.EnrollmentStatus == "" {
		course.EnrollmentStatus = "active"
	}
	return e.store.Put(ctx, db.CollectionCourses, courseID, &course)
}

// refreshCaches pulls reference data (profile, catalog, enrollments,
// remote progress) and rewrites the TTL caches. Each fetch fails
// independently; any success marks the refresh partially done.
func (e *Engine) refreshCaches(ctx context.Context, result *DrainResult) {
	refreshed := false

	if profile, err := e.client.GetProfile(ctx); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else if err := e.cache.Write(ctx, db.CollectionUserData, "profile", cache.KindProfile, profile); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		refreshed = true
	}

	if courses, err := e.client.ListCourses(ctx, e.cfg.CatalogPageSize, 0); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		now := time.Now().Unix()
		ok := true
		for i := range courses {
			course := courses[i]
			course.CachedAt = now
			if err := e.cache.Write(ctx, db.CollectionCourses, course.ID.String(), cache.KindCatalog, &course); err != nil {
				result.Errors = append(result.Errors, err.Error())
				ok = false
				break
			}
		}
		refreshed = refreshed || ok
	}

	if enrolled, err := e.client.ListEnrolledCourses(ctx); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		ids := make([]string, 0, len(enrolled))
		now := time.Now().Unix()
		for i := range enrolled {
			course := enrolled[i]
			course.Enrolled = true
			course.CachedAt = now
			ids = append(ids, course.ID.String())
			if err := e.cache.Write(ctx, db.CollectionCourses, course.ID.String(), cache.KindEnrollment, &course); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}
		if err := e.cache.Write(ctx, db.CollectionUserData, "enrolled_courses", cache.KindEnrollment, ids); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			refreshed = true
		}
	}

	if remote, err := e.client.ListProgress(ctx); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else if err := e.ApplyRemoteProgress(ctx, remote); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.CacheRefreshed = refreshed
	if refreshed {
		e.emit(Event{Type: EventCacheRefreshed})
	}
}

// ApplyRemoteProgress merges progress fetched from the remote authority
// into the local store with last-write-wins by timestamp. An overwrite of
// a newer unsynced local record is recorded in the conflict audit before
// the remote value wins.
func (e *Engine) ApplyRemoteProgress(ctx context.Context, remote []models.ProgressRecord) error {
	for i := range remote {
		rec := remote[i]
		rec.Synced = true

		var local models.ProgressRecord
		err := e.store.Get(ctx, db.CollectionProgress, rec.Key(), &local)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			// No local record, remote wins trivially.
		case err != nil:
			return err
		case conflict.ShouldFlag(&local, &rec):
			if !local.Synced {
				// Keep the newer unsynced local edit; it will reach the
				// remote on the next drain.
				continue
			}
			if auditErr := e.conflicts.RecordOverwrite(ctx, &local, &rec); auditErr != nil {
				return auditErr
			}
		}

		if err := e.store.Put(ctx, db.CollectionProgress, rec.Key(), &rec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emit(event Event) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}
