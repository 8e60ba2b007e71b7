// Package sync tests for the drain engine.
package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/db"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/sync/conflict"
	"github.com/coursekit/coursekit/internal/sync/queue"
)

type engineFixture struct {
	engine *Engine
	queue  *queue.Queue
	store  *db.Store
	cache  *cache.Cache
}

func newEngineFixture(t *testing.T, remoteURL string) *engineFixture {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}

	store, err := db.NewStore(database, db.DefaultSchemas())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	q := queue.New(database)
	client := api.NewClient(remoteURL, "test-token")
	c := cache.New(store, nil)
	auditor := conflict.NewAuditor(database)

	engine := NewEngine(q, store, client, c, auditor, Config{
		BatchSize:     10,
		ActionTimeout: 5 * time.Second,
	})
	return &engineFixture{engine: engine, queue: q, store: store, cache: c}
}

func enqueue(t *testing.T, f *engineFixture, kind models.ActionKind, endpoint string, payload any, priority int) *models.OfflineAction {
	t.Helper()
	action, err := queue.NewAction(kind, endpoint, http.MethodPost, payload, priority)
	if err != nil {
		t.Fatalf("NewAction() failed: %v", err)
	}
	if err := f.queue.Enqueue(context.Background(), action); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return action
}

// TestDrainOnce_deliversAndApplies verifies the success path: actions are
// delivered, acked, and their local consequences applied.
func TestDrainOnce_deliversAndApplies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()

	course := models.CachedCourse{ID: "c1", Title: "Intro"}
	if err := f.store.Put(ctx, db.CollectionCourses, "c1", &course); err != nil {
		t.Fatalf("Put(course) failed: %v", err)
	}

	rec := models.ProgressRecord{
		UserID: "u1", CourseID: "c1", ModuleID: "m1",
		Progress: 40, Timestamp: time.Now().Unix(),
	}
	if err := f.store.Put(ctx, db.CollectionProgress, rec.Key(), &rec); err != nil {
		t.Fatalf("Put(progress) failed: %v", err)
	}

	enqueue(t, f, models.ActionEnrollment, api.EndpointEnrollments, map[string]string{"course_id": "c1"}, models.PriorityHigh)
	enqueue(t, f, models.ActionProgressUpdate, api.EndpointProgress, &rec, models.PriorityNormal)

	result := f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
	if result.AlreadySyncing {
		t.Fatal("DrainOnce() reported AlreadySyncing on first run")
	}
	if result.Synced != 2 {
		t.Errorf("Synced = %d, want 2 (errors: %v)", result.Synced, result.Errors)
	}

	count, err := f.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount() = %d, want 0 after drain", count)
	}

	var gotRec models.ProgressRecord
	if err := f.store.Get(ctx, db.CollectionProgress, rec.Key(), &gotRec); err != nil {
		t.Fatalf("Get(progress) failed: %v", err)
	}
	if !gotRec.Synced {
		t.Error("progress record should be marked synced after ack")
	}

	var gotCourse models.CachedCourse
	if err := f.store.Get(ctx, db.CollectionCourses, "c1", &gotCourse); err != nil {
		t.Fatalf("Get(course) failed: %v", err)
	}
	if !gotCourse.Enrolled {
		t.Error("course should be marked enrolled after ack")
	}
}

// TestDrainOnce_singleFlight verifies an overlapping drain performs no
// work and issues no requests.
func TestDrainOnce_singleFlight(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()
	enqueue(t, f, models.ActionProgressUpdate, api.EndpointProgress, map[string]string{"x": "y"}, models.PriorityNormal)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
	}()

	<-entered
	before := requests.Load()
	overlap := f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
	if !overlap.AlreadySyncing {
		t.Error("overlapping DrainOnce() should report AlreadySyncing")
	}
	if requests.Load() != before {
		t.Error("overlapping DrainOnce() must not issue requests")
	}

	close(release)
	wg.Wait()
}

// TestDrainOnce_priorityBandsSequential verifies every higher-priority
// action is delivered before any lower-priority one.
func TestDrainOnce_priorityBandsSequential(t *testing.T) {
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		order = append(order, body["tag"])
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()

	// Enqueue low first so creation order and priority order disagree.
	enqueue(t, f, models.ActionProfileUpdate, api.EndpointProfile, map[string]string{"tag": "low"}, models.PriorityLow)
	enqueue(t, f, models.ActionProgressUpdate, api.EndpointProgress, map[string]string{"tag": "normal"}, models.PriorityNormal)
	enqueue(t, f, models.ActionEnrollment, api.EndpointEnrollments, map[string]string{"tag": "high"}, models.PriorityHigh)

	result := f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
	if result.Synced != 3 {
		t.Fatalf("Synced = %d, want 3 (errors: %v)", result.Synced, result.Errors)
	}

	if len(order) != 3 || order[0] != "high" || order[1] != "normal" || order[2] != "low" {
		t.Errorf("delivery order = %v, want [high normal low]", order)
	}
}

// TestDrainOnce_rejectionDropsImmediately verifies an authoritative 4xx
// drops the action without consuming the retry budget on future drains.
func TestDrainOnce_rejectionDropsImmediately(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, `{"error":"duplicate enrollment"}`, http.StatusConflict)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()
	action := enqueue(t, f, models.ActionEnrollment, api.EndpointEnrollments, map[string]string{"course_id": "c1"}, models.PriorityHigh)

	result := f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
	if result.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", result.Dropped)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 (no retry on rejection)", requests.Load())
	}

	failed, err := f.queue.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed() failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != action.ID {
		t.Fatalf("ListFailed() = %v, want the rejected action", failed)
	}

	// A later drain must not touch it.
	requests.Store(0)
	f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
	if requests.Load() != 0 {
		t.Error("rejected action must never be redelivered")
	}
}

// TestDrainOnce_transientFailureRetriesNextDrain verifies a transient
// failure requeues the action but does not retry it within the same pass.
func TestDrainOnce_transientFailureRetriesNextDrain(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()
	enqueue(t, f, models.ActionProgressUpdate, api.EndpointProgress, map[string]string{"x": "y"}, models.PriorityNormal)

	result := f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 (one attempt per drain)", requests.Load())
	}

	// The action is pending again for the next drain.
	count, err := f.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("PendingCount() = %d, want 1", count)
	}
}

// TestDrainOnce_retryExhaustionTerminal drives a transient failure through
// the whole budget across drains and verifies the terminal drop.
func TestDrainOnce_retryExhaustionTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()
	action := enqueue(t, f, models.ActionProgressUpdate, api.EndpointProgress, map[string]string{"x": "y"}, models.PriorityNormal)

	var dropped int
	for i := 0; i < action.MaxRetries; i++ {
		result := f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})
		dropped += result.Dropped
	}
	if dropped != 1 {
		t.Errorf("total dropped = %d, want 1 after budget exhaustion", dropped)
	}

	failed, err := f.queue.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed() failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("ListFailed() returned %d actions, want 1", len(failed))
	}
	if failed[0].RetryCount != failed[0].MaxRetries {
		t.Errorf("RetryCount = %d, want %d", failed[0].RetryCount, failed[0].MaxRetries)
	}
}

// TestDrainOnce_refreshesCaches verifies reference data lands in the TTL
// cache after a drain.
func TestDrainOnce_refreshesCaches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(api.EndpointProfile, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.UserProfile{ID: "u1", DisplayName: "Test User"})
	})
	mux.HandleFunc(api.EndpointCourses, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.CachedCourse{{ID: "c1", Title: "Intro"}})
	})
	mux.HandleFunc(api.EndpointEnrollments, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.CachedCourse{{ID: "c1", Title: "Intro"}})
	})
	mux.HandleFunc(api.EndpointProgress, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.ProgressRecord{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()

	result := f.engine.DrainOnce(ctx, DrainOptions{})
	if !result.CacheRefreshed {
		t.Fatalf("CacheRefreshed = false (errors: %v)", result.Errors)
	}

	var profile models.UserProfile
	if err := f.cache.Read(ctx, db.CollectionUserData, "profile", &profile); err != nil {
		t.Errorf("cached profile not readable: %v", err)
	}
	var course models.CachedCourse
	if err := f.cache.Read(ctx, db.CollectionCourses, "c1", &course); err != nil {
		t.Errorf("cached course not readable: %v", err)
	}
	if !course.Enrolled {
		t.Error("enrolled course should be marked enrolled in cache")
	}
}

// TestApplyRemoteProgress_lastWriteWins verifies merge semantics: older
// local loses silently, newer synced local loses with an audit entry,
// newer unsynced local is kept.
func TestApplyRemoteProgress_lastWriteWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()
	now := time.Now().Unix()

	older := models.ProgressRecord{UserID: "u1", CourseID: "c1", ModuleID: "m1", Progress: 10, Timestamp: now - 100, Synced: true}
	newerSynced := models.ProgressRecord{UserID: "u1", CourseID: "c1", ModuleID: "m2", Progress: 90, Timestamp: now + 100, Synced: true}
	newerUnsynced := models.ProgressRecord{UserID: "u1", CourseID: "c1", ModuleID: "m3", Progress: 90, Timestamp: now + 100, Synced: false}
	for _, rec := range []models.ProgressRecord{older, newerSynced, newerUnsynced} {
		if err := f.store.Put(ctx, db.CollectionProgress, rec.Key(), &rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	remote := []models.ProgressRecord{
		{UserID: "u1", CourseID: "c1", ModuleID: "m1", Progress: 50, Timestamp: now},
		{UserID: "u1", CourseID: "c1", ModuleID: "m2", Progress: 50, Timestamp: now},
		{UserID: "u1", CourseID: "c1", ModuleID: "m3", Progress: 50, Timestamp: now},
	}
	if err := f.engine.ApplyRemoteProgress(ctx, remote); err != nil {
		t.Fatalf("ApplyRemoteProgress() failed: %v", err)
	}

	var got models.ProgressRecord
	if err := f.store.Get(ctx, db.CollectionProgress, older.Key(), &got); err != nil {
		t.Fatalf("Get(m1) failed: %v", err)
	}
	if got.Progress != 50 {
		t.Errorf("m1 Progress = %v, want 50 (remote wins over older local)", got.Progress)
	}

	if err := f.store.Get(ctx, db.CollectionProgress, newerSynced.Key(), &got); err != nil {
		t.Fatalf("Get(m2) failed: %v", err)
	}
	if got.Progress != 50 {
		t.Errorf("m2 Progress = %v, want 50 (LWW overwrite with audit)", got.Progress)
	}

	if err := f.store.Get(ctx, db.CollectionProgress, newerUnsynced.Key(), &got); err != nil {
		t.Fatalf("Get(m3) failed: %v", err)
	}
	if got.Progress != 90 {
		t.Errorf("m3 Progress = %v, want 90 (unsynced local edit kept)", got.Progress)
	}

	auditor := conflict.NewAuditor(f.store.DB())
	entries, err := auditor.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("conflict audit entries = %d, want 1", len(entries))
	}
	if entries[0].RecordKey != newerSynced.Key() {
		t.Errorf("audit RecordKey = %q, want %q", entries[0].RecordKey, newerSynced.Key())
	}
}

// TestEngine_events verifies lifecycle events reach the handler.
func TestEngine_events(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, server.URL)
	ctx := context.Background()

	var mu sync.Mutex
	var types []EventType
	f.engine.SetEventHandler(func(event Event) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	})

	enqueue(t, f, models.ActionProgressUpdate, api.EndpointProgress, map[string]string{"x": "y"}, models.PriorityNormal)
	f.engine.DrainOnce(ctx, DrainOptions{SkipCacheRefresh: true})

	want := map[EventType]bool{EventDrainStarted: false, EventActionSynced: false, EventDrainCompleted: false}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("event %s not emitted (got %v)", typ, types)
		}
	}
}
