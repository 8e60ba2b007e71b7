// Package main tests for desktop server routing. The full stack is wired
// against an in-process remote, mirroring the wiring in main.
package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coursekit/coursekit/cmd/desktop/handlers"
	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/db"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/models"
	"github.com/coursekit/coursekit/internal/reachability"
	"github.com/coursekit/coursekit/internal/settings"
	coresync "github.com/coursekit/coursekit/internal/sync"
	"github.com/coursekit/coursekit/internal/sync/conflict"
	"github.com/coursekit/coursekit/internal/sync/queue"
	"github.com/coursekit/coursekit/internal/sync/scheduler"
)

func setupServer(t *testing.T, remoteURL string) *http.ServeMux {
	t.Helper()
	logging.Init(os.Stdout, logging.LevelError)

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
	prefs, err := settings.Open(t.TempDir())
	if err != nil {
		t.Fatalf("settings.Open() failed: %v", err)
	}

	client := api.NewClient(remoteURL, "test-token")
	actionQueue := queue.New(database)
	ttlCache := cache.New(store, nil)
	auditor := conflict.NewAuditor(database)
	engine := coresync.NewEngine(actionQueue, store, client, ttlCache, auditor, coresync.Config{
		BatchSize:     10,
		ActionTimeout: 5 * time.Second,
	})

	signalSource := reachability.NewHostSignal(false)
	monitor := reachability.NewMonitor(signalSource, reachability.ProberFunc(client.Ping), reachability.Config{
		ProbeTimeout:  time.Second,
		ProbeInterval: 0,
	})
	sched := scheduler.New(engine, actionQueue, store, ttlCache, monitor, scheduler.Config{})

	hub := NewWSHub()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"coursekit-desktop"}`))
	})
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	statusHandler := handlers.NewStatusHandler(monitor, signalSource, Version)
	mux.HandleFunc("GET /local/status", statusHandler.Get)
	mux.HandleFunc("POST /local/status/signal", statusHandler.ReportSignal)

	syncHandler := handlers.NewSyncHandler(engine, actionQueue, sched, auditor)
	mux.HandleFunc("GET /local/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("POST /local/sync/now", syncHandler.TriggerSync)

	coursesHandler := handlers.NewCoursesHandler(store, ttlCache, client, actionQueue, monitor)
	mux.HandleFunc("GET /local/courses", coursesHandler.List)
	mux.HandleFunc("POST /local/courses/{courseID}/enroll", coursesHandler.Enroll)

	progressHandler := handlers.NewProgressHandler(store, actionQueue)
	mux.HandleFunc("POST /local/progress", progressHandler.Record)
	mux.HandleFunc("GET /local/progress/{userID}/{courseID}/{moduleID}", progressHandler.Get)

	settingsHandler := handlers.NewSettingsHandler(prefs)
	mux.HandleFunc("GET /local/settings", settingsHandler.Get)
	mux.HandleFunc("PUT /local/settings", settingsHandler.Update)

	return mux
}

func TestHealthEndpoint(t *testing.T) {
	mux := setupServer(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health check returned status %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %s", w.Header().Get("Content-Type"))
	}
}

// TestProgressRoundTrip verifies the offline-first write path end to end:
// the record is readable immediately, before any sync happened.
func TestProgressRoundTrip(t *testing.T) {
	mux := setupServer(t, "http://unused.invalid")

	body, _ := json.Marshal(models.ProgressRecord{
		UserID:   "u1",
		CourseID: "c1",
		ModuleID: "m1",
		Kind:     models.ProgressVideo,
		Progress: 40,
	})
	req := httptest.NewRequest(http.MethodPost, "/local/progress", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /local/progress returned %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/local/progress/u1/c1/m1", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET progress returned %d", w.Code)
	}
	var rec models.ProgressRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rec.Progress != 40 || rec.Synced {
		t.Errorf("record = %+v, want progress 40 and unsynced", rec)
	}
}

// TestSyncNowEndpoint drains the queued action against the test remote.
func TestSyncNowEndpoint(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer remote.Close()
	mux := setupServer(t, remote.URL)

	body, _ := json.Marshal(models.ProgressRecord{
		UserID:   "u1",
		CourseID: "c1",
		ModuleID: "m1",
		Kind:     models.ProgressVideo,
		Progress: 100,
	})
	req := httptest.NewRequest(http.MethodPost, "/local/progress", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /local/progress returned %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/local/sync/now", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /local/sync/now returned %d: %s", w.Code, w.Body.String())
	}

	var result struct {
		Synced int `json:"synced"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode drain result: %v", err)
	}
	if result.Synced != 1 {
		t.Errorf("synced = %d, want 1", result.Synced)
	}
}

// TestStatusEndpoint reports the corroborated reachability state.
func TestStatusEndpoint(t *testing.T) {
	mux := setupServer(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodGet, "/local/status", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /local/status returned %d", w.Code)
	}
	var status struct {
		Reachability struct {
			IsOnline bool `json:"is_online"`
		} `json:"reachability"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Reachability.IsOnline {
		t.Error("fresh core should report offline")
	}
}

// TestSettingsEndpoints round-trips a preference change.
func TestSettingsEndpoints(t *testing.T) {
	mux := setupServer(t, "http://unused.invalid")

	body := []byte(`{"theme":"dark"}`)
	req := httptest.NewRequest(http.MethodPut, "/local/settings", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /local/settings returned %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/local/settings", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /local/settings returned %d", w.Code)
	}
	var values settings.Values
	if err := json.Unmarshal(w.Body.Bytes(), &values); err != nil {
		t.Fatalf("Failed to decode settings: %v", err)
	}
	if values.Theme != "dark" {
		t.Errorf("Theme = %q, want dark", values.Theme)
	}
}

// TestCoursesOfflineEmpty returns an empty cached catalog while offline.
func TestCoursesOfflineEmpty(t *testing.T) {
	mux := setupServer(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodGet, "/local/courses", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /local/courses returned %d: %s", w.Code, w.Body.String())
	}
}
