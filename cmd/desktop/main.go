// Package main provides the embedded sync core server for desktop
// platforms. The desktop UI shell communicates via REST/WebSocket on
// localhost.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursekit/coursekit/cmd/desktop/handlers"
	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/auth"
	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/config"
	"github.com/coursekit/coursekit/internal/db"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/reachability"
	"github.com/coursekit/coursekit/internal/settings"
	coresync "github.com/coursekit/coursekit/internal/sync"
	"github.com/coursekit/coursekit/internal/sync/conflict"
	"github.com/coursekit/coursekit/internal/sync/queue"
	"github.com/coursekit/coursekit/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	store, err := db.NewStore(database, db.DefaultSchemas())
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}

	prefs, err := settings.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open settings: %v", err)
	}

	// A token from the environment supersedes and replaces the stored
	// session; otherwise the previous session is resumed.
	credentials := auth.NewStore(store)
	token := cfg.Remote.AuthToken
	if token != "" {
		if err := credentials.Save(context.Background(), cfg.Remote.UserID, cfg.Remote.BaseURL, token); err != nil {
			logging.Warn("Failed to persist session", map[string]interface{}{"error": err.Error()})
		}
	} else if cred, stored, err := credentials.Load(context.Background()); err == nil {
		token = stored
		if cfg.Remote.UserID == "" {
			cfg.Remote.UserID = cred.UserID
		}
	}

	client := api.NewClient(cfg.Remote.BaseURL, token)
	actionQueue := queue.New(database)
	ttlCache := cache.New(store, map[cache.Kind]time.Duration{
		cache.KindProfile:    cfg.Cache.ProfileTTL,
		cache.KindCatalog:    cfg.Cache.CatalogTTL,
		cache.KindEnrollment: cfg.Cache.EnrollmentTTL,
		cache.KindStats:      cfg.Cache.StatsTTL,
	})
	auditor := conflict.NewAuditor(database)

	engine := coresync.NewEngine(actionQueue, store, client, ttlCache, auditor, coresync.Config{
		BatchSize:     cfg.Sync.BatchSize,
		ActionTimeout: cfg.Sync.ActionTimeout,
	})

	signalSource := reachability.NewHostSignal(false)
	monitor := reachability.NewMonitor(signalSource, reachability.ProberFunc(client.Ping), reachability.Config{
		ProbeTimeout:      cfg.Probe.Timeout,
		ProbeInterval:     cfg.Probe.Interval,
		StabilitySamples:  cfg.Probe.StabilitySamples,
		StabilityInterval: cfg.Probe.StabilityInterval,
		StabilityMaxFlips: cfg.Probe.StabilityMaxFlips,
	})

	sched := scheduler.New(engine, actionQueue, store, ttlCache, monitor, scheduler.Config{
		SettleDelay:    cfg.Sync.SettleDelay,
		PeriodicEvery:  cfg.Sync.PeriodicEvery,
		SweepEvery:     cfg.Sync.SweepEvery,
		RetentionEvery: cfg.Sync.RetentionEvery,
		RetentionAge:   cfg.Sync.RetentionAge,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	engine.SetEventHandler(hub.BroadcastSyncEvent)
	monitor.Subscribe(hub.BroadcastReachabilityChanged)

	monitor.Start(ctx)
	defer monitor.Stop()
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start sync scheduler: %v", err)
	}
	defer sched.Stop()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"coursekit-desktop","version":"%s"}`, Version)
	})
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	statusHandler := handlers.NewStatusHandler(monitor, signalSource, Version)
	mux.HandleFunc("GET /local/status", statusHandler.Get)
	mux.HandleFunc("POST /local/status/signal", statusHandler.ReportSignal)
	mux.HandleFunc("POST /local/status/retry", statusHandler.Retry)

	syncHandler := handlers.NewSyncHandler(engine, actionQueue, sched, auditor)
	mux.HandleFunc("GET /local/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("POST /local/sync/now", syncHandler.TriggerSync)
	mux.HandleFunc("GET /local/sync/failed", syncHandler.ListFailed)
	mux.HandleFunc("POST /local/sync/retry-failed", syncHandler.RetryFailed)
	mux.HandleFunc("GET /local/sync/conflicts", syncHandler.ListConflicts)

	coursesHandler := handlers.NewCoursesHandler(store, ttlCache, client, actionQueue, monitor)
	mux.HandleFunc("GET /local/courses", coursesHandler.List)
	mux.HandleFunc("GET /local/courses/enrolled", coursesHandler.Enrolled)
	mux.HandleFunc("GET /local/courses/{courseID}", coursesHandler.Get)
	mux.HandleFunc("POST /local/courses/{courseID}/enroll", coursesHandler.Enroll)

	progressHandler := handlers.NewProgressHandler(store, actionQueue)
	mux.HandleFunc("POST /local/progress", progressHandler.Record)
	mux.HandleFunc("GET /local/progress", progressHandler.List)
	mux.HandleFunc("GET /local/progress/{userID}/{courseID}/{moduleID}", progressHandler.Get)

	settingsHandler := handlers.NewSettingsHandler(prefs)
	mux.HandleFunc("GET /local/settings", settingsHandler.Get)
	mux.HandleFunc("PUT /local/settings", settingsHandler.Update)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logging.Info("CourseKit desktop server starting", map[string]interface{}{
			"addr":    addr,
			"version": Version,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Info("Shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown failed", err)
	}
}
