// Package main provides the headless CourseKit core: the full sync
// stack (store, queue, cache, reachability monitor, engine, scheduler)
// with no UI bridge. Useful for smoke-running the core on its own.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursekit/coursekit/internal/api"
	"github.com/coursekit/coursekit/internal/cache"
	"github.com/coursekit/coursekit/internal/config"
	"github.com/coursekit/coursekit/internal/db"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/reachability"
	coresync "github.com/coursekit/coursekit/internal/sync"
	"github.com/coursekit/coursekit/internal/sync/conflict"
	"github.com/coursekit/coursekit/internal/sync/queue"
	"github.com/coursekit/coursekit/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	fmt.Printf("CourseKit Core v%s\n", Version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))

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

	client := api.NewClient(cfg.Remote.BaseURL, cfg.Remote.AuthToken)
	actionQueue := queue.New(database)
	ttlCache := cache.New(store, map[cache.Kind]time.Duration{
		cache.KindProfile:    cfg.Cache.ProfileTTL,
		cache.KindCatalog:    cfg.Cache.CatalogTTL,
		cache.KindEnrollment: cfg.Cache.EnrollmentTTL,
		cache.KindStats:      cfg.Cache.StatsTTL,
	})

	engine := coresync.NewEngine(actionQueue, store, client, ttlCache,
		conflict.NewAuditor(database), coresync.Config{
			BatchSize:     cfg.Sync.BatchSize,
			ActionTimeout: cfg.Sync.ActionTimeout,
		})

	// Headless runs have no shell reporting connectivity, so the raw
	// signal starts optimistic and the probe loop keeps it honest.
	signalSource := reachability.NewHostSignal(true)
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

	monitor.Start(ctx)
	defer monitor.Stop()
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start sync scheduler: %v", err)
	}
	defer sched.Stop()

	logging.Info("CourseKit core running", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logging.Info("Shutting down", nil)
}
