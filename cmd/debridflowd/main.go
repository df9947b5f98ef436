// Command debridflowd is the headless daemon composition root: it wires
// every component in internal/ together and runs the resolver, dispatcher,
// and progress-monitor loops alongside the thin HTTP adapter.
//
// Grounded on the teacher's top-level main.go wiring order (logger, then
// storage, then engine/config, then the control server) and its
// queueWorker panic-recovery wrapper (internal/core/engine.go) and
// lifecycle.go OS-signal shutdown handling, adapted from a single
// Wails-driven event loop to three independent ticker loops plus an HTTP
// server, since this daemon has no GUI event loop to piggyback on.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"debridflow/internal/admission"
	"debridflow/internal/analytics"
	"debridflow/internal/config"
	"debridflow/internal/core"
	"debridflow/internal/dispatcher"
	"debridflow/internal/eventbus"
	"debridflow/internal/executor"
	"debridflow/internal/filesystem"
	"debridflow/internal/httpapi"
	"debridflow/internal/logger"
	"debridflow/internal/monitor"
	"debridflow/internal/network"
	"debridflow/internal/provider"
	"debridflow/internal/queue"
	"debridflow/internal/resolver"
	"debridflow/internal/storage"
)

func main() {
	log, err := logger.New(os.Stdout)
	if err != nil {
		println("error initializing logger:", err.Error())
		os.Exit(1)
	}

	cfg := config.Load()
	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		log.Error("create storage root", "err", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(cfg.StorageRoot, "debridflow.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		log.Error("open database", "err", err)
		os.Exit(1)
	}
	if err := storage.Migrate(db); err != nil {
		log.Error("migrate database", "err", err)
		os.Exit(1)
	}

	bus := eventbus.New()
	store := storage.New(db, bus)
	settings := config.NewManager(store, cfg)
	layout := filesystem.NewLayout(cfg.StorageRoot)

	rateLimiter := provider.NewRateLimiter(cfg.ProviderRateLimitRPS, cfg.ProviderRateBurst)
	client := provider.NewAllDebridClient(os.Getenv("ALLDEBRID_API_KEY"), settings.UserAgent(), log,
		provider.WithRateLimiter(rateLimiter))

	bandwidth := network.NewBandwidthManager()
	if bps := settings.BandwidthLimitBps(); bps > 0 {
		bandwidth.SetLimit(bps)
	}
	congestion := network.NewCongestionController(1, cfg.Segments)
	exec := executor.New(executor.Config{
		Segments:        cfg.Segments,
		SegmentMinBytes: cfg.SegmentMinBytes,
		DLRetries:       cfg.DLRetries,
	}, congestion, bandwidth)

	adm := admission.New(store, cfg.StorageRoot, cfg.LowSpaceFloorBytes())

	res := resolver.New(store, client, layout, resolver.Config{
		PollDelay:        cfg.ResolvePollDelay,
		MaxPollAttempts:  cfg.MaxResolveAttempts,
		SelectionTimeout: cfg.SelectionTimeout,
	}, log)

	stats := analytics.NewStatsManager(store, cfg.StorageRoot)

	disp := dispatcher.New(store, client, adm, exec, layout, settings, log).
		WithUnlockScheduler(queue.NewUnlockScheduler(cfg.ProviderRateBurst, log)).
		WithStats(stats)

	mon := monitor.New(store, layout, log)
	svc := core.New(store, layout, res, disp, client, log)
	api := httpapi.New(svc, bus, log, cfg.GlobalQueueLimit*4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runLoop(ctx, log, "resolver", cfg.WorkerLoopInterval, func(ctx context.Context) error {
		return resolveQueuedTasks(ctx, store, res)
	})
	go runLoop(ctx, log, "dispatcher", cfg.WorkerLoopInterval, func(ctx context.Context) error {
		return disp.RunCycle(ctx)
	})
	go runLoop(ctx, log, "monitor", cfg.ProgressMonitorInterval, func(ctx context.Context) error {
		return mon.RunCycle()
	})

	go func() {
		log.Info("http api listening", "addr", cfg.APIAddr)
		if err := api.ListenAndServe(cfg.APIAddr); err != nil {
			log.Error("http api stopped", "err", err)
		}
	}()

	waitForSignal()
	log.Info("shutting down")
}

// resolveQueuedTasks runs one resolver pass over every task still in
// status=queued, matching the teacher's queueWorker loop shape but against
// the split-out Resolver rather than a monolithic executeTask, then checks
// every waiting_selection task's selection deadline.
func resolveQueuedTasks(ctx context.Context, store *storage.Store, res *resolver.Resolver) error {
	tasks, _, err := store.ListTasks(storage.ListFilter{Status: storage.StatusQueued, Limit: 1000})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := res.Resolve(ctx, t.ID); err != nil {
			slog.Default().Warn("resolve cycle failed", "task_id", t.ID, "err", err)
		}
	}
	waiting, _, err := store.ListTasks(storage.ListFilter{Status: storage.StatusWaitingSelection, Limit: 1000})
	if err != nil {
		return err
	}
	for _, t := range waiting {
		if err := res.CheckSelectionTimeout(t.ID); err != nil {
			slog.Default().Warn("selection timeout check failed", "task_id", t.ID, "err", err)
		}
	}
	return nil
}

// runLoop ticks fn every interval until ctx is canceled, recovering and
// logging any panic rather than letting it crash the process — the teacher's
// queueWorker panic-recovery wrapper (internal/core/engine.go), generalized
// to any of the three background loops.
func runLoop(ctx context.Context, log *slog.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnceRecovered(log, name, ctx, fn)
		}
	}
}

func runOnceRecovered(log *slog.Logger, name string, ctx context.Context, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("loop panic recovered", "loop", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		log.Error("loop cycle failed", "loop", name, "err", err)
	}
}

// waitForSignal blocks until SIGINT or SIGTERM, the way the teacher's
// lifecycle.WaitForSignals does, inlined here since nothing else in this
// daemon needs a reusable signal-wait helper.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
