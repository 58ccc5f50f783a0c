package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gorilla/mux"

	"github.com/psantana5/sessiond/pkg/api"
	"github.com/psantana5/sessiond/pkg/config"
	"github.com/psantana5/sessiond/pkg/keyedlock"
	"github.com/psantana5/sessiond/pkg/logging"
	"github.com/psantana5/sessiond/pkg/metrics"
	"github.com/psantana5/sessiond/pkg/models"
	"github.com/psantana5/sessiond/pkg/probe"
	"github.com/psantana5/sessiond/pkg/reaper"
	"github.com/psantana5/sessiond/pkg/registry"
	"github.com/psantana5/sessiond/pkg/restart"
	"github.com/psantana5/sessiond/pkg/shutdown"
	"github.com/psantana5/sessiond/pkg/store"
	"github.com/psantana5/sessiond/pkg/supervisor"
	"github.com/psantana5/sessiond/pkg/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgFile := flag.String("config", "", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logging.NewLogger(logging.ERROR, false).Error("Config load failed", map[string]interface{}{"error": err.Error()})
		return 1
	}

	log, err := logging.NewFileLogger("sessiond", logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
	if err != nil {
		log = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
	}
	defer log.Close()

	root, err := filepath.Abs(cfg.SessionRoot)
	if err != nil {
		log.Error("Invalid session root", map[string]interface{}{"error": err.Error()})
		return 1
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		log.Error("Cannot create session root", map[string]interface{}{"error": err.Error()})
		return 1
	}

	// One supervising process per machine: the registry, restart table
	// and per-key locks are process-local, so a second daemon over the
	// same root would reintroduce every duplicate-launch race.
	fileLock := flock.New(filepath.Join(root, "sessiond.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		log.Error("Acquiring daemon lock failed", map[string]interface{}{"error": err.Error()})
		return 1
	}
	if !locked {
		log.Error("Another sessiond instance already supervises this root")
		return 1
	}
	defer fileLock.Unlock()

	var events store.EventStore
	if cfg.EventDB != "" {
		events, err = store.NewSQLiteStore(cfg.EventDB)
		if err != nil {
			log.Error("Cannot open event store", map[string]interface{}{"error": err.Error()})
			return 1
		}
	} else {
		events = store.NewMemoryStore()
	}
	defer events.Close()

	sessions := registry.New()
	exporter := metrics.NewExporter(sessions)
	rpr := reaper.New(log, cfg.WorkerBinary, sessions.ActiveProcessIDs)
	prober := probe.New()

	sup, err := supervisor.New(supervisor.Config{
		Root:     root,
		Launcher: &worker.ExecLauncher{Binary: cfg.WorkerBinary, BaseArgs: cfg.WorkerArgs},
		Registry: sessions,
		Locks:    keyedlock.NewWithTimeout(cfg.LockTimeout),
		Policy:   restart.NewWithLimits(cfg.RestartWindow, cfg.RestartCooldown, cfg.RestartMaxAttempts),
		Reaper:   rpr,
		Prober:   prober,
		Events:   events,
		Metrics:  exporter,
		Log:      log,
	})
	if err != nil {
		log.Error("Supervisor init failed", map[string]interface{}{"error": err.Error()})
		return 1
	}

	log.Info("Starting sessiond", map[string]interface{}{
		"root": root, "listen": cfg.ListenAddr, "worker": cfg.WorkerBinary,
	})

	// Relaunch every persisted session before opening the API.
	sup.Restore(context.Background())

	stopLoop, err := sup.StartReconcileLoop(context.Background(), cfg.ReconcileInterval)
	if err != nil {
		log.Error("Reconcile loop failed to start", map[string]interface{}{"error": err.Error()})
		return 1
	}

	handler := api.NewHandler(sup, prober, log)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/metrics", exporter).Methods("GET")

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		// Stop and reload handlers may legitimately block for a full
		// teardown plus relaunch.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Hooks run LIFO: first the API stops taking requests, then the
	// reconcile loop winds down, then every session is torn down.
	mgr := shutdown.New(log, cfg.ShutdownHorizon)
	mgr.Register(func(ctx context.Context) error {
		// Graceful teardown of every session, in parallel, each one
		// bounded by its own liveness poll.
		var wg sync.WaitGroup
		for _, key := range sup.Registry().Keys() {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				if err := sup.Teardown(key, models.TeardownDestroy, false); err != nil {
					log.Warn("Shutdown teardown failed", map[string]interface{}{
						"key": key, "error": err.Error(),
					})
				}
			}(key)
		}
		wg.Wait()
		return nil
	})
	mgr.Register(func(ctx context.Context) error {
		return stopLoop()
	})
	mgr.Register(func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	mgr.RegisterForceKill(func() {
		// Horizon expired: kill whatever is left, one by one.
		for _, info := range sup.Registry().Snapshot() {
			if handle, ok := sup.Registry().Handle(info.Key); ok {
				handle.Detach()
				rpr.KillByHandle(handle)
			}
		}
	})

	go func() {
		log.Info("API listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr.Wait()
	return mgr.Shutdown()
}
