package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/outreach-dispatch/internal/app"
	"github.com/Cypherspark/outreach-dispatch/internal/config"
	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
	wpkg "github.com/Cypherspark/outreach-dispatch/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		exitCode = 1
		return
	}
	if cfg.Store == config.StoreMemory {
		log.Printf("worker: STORE=memory cannot be shared with the API; run the API with DISPATCH_INTERVAL instead")
		exitCode = 1
		return
	}
	if cfg.DispatchInterval <= 0 {
		log.Printf("worker: DISPATCH_INTERVAL must be positive")
		exitCode = 1
		return
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Backends ----
	a, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		log.Printf("startup: %v", err)
		exitCode = 1
		return
	}
	defer a.Close()

	metrics.MustRegister()
	if a.Pool != nil {
		go metrics.NewPGXPoolStats(a.Pool).Start(15*time.Second, rootCtx.Done())
	}

	// ---- Healthz ----
	go serveHealthz(cfg.HealthAddr)

	// ---- Worker ----
	err = wpkg.RunWorker(rootCtx, a.Engine, wpkg.WorkerOptions{
		Interval:   cfg.DispatchInterval,
		RunTimeout: cfg.DispatchRunTimeout,
		Logger:     logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker exited: %v", err)
		exitCode = 1
		return
	}
}

func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler(nil))
	_ = http.ListenAndServe(addr, mux)
}
