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
	httpapi "github.com/Cypherspark/outreach-dispatch/internal/http"
	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
	"github.com/Cypherspark/outreach-dispatch/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	if a.Pool != nil {
		go metrics.NewPGXPoolStats(a.Pool).Start(15*time.Second, rootCtx.Done())
	}

	// ---- Worker ----
	// The in-memory store is private to this process, so it dispatches
	// here; with Postgres the worker binary does it.
	workerDone := make(chan struct{})
	if cfg.Store == config.StoreMemory && cfg.DispatchInterval > 0 {
		go func() {
			defer close(workerDone)
			_ = worker.RunWorker(rootCtx, a.Engine, worker.WorkerOptions{
				Interval:   cfg.DispatchInterval,
				RunTimeout: cfg.DispatchRunTimeout,
				Logger:     logger,
			})
		}()
	} else {
		close(workerDone)
	}

	// ---- HTTP server ----
	srv := httpapi.NewServer(a.Store, a.Engine, a.Inbound, httpapi.Config{
		DispatchSecret: cfg.DispatchSecret,
		WebhookSecret:  cfg.WebhookSecret,
		RunTimeout:     cfg.DispatchRunTimeout,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.DispatchRunTimeout + 10*time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s (store=%s)", server.Addr, cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	<-workerDone
}
