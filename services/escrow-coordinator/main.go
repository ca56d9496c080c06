package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"xmrmarket/native/order"
	"xmrmarket/observability/logging"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logging.Setup("escrow-coordinator", "").Error("configuration error", "error", err.Error())
		os.Exit(1)
	}
	log := logging.Setup("escrow-coordinator", cfg.Environment)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Error("open sqlite store", "path", cfg.DatabasePath, "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	engine := order.NewEngine(cfg.Network)
	engine.SetState(store)

	srv := NewServer(cfg, store, engine, metrics, registry, log)
	// Route engine events through the same audit/metrics sink as ceremony
	// events.
	engine.SetEmitter(srv)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("escrow coordinator listening", "address", cfg.ListenAddress, "network", string(cfg.Network))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err.Error())
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server terminated", "error", err.Error())
			os.Exit(1)
		}
	}
}
