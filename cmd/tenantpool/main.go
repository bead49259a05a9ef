// Package main is the entrypoint for the multi-tenant database pool
// manager. It loads configuration, builds the environment registry,
// initializes health checks and metrics, and sets up graceful shutdown
// handling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lfarias-data/tenantpool/internal/config"
	"github.com/lfarias-data/tenantpool/internal/dispatch"
	"github.com/lfarias-data/tenantpool/internal/driver/mssqldriver"
	"github.com/lfarias-data/tenantpool/internal/health"
	"github.com/lfarias-data/tenantpool/internal/metrics"
	"github.com/lfarias-data/tenantpool/internal/recovery"
	"github.com/lfarias-data/tenantpool/internal/registry"
	"github.com/lfarias-data/tenantpool/internal/server"
	"github.com/lfarias-data/tenantpool/internal/session"
)

var (
	serverConfigPath = flag.String("config", "configs/server.yaml", "Path to server configuration file")
	envsConfigPath   = flag.String("environments", "configs/environments.yaml", "Path to environments configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting multi-tenant database pool manager")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*serverConfigPath, *envsConfigPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d environments, instance=%s",
		len(cfg.Environments), cfg.Server.InstanceID)

	for _, e := range cfg.Environments {
		log.Printf("[main]   Environment %s → %s:%d (max=%d, min=%d, idle_timeout=%s)",
			e.Name, e.Host, e.Port, e.MaxPoolSize, e.MinPoolSize, e.IdleTimeout)
	}

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)

	// Metrics HTTP server (Prometheus scrape endpoint)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Initialize Environment Registry ─────────────────────────────
	connector := mssqldriver.New()

	log.Println("[main] Building environment registry...")
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	reg, err := registry.New(startupCtx, cfg, connector)
	startupCancel()
	if err != nil {
		log.Fatalf("[main] Failed to build environment registry: %v", err)
	}
	for _, e := range reg.Environments() {
		s := e.Pool.Stats()
		log.Printf("[main]   Pool %s: idle=%d, in_use=%d (system=%s)",
			e.Config.Name, s.Idle, s.InUse, e.Fingerprint.SystemID)
	}

	// ─── Initialize Session Store ────────────────────────────────────
	store := session.NewRedisStore(cfg.Redis)
	defer store.Close()
	log.Printf("[main] Session store ready (redis=%s, ttl=%s)", cfg.Redis.Addr, cfg.Redis.SessionTTL)

	// ─── Initialize Health Checker ───────────────────────────────────
	checker := health.NewChecker(cfg, reg, store.Client())
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] Health check server listening on :%d/health", cfg.Server.HealthCheckPort)

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		log.Printf("[main]   %s: %s %s (latency: %s)", comp.Name, comp.Status, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Initialize Recovery, Dispatcher, Reaper ─────────────────────
	policy := &recovery.Policy{Registry: reg, Store: store, Connector: connector}
	dispatcher := &dispatch.Dispatcher{
		Registry:  reg,
		Recovery:  policy,
		BatchSize: cfg.Server.StreamBatchSize,
	}

	reaper := &registry.Reaper{
		Registry: reg,
		Store:    store,
		Timeout:  cfg.Server.TenantIdleTimeout,
		Interval: cfg.Server.ReapInterval,
	}
	reaper.Start()
	defer reaper.Stop()

	// ─── Start HTTP API ──────────────────────────────────────────────
	srv := server.New(cfg, dispatcher, reg, store, connector)
	apiServer := srv.HTTPServer()
	go func() {
		log.Printf("[main] API listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] API server error: %v", err)
		}
	}()

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] API server shutdown error: %v", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	reg.Shutdown(shutdownCtx)

	log.Println("[main] Shutdown complete.")
}
