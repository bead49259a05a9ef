// Package health fornece health checks para os componentes de
// infraestrutura: os pools de cada environment e o Redis do session store.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lfarias-data/tenantpool/internal/config"
	"github.com/lfarias-data/tenantpool/internal/registry"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report é o relatório geral de saúde.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker realiza health checks contra os environments e o Redis.
type Checker struct {
	cfg         *config.Config
	registry    *registry.Registry
	redisClient *redis.Client
}

// NewChecker cria um health checker. redisClient pode ser nil quando o
// session store roda em memória.
func NewChecker(cfg *config.Config, reg *registry.Registry, redisClient *redis.Client) *Checker {
	return &Checker{cfg: cfg, registry: reg, redisClient: redisClient}
}

// Check probes every environment pool and Redis.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Server.InstanceID,
	}

	for _, entry := range c.registry.Environments() {
		report.Components = append(report.Components, c.checkEnvironment(ctx, entry))
	}
	if c.redisClient != nil {
		report.Components = append(report.Components, c.checkRedis(ctx))
	}

	for _, comp := range report.Components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

// checkEnvironment borrows a handle from the shared pool and reports the
// probed fingerprint.
func (c *Checker) checkEnvironment(ctx context.Context, entry *registry.EnvEntry) ComponentHealth {
	name := "environment:" + entry.Config.Name
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h, err := entry.Pool.Acquire(probeCtx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	entry.Pool.Release(h)

	stats := entry.Pool.Stats()
	return ComponentHealth{
		Name:   name,
		Status: StatusHealthy,
		Message: fmt.Sprintf("system=%s version=%s idle=%d in_use=%d",
			entry.Fingerprint.SystemID, entry.Fingerprint.Version, stats.Idle, stats.InUse),
		Latency: latency.String(),
	}
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err := c.redisClient.Ping(pingCtx).Err()
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// ServeHTTP inicia o servidor HTTP de health check e o retorna para
// shutdown controlado.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", c.cfg.Server.HealthCheckPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] server error: %v", err)
		}
	}()

	return server
}
