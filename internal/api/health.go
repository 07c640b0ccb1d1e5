package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthChecker is a named dependency probe.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthCheckConfig configures the health endpoints.
type HealthCheckConfig struct {
	Checkers []HealthChecker
	Timeout  time.Duration
}

// HealthStatus is the aggregate health report.
type HealthStatus struct {
	Status   string                 `json:"status"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
	Breakers map[string]string      `json:"breakers,omitempty"`
}

// CheckResult is one dependency's probe outcome.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker probes redis connectivity.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string { return "redis" }

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresHealthChecker probes database connectivity.
type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string { return "postgres" }

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "failed"
				result.Error = err.Error()
			}
			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// handleHealth aggregates dependency probes with the per-provider breaker
// states. Any failed probe degrades the overall status to 503.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	timeout := h.health.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	status := HealthStatus{
		Status:   "ok",
		Checks:   runHealthChecks(ctx, h.health.Checkers),
		Breakers: h.gateway.BreakerStates(),
	}

	code := http.StatusOK
	for _, result := range status.Checks {
		if result.Status != "ok" {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, status)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthReady answers ready only when every dependency probe passes.
func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	timeout := h.health.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	for _, checker := range h.health.Checkers {
		if err := checker.Check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": checker.Name() + ": " + err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
