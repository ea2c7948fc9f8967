package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/config"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

var startTime = time.Now()

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version,omitempty"`
	Environment string                 `json:"environment"`
	Uptime      string                 `json:"uptime"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
	Summary     HealthSummary          `json:"summary"`
}

// HealthSummary provides summary statistics
type HealthSummary struct {
	TotalChecks     int `json:"total_checks"`
	HealthyChecks   int `json:"healthy_checks"`
	DegradedChecks  int `json:"degraded_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   string         `json:"latency,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthChecker interface for implementing health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// HealthHandler handles health check requests
type HealthHandler struct {
	config   *config.Config
	checkers []HealthChecker
	version  string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(cfg *config.Config, version string, checkers ...HealthChecker) *HealthHandler {
	all := make([]HealthChecker, 0, len(checkers)+1)
	all = append(all, checkers...)
	h := &HealthHandler{
		config:   cfg,
		version:  version,
		checkers: append(all, &ApplicationHealthChecker{config: cfg}),
	}
	logger.Info("Health handler initialized with %d checkers", len(h.checkers))
	return h
}

// ServeHTTP handles /health endpoint
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.config.Env,
		Uptime:      time.Since(startTime).String(),
		Checks:      make(map[string]CheckResult),
	}

	overallStatus := HealthStatusHealthy
	summary := HealthSummary{}

	for _, checker := range h.checkers {
		checkStart := time.Now()
		result := checker.Check(ctx)
		result.Latency = time.Since(checkStart).String()
		result.Timestamp = time.Now().UTC()

		response.Checks[checker.Name()] = result
		summary.TotalChecks++

		switch result.Status {
		case HealthStatusHealthy:
			summary.HealthyChecks++
		case HealthStatusDegraded:
			summary.DegradedChecks++
			if overallStatus != HealthStatusUnhealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnhealthy:
			summary.UnhealthyChecks++
			overallStatus = HealthStatusUnhealthy
		}
	}

	response.Status = overallStatus
	response.Summary = summary

	statusCode := http.StatusOK
	if overallStatus == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	if overallStatus != HealthStatusHealthy {
		logger.Warn("Health check completed: status=%s, checks=%d", overallStatus, summary.TotalChecks)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to encode health response: %v", err)
	}
}

// ReadinessHandler handles /ready endpoint. Only the database is critical.
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	for _, checker := range h.checkers {
		if checker.Name() != "database" {
			continue
		}
		if result := checker.Check(r.Context()); result.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready - database: %s\n", result.Error)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// LivenessHandler handles /live endpoint
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live - uptime: %s\n", time.Since(startTime).String())
}

// Pinger is satisfied by repository.EventRepository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseHealthChecker checks the event store.
type DatabaseHealthChecker struct {
	DB     Pinger
	Driver string
}

func (d *DatabaseHealthChecker) Name() string {
	return "database"
}

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	if err := d.DB.Ping(ctx); err != nil {
		logger.Error("Database ping error: %v", err)
		return CheckResult{
			Status: HealthStatusUnhealthy,
			Error:  fmt.Sprintf("Ping failed: %v", err),
		}
	}
	return CheckResult{
		Status:   HealthStatusHealthy,
		Message:  "Database connection successful",
		Metadata: map[string]any{"driver": d.Driver},
	}
}

// RedisHealth is satisfied by *client.RedisClient.
type RedisHealth interface {
	HealthCheck(ctx context.Context) error
	CircuitBreakerState() string
}

// RedisHealthChecker reports degraded, not unhealthy: dedup and rate limiting
// fall back to process memory while Redis is away.
type RedisHealthChecker struct {
	Client RedisHealth
}

func (r *RedisHealthChecker) Name() string {
	return "redis"
}

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	metadata := map[string]any{"circuit_breaker": r.Client.CircuitBreakerState()}
	if err := r.Client.HealthCheck(ctx); err != nil {
		return CheckResult{
			Status:   HealthStatusDegraded,
			Error:    err.Error(),
			Metadata: metadata,
		}
	}
	return CheckResult{
		Status:   HealthStatusHealthy,
		Message:  "Redis connection successful",
		Metadata: metadata,
	}
}

// ApplicationHealthChecker checks application-specific health
type ApplicationHealthChecker struct {
	config *config.Config
}

func (a *ApplicationHealthChecker) Name() string {
	return "application"
}

func (a *ApplicationHealthChecker) Check(context.Context) CheckResult {
	metadata := map[string]any{
		"environment": a.config.Env,
		"port":        a.config.Server.Port,
		"log_level":   a.config.Logger.Level,
		"accounts":    len(a.config.Accounts),
		"kafka":       a.config.Kafka.Enabled,
	}
	for _, acct := range a.config.Accounts {
		if config.IsSecretRef(acct.AccessToken) {
			return CheckResult{
				Status:   HealthStatusDegraded,
				Message:  fmt.Sprintf("access token for account %s was not resolved", acct.ID),
				Metadata: metadata,
			}
		}
	}
	return CheckResult{
		Status:   HealthStatusHealthy,
		Message:  "Application configuration is valid",
		Metadata: metadata,
	}
}
