// Package health reports whether the snapshot service is keeping up.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check result.
type Check struct {
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// CheckFunc produces a single check result.
type CheckFunc func(context.Context) Check

// Checker runs named checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a health check function.
func (c *Checker) RegisterCheck(name string, checkFunc CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = checkFunc
}

// CheckHealth performs all registered health checks.
func (c *Checker) CheckHealth(ctx context.Context) map[string]Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]Check, len(c.checks))
	for name, checkFunc := range c.checks {
		results[name] = checkFunc(ctx)
	}
	return results
}

// Handler returns an HTTP handler reporting every check. Any unhealthy check
// turns the response into a 503.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.CheckHealth(r.Context())

		overallStatus := StatusHealthy
		for _, check := range results {
			if check.Status == StatusUnhealthy {
				overallStatus = StatusUnhealthy
				break
			}
		}

		response := struct {
			Status    Status           `json:"status"`
			Checks    map[string]Check `json:"checks"`
			Timestamp time.Time        `json:"timestamp"`
		}{
			Status:    overallStatus,
			Checks:    results,
			Timestamp: time.Now(),
		}

		code := http.StatusOK
		if overallStatus == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response)
	}
}

// RunStatus is the part of the orchestrator state a snapshot check reads.
type RunStatus struct {
	State       string
	LastSuccess time.Time
	LastError   string
}

// SnapshotCheck reports unhealthy when the most recent run failed and no run
// has succeeded within maxAge. A service that has not finished a run yet is
// healthy.
func SnapshotCheck(status func() RunStatus, maxAge time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		now := time.Now()
		s := status()

		details := map[string]any{"state": s.State}
		if !s.LastSuccess.IsZero() {
			details["last_success"] = s.LastSuccess
			details["last_success_age"] = now.Sub(s.LastSuccess).Round(time.Second).String()
		}

		result := StatusHealthy
		if s.LastError != "" {
			details["last_error"] = s.LastError
			if s.LastSuccess.IsZero() || now.Sub(s.LastSuccess) > maxAge {
				result = StatusUnhealthy
			}
		}
		return Check{Status: result, Timestamp: now, Details: details}
	}
}

// StoreCheck reports unhealthy while no storage client is available.
func StoreCheck(current func() error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Status: StatusHealthy, Timestamp: time.Now()}
		if err := current(); err != nil {
			check.Status = StatusUnhealthy
			check.Details = map[string]any{"error": err.Error()}
		}
		return check
	}
}

// ReadinessHandler answers 200 once ready returns nil.
func ReadinessHandler(ready func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}
}

// LivenessHandler returns a simple liveness check handler.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive\n"))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Headers are already sent, so an encode error cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}
