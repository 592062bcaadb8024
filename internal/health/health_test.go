package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChecker(t *testing.T) {
	checker := NewChecker()

	checker.RegisterCheck("test-healthy", func(ctx context.Context) Check {
		return Check{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details:   map[string]any{"test": "value"},
		}
	})
	checker.RegisterCheck("test-unhealthy", func(ctx context.Context) Check {
		return Check{
			Status:    StatusUnhealthy,
			Timestamp: time.Now(),
			Details:   map[string]any{"error": "test error"},
		}
	})

	results := checker.CheckHealth(context.Background())

	if len(results) != 2 {
		t.Errorf("Expected 2 results, got %d", len(results))
	}
	if results["test-healthy"].Status != StatusHealthy {
		t.Errorf("Expected test-healthy to be healthy")
	}
	if results["test-unhealthy"].Status != StatusUnhealthy {
		t.Errorf("Expected test-unhealthy to be unhealthy")
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		unhealthy  bool
		wantStatus int
	}{
		{"all healthy", false, http.StatusOK},
		{"one unhealthy", true, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker()
			checker.RegisterCheck("healthy", func(ctx context.Context) Check {
				return Check{Status: StatusHealthy, Timestamp: time.Now()}
			})
			if tt.unhealthy {
				checker.RegisterCheck("unhealthy", func(ctx context.Context) Check {
					return Check{Status: StatusUnhealthy, Timestamp: time.Now()}
				})
			}

			rr := httptest.NewRecorder()
			checker.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rr.Code != tt.wantStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.wantStatus)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var response struct {
				Status Status           `json:"status"`
				Checks map[string]Check `json:"checks"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if tt.unhealthy != (response.Status == StatusUnhealthy) {
				t.Errorf("overall status = %s", response.Status)
			}
		})
	}
}

func TestSnapshotCheck(t *testing.T) {
	maxAge := time.Hour

	tests := []struct {
		name   string
		status RunStatus
		want   Status
	}{
		{
			name:   "no run yet",
			status: RunStatus{State: "idle"},
			want:   StatusHealthy,
		},
		{
			name:   "last run succeeded",
			status: RunStatus{State: "done", LastSuccess: time.Now().Add(-5 * time.Minute)},
			want:   StatusHealthy,
		},
		{
			name:   "failed after a recent success",
			status: RunStatus{State: "failed", LastSuccess: time.Now().Add(-10 * time.Minute), LastError: "upload failed"},
			want:   StatusHealthy,
		},
		{
			name:   "failed with a stale success",
			status: RunStatus{State: "failed", LastSuccess: time.Now().Add(-2 * time.Hour), LastError: "upload failed"},
			want:   StatusUnhealthy,
		},
		{
			name:   "never succeeded",
			status: RunStatus{State: "failed", LastError: "flush failed"},
			want:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := SnapshotCheck(func() RunStatus { return tt.status }, maxAge)(context.Background())
			if check.Status != tt.want {
				t.Errorf("status = %s, want %s (details %v)", check.Status, tt.want, check.Details)
			}
			if check.Details["state"] != tt.status.State {
				t.Errorf("state detail = %v, want %s", check.Details["state"], tt.status.State)
			}
		})
	}
}

func TestStoreCheck(t *testing.T) {
	if got := StoreCheck(func() error { return nil })(context.Background()); got.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", got.Status)
	}

	got := StoreCheck(func() error { return errors.New("not initialized") })(context.Background())
	if got.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", got.Status)
	}
	if got.Details["error"] != "not initialized" {
		t.Errorf("error detail = %v", got.Details["error"])
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		ready    func() error
		wantCode int
	}{
		{"no dependency", nil, http.StatusOK},
		{"ready", func() error { return nil }, http.StatusOK},
		{"not ready", func() error { return errors.New("storage not initialized") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			ReadinessHandler(tt.ready).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rr.Code != tt.wantCode {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK && rr.Body.String() != "ready\n" {
				t.Errorf("handler returned unexpected body: %q", rr.Body.String())
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	LivenessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "alive\n" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "alive\n")
	}
}
