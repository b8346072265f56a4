// Copyright 2023 The emqx-lite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides health checking for the broker process and the
// HTTP probes built on it.
package monitor

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Status values reported by HealthStatus.Status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// MaxGoroutines is the goroutine count above which the default goroutine
// check fails.
const MaxGoroutines = 100000

// HealthCheck is a named probe. A failing critical check makes the process
// unhealthy; a failing non-critical one only degrades it.
type HealthCheck struct {
	Name     string
	Check    func() error
	Critical bool
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// HealthStatus is the aggregate result of RunChecks.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime_seconds"`
	Version    string                 `json:"version,omitempty"`
	Goroutines int                    `json:"goroutines"`
	Checks     map[string]CheckResult `json:"checks"`
}

// HealthChecker runs registered checks on demand.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	started time.Time
	version string
}

// NewHealthChecker creates a checker with the default goroutine check.
func NewHealthChecker(version string) *HealthChecker {
	hc := &HealthChecker{
		checks:  make(map[string]HealthCheck),
		started: time.Now(),
		version: version,
	}
	hc.RegisterCheck("goroutines", func() error {
		if n := runtime.NumGoroutine(); n > MaxGoroutines {
			return errors.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck adds or replaces the check called name.
func (hc *HealthChecker) RegisterCheck(name string, check func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = HealthCheck{Name: name, Check: check, Critical: critical}
}

// UnregisterCheck removes the check called name.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// Checks returns the registered check names, sorted.
func (hc *HealthChecker) Checks() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes every check. Checks run outside the lock.
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Version:    hc.version,
		Goroutines: runtime.NumGoroutine(),
		Checks:     make(map[string]CheckResult, len(checks)),
	}
	for _, c := range checks {
		result := CheckResult{Status: "passed", Critical: c.Critical}
		if err := c.Check(); err != nil {
			result.Status = "failed"
			result.Message = err.Error()
			switch {
			case c.Critical:
				status.Status = StatusUnhealthy
			case status.Status == StatusHealthy:
				status.Status = StatusDegraded
			}
		}
		status.Checks[c.Name] = result
	}
	return status
}

// RegisterRoutes adds the health endpoints to mux:
//
//	/health        full JSON status, 503 when unhealthy
//	/health/live   200 while the process runs
//	/health/ready  200 unless a critical check fails
func (hc *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hc.handleHealth)
	mux.HandleFunc("/health/live", hc.handleLiveness)
	mux.HandleFunc("/health/ready", hc.handleReadiness)
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := hc.RunChecks()
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (hc *HealthChecker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (hc *HealthChecker) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hc.RunChecks().Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
