// Copyright 2023 The emqx-go Authors
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

// Package monitor runs the health checks of the edge broker and serves them
// over HTTP next to the metrics.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/scheduler"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	checkJobName = "health-checks"
)

// Check is a registered health check. Only failing critical checks make
// the node unhealthy; other failures degrade it.
type Check struct {
	Name     string
	Fn       func() error
	Critical bool
	Enabled  bool
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// MemoryInfo is a summary of the Go runtime memory statistics.
type MemoryInfo struct {
	Alloc uint64 `json:"alloc"`
	Sys   uint64 `json:"sys"`
	NumGC uint32 `json:"num_gc"`
}

// Status is the result of a run of every enabled check.
type Status struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	Memory     MemoryInfo             `json:"memory"`
	Goroutines int                    `json:"goroutines"`
}

// HealthChecker holds the checks and the last status.
type HealthChecker struct {
	nodeID  string
	started time.Time
	logger  *zap.Logger

	mu     sync.RWMutex
	checks map[string]*Check
	last   Status
}

// NewHealthChecker creates a checker for nodeID without checks.
func NewHealthChecker(nodeID string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &HealthChecker{
		nodeID:  nodeID,
		started: now,
		logger:  logger,
		checks:  make(map[string]*Check),
		last:    Status{Status: StatusHealthy, Timestamp: now, Node: nodeID, Checks: map[string]CheckResult{}},
	}
}

// RegisterCheck adds or replaces the check called name.
func (hc *HealthChecker) RegisterCheck(name string, fn func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &Check{Name: name, Fn: fn, Critical: critical, Enabled: true}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// SetEnabled enables or disables a check.
func (hc *HealthChecker) SetEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if c, ok := hc.checks[name]; ok {
		c.Enabled = enabled
	}
}

// RunChecks runs every enabled check and stores the status.
func (hc *HealthChecker) RunChecks() Status {
	hc.mu.RLock()
	checks := make([]Check, 0, len(hc.checks))
	for _, c := range hc.checks {
		if c.Enabled {
			checks = append(checks, *c)
		}
	}
	hc.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	now := time.Now()
	status := Status{
		Status:     StatusHealthy,
		Timestamp:  now,
		Uptime:     int64(now.Sub(hc.started).Seconds()),
		Node:       hc.nodeID,
		Checks:     make(map[string]CheckResult, len(checks)),
		Goroutines: runtime.NumGoroutine(),
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	status.Memory = MemoryInfo{Alloc: m.Alloc, Sys: m.Sys, NumGC: m.NumGC}

	for _, c := range checks {
		result := CheckResult{Status: StatusHealthy, LastChecked: now, Critical: c.Critical}
		if err := c.Fn(); err != nil {
			result.Status = StatusUnhealthy
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

	hc.mu.Lock()
	prev := hc.last.Status
	hc.last = status
	hc.mu.Unlock()
	if prev != status.Status {
		hc.logger.Info("health status changed", zap.String("from", prev), zap.String("to", status.Status))
	}
	return status
}

// Last returns the status of the most recent run.
func (hc *HealthChecker) Last() Status {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.last
}

// IsHealthy reports whether no critical check failed in the last run.
func (hc *HealthChecker) IsHealthy() bool {
	return hc.Last().Status != StatusUnhealthy
}

// Schedule runs the checks on sched every interval.
func (hc *HealthChecker) Schedule(sched *scheduler.Scheduler, interval time.Duration) error {
	return sched.ScheduleAtFixedRate(checkJobName, interval, func(context.Context) error {
		hc.RunChecks()
		return nil
	})
}

// RegisterRoutes adds the health endpoints to mux.
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
	writeJSON(w, code, status)
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
	if !hc.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
