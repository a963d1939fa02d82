// Copyright 2022 The emqx-go Authors
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


// Package monitor runs the health checks reported by the admin API.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/logger"
)

const (
	defaultCheckTimeout = 5 * time.Second
	maxGoroutines       = 100000
)

// Check status values.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusUnknown = "unknown"
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	fn          CheckFunc
	critical    bool
	enabled     bool
	lastChecked time.Time
	lastErr     error
}

// HealthChecker runs named checks. The node is unhealthy while any critical
// check fails.
type HealthChecker struct {
	node    string
	version string
	started time.Time
	timeout time.Duration
	log     *zap.Logger

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	checks    map[string]*healthCheck
}

// HealthStatus is the report returned by RunChecks and Status.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult is the last outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains process level information.
type SystemInfo struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	NumCPU     int    `json:"num_cpu"`
	GoVersion  string `json:"go_version"`
}

// NewHealthChecker creates a checker with the goroutine check registered.
func NewHealthChecker(node, version string, log *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		node:    node,
		version: version,
		started: time.Now(),
		timeout: defaultCheckTimeout,
		log:     logger.OrNop(log).Named("health"),
		healthy: true,
		checks:  make(map[string]*healthCheck),
	}
	hc.RegisterCheck("goroutines", func(context.Context) error {
		if n := runtime.NumGoroutine(); n > maxGoroutines {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck adds or replaces a check.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &healthCheck{fn: fn, critical: critical, enabled: true}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// SetEnabled turns a check on or off.
func (hc *HealthChecker) SetEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if c, ok := hc.checks[name]; ok {
		c.enabled = enabled
	}
}

// RunChecks runs every enabled check, each bounded by the check timeout.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	fns := make(map[string]CheckFunc, len(hc.checks))
	for name, c := range hc.checks {
		if c.enabled {
			names = append(names, name)
			fns[name] = c.fn
		}
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	now := time.Now()
	results := make(map[string]error, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, hc.timeout)
		begin := time.Now()
		results[name] = fns[name](cctx)
		cancel()
		if d := time.Since(begin); d > time.Second {
			hc.log.Warn("slow health check", zap.String("check", name), zap.Duration("took", d))
		}
	}

	hc.mu.Lock()
	healthy := true
	for name, err := range results {
		c, ok := hc.checks[name]
		if !ok {
			continue
		}
		c.lastChecked = now
		c.lastErr = err
		if err != nil && c.critical {
			healthy = false
		}
	}
	if healthy != hc.healthy {
		hc.log.Info("health changed", zap.Bool("healthy", healthy))
	}
	hc.healthy = healthy
	hc.lastCheck = now
	hc.mu.Unlock()

	return hc.Status()
}

// Status returns the last results without running the checks.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]CheckResult, len(hc.checks))
	for name, c := range hc.checks {
		if !c.enabled {
			continue
		}
		r := CheckResult{Status: StatusUnknown, LastChecked: c.lastChecked, Critical: c.critical}
		if !c.lastChecked.IsZero() {
			r.Status = StatusPassed
			if c.lastErr != nil {
				r.Status = StatusFailed
				r.Message = c.lastErr.Error()
			}
		}
		results[name] = r
	}

	status := "healthy"
	if !hc.healthy {
		status = "unhealthy"
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  hc.lastCheck,
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Version:    hc.version,
		Node:       hc.node,
		Checks:     results,
		SystemInfo: systemInfo(),
	}
}

// IsHealthy reports the outcome of the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Run executes the checks once. It matches the supervisor ticker signature.
func (hc *HealthChecker) Run(ctx context.Context) error {
	hc.RunChecks(ctx)
	return nil
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		HeapAlloc:  m.HeapAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}
}
