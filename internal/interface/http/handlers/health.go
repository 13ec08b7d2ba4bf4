package handlers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH REPORT
// ══════════════════════════════════════════════════════════════════════════════

// HealthChecker builds the report served on /health.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// HealthCheckFunc probes one dependency. A non-nil error marks it unhealthy.
type HealthCheckFunc func(ctx context.Context) error

// DetailsFunc returns diagnostics that never fail the report, e.g. pool
// stats, event bus metrics or the broker circuit state.
type DetailsFunc func() interface{}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSITE CHECKER
// ══════════════════════════════════════════════════════════════════════════════

type probe struct {
	name  string
	check HealthCheckFunc
}

type detail struct {
	name string
	fn   DetailsFunc
}

// CompositeHealthChecker runs every registered probe in parallel, each
// under its own timeout, and merges the results with the details.
type CompositeHealthChecker struct {
	mu      sync.RWMutex
	probes  []probe
	details []detail
	started time.Time
	version string
	timeout time.Duration
}

// NewCompositeHealthChecker creates a checker with a 5s per-probe timeout.
func NewCompositeHealthChecker(version string) *CompositeHealthChecker {
	return &CompositeHealthChecker{
		started: time.Now(),
		version: version,
		timeout: 5 * time.Second,
	}
}

// SetTimeout changes the per-probe timeout.
func (c *CompositeHealthChecker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// AddCheck registers a probe. Re-registering a name replaces it.
func (c *CompositeHealthChecker) AddCheck(name string, check HealthCheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.probes {
		if c.probes[i].name == name {
			c.probes[i].check = check
			return
		}
	}
	c.probes = append(c.probes, probe{name: name, check: check})
}

// AddDetails registers a diagnostics provider. Re-registering a name replaces it.
func (c *CompositeHealthChecker) AddDetails(name string, fn DetailsFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.details {
		if c.details[i].name == name {
			c.details[i].fn = fn
			return
		}
	}
	c.details = append(c.details, detail{name: name, fn: fn})
}

// Check implements HealthChecker.
func (c *CompositeHealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	probes := append([]probe(nil), c.probes...)
	details := append([]detail(nil), c.details...)
	timeout := c.timeout
	c.mu.RUnlock()

	status := HealthStatus{
		Healthy:   true,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}

	if len(details) > 0 {
		status.Details = make(map[string]interface{}, len(details))
		for _, d := range details {
			status.Details[d.name] = d.fn()
		}
	}

	if len(probes) == 0 {
		status.Message = "No health checks registered"
		return status
	}

	results := make([]CheckResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = runProbe(ctx, p.check, timeout)
		}(i, p)
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(probes))
	var failed []string
	for i, p := range probes {
		status.Checks[p.name] = results[i]
		if !results[i].Healthy {
			failed = append(failed, p.name)
		}
	}

	if len(failed) == 0 {
		status.Message = "All checks passed"
		return status
	}
	sort.Strings(failed)
	status.Healthy = false
	status.Message = "Some checks failed: " + strings.Join(failed, ", ")
	return status
}

func runProbe(ctx context.Context, check HealthCheckFunc, timeout time.Duration) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := check(probeCtx)
	res := CheckResult{
		Healthy:  err == nil,
		Message:  "OK",
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// ══════════════════════════════════════════════════════════════════════════════
// PROBES
// ══════════════════════════════════════════════════════════════════════════════

// Pinger is satisfied by the aggregate stores and the Redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingCheck probes a Pinger.
func NewPingCheck(p Pinger) HealthCheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}
