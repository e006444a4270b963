package monitoring

import (
	"context"
	"sync"
	"time"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex

	resultsMu sync.RWMutex
	results   map[string]string
	wg        sync.WaitGroup
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		results: make(map[string]string),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// CheckAll runs every check now, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		result := runCheck(ctx, check)
		if result != statusHealthy {
			status.Status = statusUnhealthy
		}
		status.Checks[check.Name] = result
	}

	return status
}

func runCheck(ctx context.Context, check HealthCheck) string {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy, err := check.Check(checkCtx)
	switch {
	case err != nil:
		return err.Error()
	case !healthy:
		return "check failed"
	default:
		return statusHealthy
	}
}

// StartBackgroundChecks runs each check on its interval until ctx is done.
// LastStatus reports the most recent background results.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, check := range h.checks {
		if check.Interval <= 0 {
			continue
		}
		h.wg.Add(1)
		go h.runCheckPeriodically(ctx, check)
	}
}

// Wait blocks until background checks have exited.
func (h *HealthChecker) Wait() {
	h.wg.Wait()
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	defer h.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := runCheck(ctx, check)
			h.resultsMu.Lock()
			h.results[check.Name] = result
			h.resultsMu.Unlock()
		}
	}
}

// LastStatus summarizes background results without running any check.
func (h *HealthChecker) LastStatus() HealthStatus {
	h.resultsMu.RLock()
	defer h.resultsMu.RUnlock()

	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(h.results)),
	}
	for name, result := range h.results {
		if result != statusHealthy {
			status.Status = statusUnhealthy
		}
		status.Checks[name] = result
	}
	return status
}
