package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex

	// last results of the background checks, by check name
	last map[string]string
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		last: make(map[string]string),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// CheckAll runs every check now and reports the combined status.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, check := range checks {
		result := h.run(ctx, check)
		status.Checks[check.Name] = result
		if result != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

// LastResults returns the outcome of the most recent background run of each check.
func (h *HealthChecker) LastResults() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.run(ctx, check)
		}
	}
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) string {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	result := StatusHealthy
	if err := check.Check(checkCtx); err != nil {
		result = err.Error()
	}

	h.mu.Lock()
	h.last[check.Name] = result
	h.mu.Unlock()
	return result
}
