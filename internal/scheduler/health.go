package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	statusOK            = "ok"
	statusNotConfigured = "not configured"

	defaultCheckTimeout = 5 * time.Second
)

// EmailProviders reports which email providers are registered and usable.
type EmailProviders interface {
	Available() []string
	List() []string
}

// HealthStatus is the outcome of one health check.
type HealthStatus struct {
	Healthy        bool              `json:"healthy"`
	CheckedAt      time.Time         `json:"checked_at"`
	Components     map[string]string `json:"components"`
	EmailProviders []string          `json:"email_providers,omitempty"`
}

// Summary lists the unhealthy components, sorted by name.
func (h HealthStatus) Summary() string {
	var failed []string
	for name, status := range h.Components {
		if status != statusOK && status != statusNotConfigured {
			failed = append(failed, name+": "+status)
		}
	}
	if len(failed) == 0 {
		return "all components healthy"
	}
	sort.Strings(failed)
	return strings.Join(failed, "; ")
}

type check struct {
	name string
	ping func(ctx context.Context) error
}

// HealthChecker pings the pipeline's own dependencies.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []check
	email   EmailProviders
	timeout time.Duration
	now     func() time.Time
	last    HealthStatus
}

// NewHealthChecker creates a checker that bounds each ping by timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &HealthChecker{timeout: timeout, now: time.Now}
}

// AddCheck registers a named ping, e.g. "postgres" or "redis".
func (h *HealthChecker) AddCheck(name string, ping func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check{name: name, ping: ping})
}

// SetEmailProviders makes the check report email provider availability.
// Having no configured provider is reported but does not fail the check.
func (h *HealthChecker) SetEmailProviders(p EmailProviders) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.email = p
}

// Check runs every ping concurrently and returns the combined status.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]check(nil), h.checks...)
	email := h.email
	h.mu.RUnlock()

	status := HealthStatus{
		Healthy:    true,
		CheckedAt:  h.now(),
		Components: make(map[string]string, len(checks)+1),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range checks {
		wg.Add(1)
		go func(c check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			result := statusOK
			if err := c.ping(cctx); err != nil {
				result = err.Error()
				slog.Error("Health check failed", "component", c.name, "error", err)
			}
			mu.Lock()
			defer mu.Unlock()
			status.Components[c.name] = result
			if result != statusOK {
				status.Healthy = false
			}
		}(c)
	}
	wg.Wait()

	if email != nil {
		status.EmailProviders = email.Available()
		if len(status.EmailProviders) == 0 {
			status.Components["email"] = statusNotConfigured
			slog.Warn("No email provider configured", "registered", email.List())
		} else {
			status.Components["email"] = statusOK
		}
	}

	h.mu.Lock()
	h.last = status
	h.mu.Unlock()

	slog.Info("Health check completed",
		"healthy", status.Healthy,
		"components", len(status.Components),
		"email_providers", strings.Join(status.EmailProviders, ","),
	)
	return status
}

// Last returns the result of the most recent Check.
func (h *HealthChecker) Last() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}
