package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/storefront/payments-api/internal/platform/httpx"
)

const defaultReadinessTimeout = 1500 * time.Millisecond

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
	healthStatusError    = "error"
)

// ReadinessCheck probes one dependency during /readyz. A failing optional
// check degrades readiness instead of failing it.
type ReadinessCheck struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Check    func(context.Context) error
}

// BuildInfo is reported by /healthz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serve liveness and readiness probes.
type HealthHandlers struct {
	build  BuildInfo
	checks []ReadinessCheck
	now    func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithReadinessCheck adds a dependency probe. Checks without a name or function are ignored.
func WithReadinessCheck(check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if strings.TrimSpace(check.Name) == "" || check.Check == nil {
			return
		}
		h.checks = append(h.checks, check)
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:      healthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.UTC().Format(time.RFC3339),
	})
}

type checkResult struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type readinessResponse struct {
	Status    string        `json:"status"`
	Checks    []checkResult `json:"checks"`
	Timestamp string        `json:"timestamp"`
}

// Readyz runs every dependency check concurrently. Any error status answers 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	results := h.runChecks(r.Context())

	overall := healthStatusOK
	for _, result := range results {
		if result.Status == healthStatusError {
			overall = healthStatusError
			break
		}
		if result.Status == healthStatusDegraded {
			overall = healthStatusDegraded
		}
	}

	status := http.StatusOK
	if overall == healthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, readinessResponse{
		Status:    overall,
		Checks:    results,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandlers) runChecks(ctx context.Context) []checkResult {
	results := make([]checkResult, len(h.checks))
	var wg sync.WaitGroup
	for i, check := range h.checks {
		wg.Add(1)
		go func(i int, check ReadinessCheck) {
			defer wg.Done()
			timeout := check.Timeout
			if timeout <= 0 {
				timeout = defaultReadinessTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := check.Check(checkCtx)
			result := checkResult{
				Name:      check.Name,
				Status:    healthStatusOK,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				result.Status = healthStatusError
				if check.Optional {
					result.Status = healthStatusDegraded
				}
				result.Error = err.Error()
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					result.Error = "timeout"
				}
			}
			results[i] = result
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}
