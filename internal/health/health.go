// Package health serves the liveness and readiness endpoints of the realtime service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pitabwire/frame/cache"
	"gorm.io/gorm"
)

const (
	defaultCheckTimeout = 5 * time.Second
	percentScale        = 100
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one Checker run.
type CheckResult struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Response is the JSON body written by both health handlers.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker tests one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Handler aggregates checkers behind /healthz and /readyz.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) AddChecker(checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
}

// LivenessHandler answers 200 as long as the process can serve HTTP.
func (h *Handler) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, Response{Status: StatusHealthy})
}

// ReadinessHandler runs every checker concurrently. Degraded still answers 200.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Evaluate(r.Context())

	code := http.StatusOK
	if response.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeResponse(w, code, response)
}

// Evaluate runs all checkers and folds their results into one status.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	response := Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checkers))}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, checker := range checkers {
		wg.Go(func() {
			result := checker.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			response.Checks[checker.Name()] = result
			response.Status = worse(response.Status, result.Status)
		})
	}
	wg.Wait()

	return response
}

func worse(current, candidate Status) Status {
	switch {
	case current == StatusUnhealthy || candidate == StatusUnhealthy:
		return StatusUnhealthy
	case current == StatusDegraded || candidate == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func writeResponse(w http.ResponseWriter, code int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

func timed(ctx context.Context, timeout time.Duration, check func(ctx context.Context) error) CheckResult {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{Status: StatusUnhealthy, LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, LatencyMs: latency}
}

// DBProvider is satisfied by the frame datastore pool and by test databases.
type DBProvider interface {
	DB(ctx context.Context, readOnly bool) *gorm.DB
}

// DatabaseChecker pings the datastore and reports degraded when the pool is saturated.
type DatabaseChecker struct {
	provider DBProvider
	timeout  time.Duration
}

func NewDatabaseChecker(provider DBProvider, timeout time.Duration) *DatabaseChecker {
	return &DatabaseChecker{provider: provider, timeout: timeout}
}

func (d *DatabaseChecker) Name() string {
	return "database"
}

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	saturated := false

	result := timed(ctx, d.timeout, func(ctx context.Context) error {
		sqlDB, err := d.provider.DB(ctx, true).DB()
		if err != nil {
			return err
		}
		if err = sqlDB.PingContext(ctx); err != nil {
			return err
		}
		stats := sqlDB.Stats()
		saturated = stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections
		return nil
	})

	if result.Status == StatusHealthy && saturated {
		result.Status = StatusDegraded
		result.Error = "connection pool exhausted"
	}
	return result
}

// CacheChecker checks a frame cache backend with a read of a sentinel key.
type CacheChecker struct {
	cache   cache.RawCache
	timeout time.Duration
}

func NewCacheChecker(c cache.RawCache, timeout time.Duration) *CacheChecker {
	return &CacheChecker{cache: c, timeout: timeout}
}

func (c *CacheChecker) Name() string {
	return "cache"
}

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	return timed(ctx, c.timeout, func(ctx context.Context) error {
		_, _, err := c.cache.Get(ctx, "__health_check__")
		return err
	})
}

// PingChecker wraps an arbitrary check function.
type PingChecker struct {
	name    string
	pingFn  func(ctx context.Context) error
	timeout time.Duration
}

func NewPingChecker(name string, pingFn func(ctx context.Context) error, timeout time.Duration) *PingChecker {
	return &PingChecker{name: name, pingFn: pingFn, timeout: timeout}
}

func (p *PingChecker) Name() string {
	return p.name
}

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	return timed(ctx, p.timeout, p.pingFn)
}

// CapacityChecker reports degraded once usage crosses thresholdPercent of capacity.
type CapacityChecker struct {
	name             string
	usage            func() (current, capacity int)
	thresholdPercent int
}

func NewCapacityChecker(name string, usage func() (current, capacity int), thresholdPercent int) *CapacityChecker {
	return &CapacityChecker{name: name, usage: usage, thresholdPercent: thresholdPercent}
}

func (c *CapacityChecker) Name() string {
	return c.name
}

func (c *CapacityChecker) Check(_ context.Context) CheckResult {
	current, capacity := c.usage()
	if capacity <= 0 {
		return CheckResult{Status: StatusHealthy}
	}

	utilisation := current * percentScale / capacity
	switch {
	case current >= capacity:
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("at capacity (%d/%d)", current, capacity)}
	case utilisation >= c.thresholdPercent:
		return CheckResult{Status: StatusDegraded, Error: fmt.Sprintf("utilisation %d%%", utilisation)}
	default:
		return CheckResult{Status: StatusHealthy}
	}
}
