// Package health runs component checks for scribe serve and exposes them
// as liveness, readiness and detail endpoints.
//
// Only components registered as critical can make the server unhealthy.
// Any other failing component degrades it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status of a component or of the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown means a component has not been checked yet.
	StatusUnknown Status = "unknown"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 5 * time.Second

// Result is one component's last check.
type Result struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Took      string         `json:"took"`
}

// Check inspects one component. It should honor ctx.
type Check func(ctx context.Context) Result

type component struct {
	critical bool
	check    Check
}

// Checker holds the registered components and their last results.
type Checker struct {
	version string
	started time.Time
	timeout time.Duration
	ready   atomic.Bool

	mu         sync.RWMutex
	components map[string]component
	last       map[string]Result
}

// NewChecker reports version in the /health response.
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		started:    time.Now(),
		timeout:    DefaultTimeout,
		components: make(map[string]component),
		last:       make(map[string]Result),
	}
}

// RegisterFunc adds or replaces a component.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{critical: critical, check: check}
	c.last[name] = Result{Status: StatusUnknown}
}

// SetReady marks whether the server accepts work.
func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

// IsReady reports the last SetReady.
func (c *Checker) IsReady() bool { return c.ready.Load() }

// Check runs every component concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]Result {
	c.mu.RLock()
	pending := make(map[string]component, len(c.components))
	for name, comp := range c.components {
		pending[name] = comp
	}
	c.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]Result, len(pending))
	)
	for name, comp := range pending {
		name, comp := name, comp
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := c.run(ctx, comp.check)
			mu.Lock()
			out[name] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range out {
		if _, ok := c.components[name]; ok {
			c.last[name] = r
		}
	}
	c.mu.Unlock()
	return out
}

// run applies the timeout and turns a panic into an unhealthy result.
func (c *Checker) run(ctx context.Context, check Check) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(p)}
			}
		}()
		done <- check(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	r.CheckedAt = start.UTC()
	r.Took = time.Since(start).String()
	return r
}

// OverallStatus folds the last results. A critical component that has not
// been checked yet makes the server unknown.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, r := range c.last {
		critical := c.components[name].critical
		switch {
		case r.Status == StatusUnhealthy && critical:
			return StatusUnhealthy
		case r.Status == StatusUnknown && critical:
			status = StatusUnknown
		case r.Status == StatusUnhealthy, r.Status == StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// Response is the /health body.
type Response struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Response runs the checks and summarizes them.
func (c *Checker) Response(ctx context.Context, withComponents bool) Response {
	results := c.Check(ctx)
	if !withComponents {
		results = nil
	}
	return Response{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Version:    c.version,
		Uptime:     time.Since(c.started).Truncate(time.Second).String(),
		Components: results,
		Timestamp:  time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process runs.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) and whenever a
// critical component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now().UTC()})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now().UTC()})
	})
}

// HealthHandler serves the Response; ?full=true includes component results.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Response(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}
