package contracts

import (
	"context"
	"sync"
	"time"
)

// HealthProbe is implemented by anything that can report liveness of a
// dependency: the shared store, the history store, a scanner binary.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// HealthReport aggregates probe outcomes.
type HealthReport struct {
	Healthy   bool              `json:"healthy"`
	Probes    map[string]string `json:"probes"`
	CheckedAt time.Time         `json:"checked_at"`
}

// HealthChecker runs registered probes concurrently with a shared deadline.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []HealthProbe
	clock  Clock
}

func NewHealthChecker(clock Clock) *HealthChecker {
	return &HealthChecker{clock: clock}
}

func (h *HealthChecker) Register(probe HealthProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// Check runs every probe and reports per-probe status. A probe error marks
// the whole report unhealthy but never aborts the remaining probes.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	h.mu.RLock()
	probes := make([]HealthProbe, len(h.probes))
	copy(probes, h.probes)
	h.mu.RUnlock()

	report := HealthReport{Healthy: true, Probes: make(map[string]string, len(probes)), CheckedAt: h.clock.Now()}
	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(probes))
	for _, p := range probes {
		go func(p HealthProbe) {
			results <- outcome{name: p.Name(), err: p.Check(ctx)}
		}(p)
	}
	for range probes {
		r := <-results
		if r.err != nil {
			report.Healthy = false
			report.Probes[r.name] = r.err.Error()
		} else {
			report.Probes[r.name] = "ok"
		}
	}
	return report
}
