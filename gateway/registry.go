package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

const (
	healthCheckInterval = 60 * time.Second
	staleAfter          = 5 * time.Minute
)

// ServiceRegistry resolves service names to backends and health-checks
// them on an interval. A registration not successfully checked for five
// minutes is marked degraded.
type ServiceRegistry struct {
	httpClient *http.Client
	clock      contracts.Clock
	logger     *logrus.Logger

	mu       sync.RWMutex
	services map[string]*ServiceRegistration
}

// NewServiceRegistry builds an empty registry.
func NewServiceRegistry(clock contracts.Clock, logger *logrus.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		clock:      clock,
		logger:     logger,
		services:   map[string]*ServiceRegistration{},
	}
}

// Register adds or replaces a backend. New registrations start healthy.
func (r *ServiceRegistry) Register(name, baseURL, healthPath string) {
	r.mu.Lock()
	r.services[name] = &ServiceRegistration{
		Name:        name,
		BaseURL:     baseURL,
		HealthPath:  healthPath,
		Healthy:     true,
		LastChecked: r.clock.Now(),
	}
	r.mu.Unlock()
}

// Resolve returns the backend base URL for a service. Unknown services are
// not-found; degraded or unhealthy ones are unavailable.
func (r *ServiceRegistry) Resolve(service string) (string, error) {
	r.mu.RLock()
	reg, ok := r.services[service]
	r.mu.RUnlock()
	if !ok {
		return "", contracts.E(contracts.KindNotFound, "unknown service %s", service)
	}
	if !reg.Healthy || reg.Degraded {
		return "", contracts.E(contracts.KindTransient, "service %s is unavailable", service)
	}
	return reg.BaseURL, nil
}

// Snapshot lists the current registrations.
func (r *ServiceRegistry) Snapshot() []ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceRegistration, 0, len(r.services))
	for _, reg := range r.services {
		out = append(out, *reg)
	}
	return out
}

// Start runs the health-check loop until ctx is cancelled.
func (r *ServiceRegistry) Start(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

// CheckAll health-checks every registration once.
func (r *ServiceRegistry) CheckAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.checkOne(ctx, name)
	}
}

func (r *ServiceRegistry) checkOne(ctx context.Context, name string) {
	r.mu.RLock()
	reg, ok := r.services[name]
	if !ok {
		r.mu.RUnlock()
		return
	}
	url := reg.BaseURL + reg.HealthPath
	r.mu.RUnlock()

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err == nil {
		resp, err := r.httpClient.Do(req)
		if err == nil {
			healthy = resp.StatusCode < 400
			resp.Body.Close()
		}
	}

	now := r.clock.Now()
	r.mu.Lock()
	if reg, ok := r.services[name]; ok {
		reg.Healthy = healthy
		if healthy {
			reg.LastChecked = now
			reg.Degraded = false
		} else if now.Sub(reg.LastChecked) > staleAfter {
			reg.Degraded = true
		}
	}
	r.mu.Unlock()

	if !healthy {
		r.logger.WithField("service", name).Warn("Service health check failed")
	}
}

// MarkStale force-evaluates staleness; exposed for operational tooling.
func (r *ServiceRegistry) MarkStale(name string, lastChecked time.Time) {
	r.mu.Lock()
	if reg, ok := r.services[name]; ok {
		reg.LastChecked = lastChecked
		if r.clock.Now().Sub(lastChecked) > staleAfter {
			reg.Degraded = true
		}
	}
	r.mu.Unlock()
}
