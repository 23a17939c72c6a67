package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// UserStore authenticates password credentials for /auth/token.
type UserStore interface {
	Authenticate(username, password string) (*UserInfo, error)
}

// StaticUserStore is a fixed user table for small deployments and tests.
type StaticUserStore struct {
	users map[string]struct {
		password string
		user     UserInfo
	}
}

// NewStaticUserStore builds an empty table.
func NewStaticUserStore() *StaticUserStore {
	return &StaticUserStore{users: map[string]struct {
		password string
		user     UserInfo
	}{}}
}

// Add registers a user with its password.
func (s *StaticUserStore) Add(username, password string, user UserInfo) {
	s.users[username] = struct {
		password string
		user     UserInfo
	}{password: password, user: user}
}

// Authenticate checks the credentials.
func (s *StaticUserStore) Authenticate(username, password string) (*UserInfo, error) {
	entry, ok := s.users[username]
	if !ok || entry.password != password {
		return nil, contracts.E(contracts.KindAuth, "invalid username or password")
	}
	user := entry.user
	return &user, nil
}

// Server is the gateway policy engine behind a chi router.
type Server struct {
	routes      map[string][]RouteDescriptor // service -> descriptors
	credentials *Credentials
	jwtAuth     *JWTAuthenticator
	users       UserStore
	limiter     *RateLimiter
	breaker     *CircuitBreaker
	cache       *ResponseCache
	registry    *ServiceRegistry
	forwarder   *Forwarder
	metrics     *Metrics
	health      *contracts.HealthChecker
	clock       contracts.Clock
	logger      *logrus.Logger

	router chi.Router
}

// ServerDeps bundles the policy engine's collaborators.
type ServerDeps struct {
	Credentials  *Credentials
	JWTAuth      *JWTAuthenticator
	Users        UserStore
	Limiter      *RateLimiter
	Breaker      *CircuitBreaker
	Cache        *ResponseCache
	Registry     *ServiceRegistry
	Forwarder    *Forwarder
	Metrics      *Metrics
	Health       *contracts.HealthChecker
	Clock        contracts.Clock
	Logger       *logrus.Logger
	PromGatherer prometheus.Gatherer
}

// NewServer assembles the router. Extra handlers (e.g. the debug session
// channel) mount via Mount before serving.
func NewServer(routes []RouteDescriptor, deps ServerDeps) *Server {
	s := &Server{
		routes:      map[string][]RouteDescriptor{},
		credentials: deps.Credentials,
		jwtAuth:     deps.JWTAuth,
		users:       deps.Users,
		limiter:     deps.Limiter,
		breaker:     deps.Breaker,
		cache:       deps.Cache,
		registry:    deps.Registry,
		forwarder:   deps.Forwarder,
		metrics:     deps.Metrics,
		health:      deps.Health,
		clock:       deps.Clock,
		logger:      deps.Logger,
	}
	for _, route := range routes {
		s.routes[route.Service] = append(s.routes[route.Service], route)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/auth/token", s.handleToken)
	r.Get("/healthz", s.handleHealth)
	if deps.PromGatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.PromGatherer, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/{service}/*", s.handleProxy)

	s.router = r
	return s
}

// Router exposes the assembled handler.
func (s *Server) Router() chi.Router { return s.router }

// Mount attaches an extra handler subtree, e.g. the debug session channel.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

// handleHealth runs the registered dependency probes (shared store,
// history store, scanners) alongside the service registry snapshot. Any
// failing probe turns the endpoint 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	payload := map[string]interface{}{
		"services": s.registry.Snapshot(),
	}
	if s.health != nil {
		report := s.health.Check(r.Context())
		payload["probes"] = report.Probes
		payload["checked_at"] = report.CheckedAt
		if !report.Healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	payload["status"] = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// handleToken implements POST /auth/token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		contracts.WriteError(w, contracts.E(contracts.KindValidation, "malformed token request"), s.clock)
		return
	}
	user, err := s.users.Authenticate(payload.Username, payload.Password)
	if err != nil {
		contracts.WriteError(w, err, s.clock)
		return
	}
	token, err := s.jwtAuth.Issue(*user)
	if err != nil {
		contracts.WriteError(w, err, s.clock)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(token)
}

func (s *Server) findRoute(service, endpoint, method string) (*RouteDescriptor, error) {
	descriptors, ok := s.routes[service]
	if !ok {
		return nil, contracts.E(contracts.KindNotFound, "unknown service %s", service)
	}
	for i := range descriptors {
		route := &descriptors[i]
		if route.Endpoint != endpoint {
			continue
		}
		if route.Method == "" || route.Method == method {
			return route, nil
		}
	}
	return nil, contracts.E(contracts.KindNotFound, "unknown endpoint %s for service %s", endpoint, service)
}

// handleProxy applies the per-request policy pipeline: auth →
// authorization → rate limit → circuit breaker → cache lookup → forward →
// cache store → metrics → circuit-breaker update. A terminal step skips
// everything after it except metrics.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	endpoint := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	start := s.clock.Now()

	obs := Observation{Service: service}
	defer func() {
		obs.Duration = s.clock.Now().Sub(start)
		s.metrics.Record(obs)
	}()

	fail := func(err error) {
		obs.Status = contracts.HTTPStatus(err)
		contracts.WriteError(w, err, s.clock)
	}

	route, err := s.findRoute(service, endpoint, r.Method)
	if err != nil {
		fail(err)
		return
	}

	reqCtx := &RequestContext{
		RequestID: contracts.NewRequestID(),
		Route:     route,
		Start:     start,
	}

	// Authentication.
	user, presented, err := s.credentials.Resolve(
		r.Header.Get("Authorization"), r.Header.Get("X-API-Key"),
		r.Header.Get("X-API-Version"), service)
	if err != nil {
		fail(err)
		return
	}
	if route.AuthRequired && !presented {
		fail(contracts.E(contracts.KindAuth, "missing credentials"))
		return
	}
	reqCtx.User = user

	// Authorization.
	if len(route.RequiredRoles) > 0 || len(route.RequiredPermissions) > 0 {
		if user == nil {
			fail(contracts.E(contracts.KindAuth, "missing credentials"))
			return
		}
		if !user.Authorize(route) {
			fail(contracts.E(contracts.KindForbidden, "insufficient permissions"))
			return
		}
	}

	// Rate limit.
	if route.RateLimitGroup != "" {
		subject := "anonymous"
		if user != nil {
			subject = user.UserID
		}
		decision, err := s.limiter.Check(r.Context(), route.RateLimitGroup, route.Service+route.Endpoint, subject)
		if err != nil {
			fail(err)
			return
		}
		if !decision.Allowed {
			obs.RateLimited = true
			obs.Status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", RetryAfterHeader(decision.RetryAfter))
			contracts.WriteError(w, contracts.E(contracts.KindPolicy, "rate limit exceeded"), s.clock)
			return
		}
	}

	// Circuit breaker admission.
	breakerActive := route.BreakerGroup != ""
	if breakerActive {
		decision, err := s.breaker.Allow(r.Context(), service, route.BreakerGroup)
		if err != nil {
			fail(err)
			return
		}
		if !decision.Allowed {
			obs.Status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", RetryAfterHeader(decision.RetryAfter))
			contracts.WriteError(w, contracts.E(contracts.KindTransient, "circuit open for service %s", service), s.clock)
			return
		}
	}

	// Cache lookup, GET only.
	cacheable := route.CacheEnabled && r.Method == http.MethodGet
	var cacheKey string
	if cacheable {
		cacheKey = CacheKey(service, endpoint, r.Method, r.URL.Query())
		cached, err := s.cache.Get(r.Context(), cacheKey)
		if err == nil && cached != nil {
			obs.CacheHit = true
			obs.Status = cached.StatusCode
			cached.Write(w)
			return
		}
		obs.CacheMiss = true
	}

	// Routing and forwarding.
	baseURL, err := s.registry.Resolve(service)
	if err != nil {
		fail(err)
		return
	}
	resp, err := s.forwarder.Forward(r.Context(), baseURL, route, reqCtx, r)
	if err != nil {
		if breakerActive {
			if tripped, berr := s.breaker.RecordFailure(r.Context(), service, route.BreakerGroup); berr == nil && tripped {
				obs.CircuitTrip = true
			}
		}
		fail(err)
		return
	}

	// Cache store.
	if cacheable {
		if err := s.cache.Store(r.Context(), cacheKey, resp, route.CacheTTL); err != nil {
			s.logger.WithError(err).Warn("Failed to store cache entry")
		}
	}

	obs.Status = resp.StatusCode
	resp.Write(w)

	// Circuit-breaker update, after the downstream call returned.
	if breakerActive {
		if resp.StatusCode >= 500 {
			if tripped, err := s.breaker.RecordFailure(r.Context(), service, route.BreakerGroup); err == nil && tripped {
				obs.CircuitTrip = true
			}
		} else {
			_ = s.breaker.RecordSuccess(r.Context(), service, route.BreakerGroup)
		}
	}
}

// DefaultCacheTTL converts a config seconds value for route construction.
func DefaultCacheTTL(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
