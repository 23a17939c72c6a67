package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
)

type gatewayFixture struct {
	server    *Server
	clock     *stepClock
	redis     *miniredis.Miniredis
	backend   *httptest.Server
	calls     *int32
	userStore *StaticUserStore
	jwtAuth   *JWTAuthenticator
	keys      *APIKeyStore
	health    *contracts.HealthChecker
}

func newGatewayFixture(t *testing.T, routes []RouteDescriptor) *gatewayFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"call":` + strconv.Itoa(int(n)) + `}`))
	}))
	t.Cleanup(backend.Close)

	clock := newStepClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	groups := map[string]config.RateLimitGroup{
		"default": {Requests: 2, WindowSeconds: 60},
	}
	breakerGroups := map[string]config.CircuitBreakerGroup{
		"default": {FailureThreshold: 3, RecoveryTimeout: 30},
	}

	jwtAuth := NewJWTAuthenticator("test-secret", time.Hour, clock)
	keys := NewAPIKeyStore(clock)
	users := NewStaticUserStore()
	users.Add("alice", "wonder", UserInfo{UserID: "alice", Roles: []string{"admin"}, Permissions: []string{"debug:read"}})

	registry := NewServiceRegistry(clock, logger)
	registry.Register("debugger", backend.URL, "/healthz")

	health := contracts.NewHealthChecker(clock)
	promReg := prometheus.NewRegistry()
	server := NewServer(routes, ServerDeps{
		Credentials:  NewCredentials(jwtAuth, keys),
		JWTAuth:      jwtAuth,
		Users:        users,
		Limiter:      NewRateLimiter(client, groups),
		Breaker:      NewCircuitBreaker(client, breakerGroups, clock),
		Cache:        NewResponseCache(client, 300*time.Second),
		Registry:     registry,
		Forwarder:    NewForwarder(nil),
		Metrics:      NewMetrics(promReg),
		Health:       health,
		Clock:        clock,
		Logger:       logger,
		PromGatherer: promReg,
	})

	return &gatewayFixture{
		server: server, clock: clock, redis: mr, backend: backend,
		calls: &calls, userStore: users, jwtAuth: jwtAuth, keys: keys,
		health: health,
	}
}

func (f *gatewayFixture) bearer(t *testing.T) string {
	t.Helper()
	token, err := f.jwtAuth.Issue(UserInfo{UserID: "alice", Roles: []string{"admin"}, Permissions: []string{"debug:read"}})
	require.NoError(t, err)
	return "Bearer " + token.AccessToken
}

func (f *gatewayFixture) do(t *testing.T, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func anonymousRoute() RouteDescriptor {
	return RouteDescriptor{
		Service:     "debugger",
		Endpoint:    "/status",
		BackendPath: "/status",
	}
}

// TestTokenEndpoint tests POST /auth/token
func TestTokenEndpoint(t *testing.T) {
	f := newGatewayFixture(t, []RouteDescriptor{anonymousRoute()})

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wonder"})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var token AuthToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.NotEmpty(t, token.AccessToken)
	assert.True(t, token.ExpiresAt.After(f.clock.Now()))

	// Bad password gets the standard envelope.
	body, _ = json.Marshal(map[string]string{"username": "alice", "password": "nope"})
	req = httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "auth", envelope["error_code"])
	assert.NotEmpty(t, envelope["trace_id"])
}

// TestProxyForwardsToBackend tests the plain forwarding path
func TestProxyForwardsToBackend(t *testing.T) {
	f := newGatewayFixture(t, []RouteDescriptor{anonymousRoute()})

	rec := f.do(t, http.MethodGet, "/debugger/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"call":1`)
}

// TestUnknownServiceAndEndpoint tests the 404 envelopes
func TestUnknownServiceAndEndpoint(t *testing.T) {
	f := newGatewayFixture(t, []RouteDescriptor{anonymousRoute()})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nosuch/status", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/debugger/nosuch", "").Code)
}

// TestAuthRequired tests 401 for missing and invalid credentials
func TestAuthRequired(t *testing.T) {
	route := anonymousRoute()
	route.AuthRequired = true
	f := newGatewayFixture(t, []RouteDescriptor{route})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/debugger/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/debugger/status", "Bearer garbage").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", f.bearer(t)).Code)
}

// TestAuthorizationForbidden tests 403 on missing grants
func TestAuthorizationForbidden(t *testing.T) {
	route := anonymousRoute()
	route.AuthRequired = true
	route.RequiredRoles = []string{"superadmin"}
	f := newGatewayFixture(t, []RouteDescriptor{route})

	rec := f.do(t, http.MethodGet, "/debugger/status", f.bearer(t))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// TestAPIKeyHeaderAuth tests the X-API-Key path through the proxy
func TestAPIKeyHeaderAuth(t *testing.T) {
	route := anonymousRoute()
	route.AuthRequired = true
	f := newGatewayFixture(t, []RouteDescriptor{route})
	f.keys.Add("ak_test_1234567890", "ci", UserInfo{UserID: "ci-bot"}, time.Time{}, nil, []string{"debugger"})

	req := httptest.NewRequest(http.MethodGet, "/debugger/status", nil)
	req.Header.Set("X-API-Key", "ak_test_1234567890")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestRateLimitScenario tests end-to-end scenario 5: 200, 200, 429 with
// Retry-After bounded by the window
func TestRateLimitScenario(t *testing.T) {
	route := anonymousRoute()
	route.AuthRequired = true
	route.RateLimitGroup = "default"
	f := newGatewayFixture(t, []RouteDescriptor{route})
	auth := f.bearer(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", auth).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", auth).Code)

	rec := f.do(t, http.MethodGet, "/debugger/status", auth)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)
}

// TestRateLimitWindowReset tests that the window expiring readmits
func TestRateLimitWindowReset(t *testing.T) {
	route := anonymousRoute()
	route.RateLimitGroup = "default"
	f := newGatewayFixture(t, []RouteDescriptor{route})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/debugger/status", "").Code)

	f.redis.FastForward(61 * time.Second)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", "").Code)
}

// TestCacheScenario tests end-to-end scenario 4: identical cached body,
// no second downstream call, refetch after TTL
func TestCacheScenario(t *testing.T) {
	route := anonymousRoute()
	route.CacheEnabled = true
	route.CacheTTL = 30 * time.Second
	f := newGatewayFixture(t, []RouteDescriptor{route})

	first := f.do(t, http.MethodGet, "/debugger/status", "")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("X-Cache"))

	second := f.do(t, http.MethodGet, "/debugger/status", "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls))

	// After TTL expiry the downstream is called again.
	f.redis.FastForward(31 * time.Second)
	third := f.do(t, http.MethodGet, "/debugger/status", "")
	require.Equal(t, http.StatusOK, third.Code)
	assert.Empty(t, third.Header().Get("X-Cache"))
	assert.Equal(t, int32(2), atomic.LoadInt32(f.calls))
}

// TestCacheIgnoresNonGET tests that only GET responses cache
func TestCacheIgnoresNonGET(t *testing.T) {
	route := anonymousRoute()
	route.CacheEnabled = true
	f := newGatewayFixture(t, []RouteDescriptor{route})

	f.do(t, http.MethodPost, "/debugger/status", "")
	f.do(t, http.MethodPost, "/debugger/status", "")
	assert.Equal(t, int32(2), atomic.LoadInt32(f.calls))
}

// TestCircuitBreakerScenario tests the §8 boundary: threshold-1 failures
// keep the circuit closed, the threshold-th opens it, recovery half-opens
func TestCircuitBreakerScenario(t *testing.T) {
	route := anonymousRoute()
	route.Endpoint = "/boom"
	route.BackendPath = "/boom"
	route.BreakerGroup = "default"
	ok := anonymousRoute()
	ok.BreakerGroup = "default"
	f := newGatewayFixture(t, []RouteDescriptor{route, ok})

	// threshold-1 failures: circuit stays closed.
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/debugger/boom", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", "").Code)

	// The third failure opens it.
	f.do(t, http.MethodGet, "/debugger/boom", "")
	rec := f.do(t, http.MethodGet, "/debugger/status", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.LessOrEqual(t, retryAfter, 30)

	// After recovery the circuit half-opens and successes close it.
	f.clock.Advance(31 * time.Second)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/debugger/status", "").Code)
}

// TestHealthEndpointReportsProbes tests that /healthz surfaces the
// registered dependency probes and turns 503 when one fails
func TestHealthEndpointReportsProbes(t *testing.T) {
	f := newGatewayFixture(t, []RouteDescriptor{anonymousRoute()})
	f.health.Register(contracts.ProbeFunc{ProbeName: "policy-store", Fn: func(context.Context) error { return nil }})

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	probes := payload["probes"].(map[string]interface{})
	assert.Equal(t, "ok", probes["policy-store"])
	assert.NotEmpty(t, payload["services"])

	// A failing probe degrades the endpoint.
	f.health.Register(contracts.ProbeFunc{ProbeName: "history-store", Fn: func(context.Context) error {
		return errors.New("connection refused")
	}})
	rec = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "degraded", payload["status"])
	probes = payload["probes"].(map[string]interface{})
	assert.Contains(t, probes["history-store"], "connection refused")
}

// TestCacheKeyNormalizesQuery tests parameter-order independence
func TestCacheKeyNormalizesQuery(t *testing.T) {
	a := CacheKey("svc", "/e", "GET", map[string][]string{"a": {"1"}, "b": {"2"}})
	b := CacheKey("svc", "/e", "GET", map[string][]string{"b": {"2"}, "a": {"1"}})
	c := CacheKey("svc", "/e", "GET", map[string][]string{"a": {"2"}, "b": {"1"}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
