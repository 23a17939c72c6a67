package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// stepClock is a settable clock for expiry tests.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock(t time.Time) *stepClock { return &stepClock{t: t.UTC()} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// TestJWTIssueVerifyRoundTrip tests token issuance and verification
func TestJWTIssueVerifyRoundTrip(t *testing.T) {
	clock := newStepClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	auth := NewJWTAuthenticator("secret", time.Hour, clock)

	token, err := auth.Issue(UserInfo{UserID: "u1", Roles: []string{"admin"}, Permissions: []string{"debug:read"}})
	require.NoError(t, err)
	assert.Equal(t, "bearer", token.TokenType)

	user, err := auth.Verify(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)
	assert.Equal(t, []string{"admin"}, user.Roles)
	assert.Equal(t, []string{"debug:read"}, user.Permissions)
}

// TestJWTExpiry tests that tokens die after their TTL
func TestJWTExpiry(t *testing.T) {
	clock := newStepClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	auth := NewJWTAuthenticator("secret", time.Minute, clock)

	token, err := auth.Issue(UserInfo{UserID: "u1"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = auth.Verify(token.AccessToken)
	require.Error(t, err)
	assert.Equal(t, contracts.KindAuth, contracts.KindOf(err))
}

// TestJWTWrongSecret tests signature validation
func TestJWTWrongSecret(t *testing.T) {
	clock := newStepClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	token, err := NewJWTAuthenticator("secret-a", time.Hour, clock).Issue(UserInfo{UserID: "u1"})
	require.NoError(t, err)

	_, err = NewJWTAuthenticator("secret-b", time.Hour, clock).Verify(token.AccessToken)
	assert.Error(t, err)
}

// TestAPIKeyValidation tests the full validity predicate
func TestAPIKeyValidation(t *testing.T) {
	clock := newStepClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	store := NewAPIKeyStore(clock)

	raw := "ak_live_0123456789abcdef"
	key := store.Add(raw, "ci-bot", UserInfo{UserID: "bot"}, clock.Now().Add(time.Hour),
		[]string{"v1"}, []string{"debugger"})

	assert.Equal(t, "ak_live_", key.Prefix)
	assert.NotContains(t, key.KeyHash, raw)

	// Valid request.
	user, err := store.Validate(raw, "v1", "debugger")
	require.NoError(t, err)
	assert.Equal(t, "bot", user.UserID)

	// Wrong version and wrong service.
	_, err = store.Validate(raw, "v2", "debugger")
	assert.Equal(t, contracts.KindAuth, contracts.KindOf(err))
	_, err = store.Validate(raw, "v1", "scanner")
	assert.Equal(t, contracts.KindAuth, contracts.KindOf(err))

	// Unknown key.
	_, err = store.Validate("ak_live_ffffffffffffffff", "v1", "debugger")
	assert.Equal(t, contracts.KindAuth, contracts.KindOf(err))

	// Expired key.
	clock.Advance(2 * time.Hour)
	_, err = store.Validate(raw, "v1", "debugger")
	assert.Equal(t, contracts.KindAuth, contracts.KindOf(err))

	// Disabled key.
	clock.Advance(-2 * time.Hour)
	store.Disable(key.KeyHash)
	_, err = store.Validate(raw, "v1", "debugger")
	assert.Equal(t, contracts.KindAuth, contracts.KindOf(err))
}

// TestAPIKeyEmptySetsUnrestricted tests that empty allow-sets allow all
func TestAPIKeyEmptySetsUnrestricted(t *testing.T) {
	clock := newStepClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	store := NewAPIKeyStore(clock)
	store.Add("ak_any_key_value", "open", UserInfo{UserID: "open"}, time.Time{}, nil, nil)

	_, err := store.Validate("ak_any_key_value", "v9", "anything")
	assert.NoError(t, err)
}

// TestAuthorize tests role and permission conjunction
func TestAuthorize(t *testing.T) {
	route := &RouteDescriptor{RequiredRoles: []string{"admin"}, RequiredPermissions: []string{"scan:run"}}

	full := &UserInfo{Roles: []string{"admin", "dev"}, Permissions: []string{"scan:run", "scan:read"}}
	assert.True(t, full.Authorize(route))

	missingRole := &UserInfo{Roles: []string{"dev"}, Permissions: []string{"scan:run"}}
	assert.False(t, missingRole.Authorize(route))

	missingPerm := &UserInfo{Roles: []string{"admin"}, Permissions: []string{"scan:read"}}
	assert.False(t, missingPerm.Authorize(route))
}
