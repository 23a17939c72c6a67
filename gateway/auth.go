package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// tokenClaims is the signed-token payload.
type tokenClaims struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// JWTAuthenticator issues and verifies HMAC-signed access tokens.
type JWTAuthenticator struct {
	secret []byte
	ttl    time.Duration
	clock  contracts.Clock
}

// NewJWTAuthenticator builds the signed-token authenticator.
func NewJWTAuthenticator(secret string, ttl time.Duration, clock contracts.Clock) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), ttl: ttl, clock: clock}
}

// Issue signs a token for the user.
func (a *JWTAuthenticator) Issue(user UserInfo) (*AuthToken, error) {
	now := a.clock.Now()
	expires := now.Add(a.ttl)
	claims := tokenClaims{
		Roles:       user.Roles,
		Permissions: user.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindInternal, err, "failed to sign token")
	}
	return &AuthToken{AccessToken: signed, TokenType: "bearer", ExpiresAt: expires}, nil
}

// Verify parses and validates a bearer token, yielding the UserInfo.
// Expiry is checked against the injected clock, not the wall clock.
func (a *JWTAuthenticator) Verify(raw string) (*UserInfo, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, contracts.E(contracts.KindAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return nil, contracts.E(contracts.KindAuth, "invalid access token")
	}
	if claims.ExpiresAt == nil || !a.clock.Now().Before(claims.ExpiresAt.Time) {
		return nil, contracts.E(contracts.KindAuth, "access token is expired")
	}
	return &UserInfo{
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

// HashAPIKey is the storage digest of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix is the separately stored first 8 characters of a raw key.
func KeyPrefix(raw string) string {
	if len(raw) < 8 {
		return raw
	}
	return raw[:8]
}

// APIKeyStore holds opaque keys indexed by hash, with a prefix index for
// O(1) location without exposing full keys.
type APIKeyStore struct {
	clock contracts.Clock

	mu       sync.RWMutex
	byHash   map[string]*APIKey
	byPrefix map[string][]string // prefix -> hashes
}

// NewAPIKeyStore builds an empty key store.
func NewAPIKeyStore(clock contracts.Clock) *APIKeyStore {
	return &APIKeyStore{clock: clock, byHash: map[string]*APIKey{}, byPrefix: map[string][]string{}}
}

// Add registers a raw key with its grants and returns the stored record.
func (s *APIKeyStore) Add(raw, name string, user UserInfo, expiresAt time.Time, versions, services []string) *APIKey {
	key := &APIKey{
		KeyHash:         HashAPIKey(raw),
		Prefix:          KeyPrefix(raw),
		Name:            name,
		User:            user,
		Enabled:         true,
		ExpiresAt:       expiresAt,
		AllowedVersions: versions,
		AllowedServices: services,
		CreatedAt:       s.clock.Now(),
	}
	s.mu.Lock()
	s.byHash[key.KeyHash] = key
	s.byPrefix[key.Prefix] = append(s.byPrefix[key.Prefix], key.KeyHash)
	s.mu.Unlock()
	return key
}

// Disable revokes a key by hash.
func (s *APIKeyStore) Disable(hash string) {
	s.mu.Lock()
	if key, ok := s.byHash[hash]; ok {
		key.Enabled = false
	}
	s.mu.Unlock()
}

// Validate checks a raw key against the store and the requested version
// and service. A key is valid iff enabled, not expired, and both request
// attributes are within its allowed sets (empty set means unrestricted).
func (s *APIKeyStore) Validate(raw, version, service string) (*UserInfo, error) {
	s.mu.RLock()
	key, ok := s.byHash[HashAPIKey(raw)]
	s.mu.RUnlock()
	if !ok {
		return nil, contracts.E(contracts.KindAuth, "unknown api key")
	}
	if !key.Enabled {
		return nil, contracts.E(contracts.KindAuth, "api key is disabled")
	}
	if !key.ExpiresAt.IsZero() && s.clock.Now().After(key.ExpiresAt) {
		return nil, contracts.E(contracts.KindAuth, "api key is expired")
	}
	if len(key.AllowedVersions) > 0 && version != "" && !contains(key.AllowedVersions, version) {
		return nil, contracts.E(contracts.KindAuth, "api key does not allow version %s", version)
	}
	if len(key.AllowedServices) > 0 && !contains(key.AllowedServices, service) {
		return nil, contracts.E(contracts.KindAuth, "api key does not allow service %s", service)
	}
	user := key.User
	return &user, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Credentials resolves the caller from request headers: bearer token or
// X-API-Key. Both absent yields a nil user for anonymous routes.
type Credentials struct {
	jwtAuth *JWTAuthenticator
	keys    *APIKeyStore
}

// NewCredentials bundles both authenticators.
func NewCredentials(jwtAuth *JWTAuthenticator, keys *APIKeyStore) *Credentials {
	return &Credentials{jwtAuth: jwtAuth, keys: keys}
}

// Resolve authenticates the request. ok=false with nil error means no
// credentials were presented.
func (c *Credentials) Resolve(authorization, apiKey, version, service string) (*UserInfo, bool, error) {
	if strings.HasPrefix(authorization, "Bearer ") {
		user, err := c.jwtAuth.Verify(strings.TrimPrefix(authorization, "Bearer "))
		if err != nil {
			return nil, true, err
		}
		return user, true, nil
	}
	if apiKey != "" {
		user, err := c.keys.Validate(apiKey, version, service)
		if err != nil {
			return nil, true, err
		}
		return user, true, nil
	}
	return nil, false, nil
}
