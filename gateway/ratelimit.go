package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
)

// RateLimitDecision is the outcome of one counter check.
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a fixed-window counter in the shared store, keyed by
// (group, route, user-or-anonymous). No node-local count is authoritative.
type RateLimiter struct {
	client redis.UniversalClient
	groups map[string]config.RateLimitGroup
}

// NewRateLimiter builds the limiter over the shared store.
func NewRateLimiter(client redis.UniversalClient, groups map[string]config.RateLimitGroup) *RateLimiter {
	return &RateLimiter{client: client, groups: groups}
}

func rateLimitKey(group, route, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", group, route, subject)
}

// Check atomically increments the window counter and decides. The first
// hit of a window sets its expiry; RetryAfter on exceed is the remainder
// of the window, never more than the window itself.
func (l *RateLimiter) Check(ctx context.Context, groupName, route, subject string) (*RateLimitDecision, error) {
	group, ok := l.groups[groupName]
	if !ok {
		// Unknown groups do not limit; the route simply opted out.
		return &RateLimitDecision{Allowed: true, Remaining: -1}, nil
	}
	if subject == "" {
		subject = "anonymous"
	}
	key := rateLimitKey(groupName, route, subject)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, err, "rate limit store unavailable")
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, group.Window()).Err(); err != nil {
			return nil, contracts.Wrap(contracts.KindTransient, err, "rate limit store unavailable")
		}
	}

	if count > int64(group.Requests) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = group.Window()
		}
		if ttl > group.Window() {
			ttl = group.Window()
		}
		return &RateLimitDecision{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}
	return &RateLimitDecision{Allowed: true, Remaining: group.Requests - int(count)}, nil
}
