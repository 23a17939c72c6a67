package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tosin2013/pipeline-guardian/config"
	"github.com/tosin2013/pipeline-guardian/contracts"
)

// BreakerState is the shared circuit state for one service.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// halfOpenSuccesses is the consecutive-success count that closes a
// half-open circuit.
const halfOpenSuccesses = 2

// casScript transitions the state key only when it still holds the
// expected value, so concurrent gateway nodes agree on one transition.
var casScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// BreakerDecision is the outcome of an admission check.
type BreakerDecision struct {
	Allowed    bool
	State      BreakerState
	RetryAfter time.Duration
}

// CircuitBreaker keeps per-service breaker state in the shared store:
// closed → open at failure_threshold failures inside the window, open →
// half_open after recovery_timeout, half_open → closed on consecutive
// successes, half_open → open on any failure.
type CircuitBreaker struct {
	client redis.UniversalClient
	groups map[string]config.CircuitBreakerGroup
	clock  contracts.Clock
}

// NewCircuitBreaker builds the breaker over the shared store.
func NewCircuitBreaker(client redis.UniversalClient, groups map[string]config.CircuitBreakerGroup, clock contracts.Clock) *CircuitBreaker {
	return &CircuitBreaker{client: client, groups: groups, clock: clock}
}

func (b *CircuitBreaker) group(name string) (config.CircuitBreakerGroup, bool) {
	g, ok := b.groups[name]
	return g, ok
}

func (b *CircuitBreaker) stateKey(service string) string   { return "cb:" + service + ":state" }
func (b *CircuitBreaker) openedKey(service string) string  { return "cb:" + service + ":opened_at" }
func (b *CircuitBreaker) failureKey(service string) string { return "cb:" + service + ":failures" }
func (b *CircuitBreaker) successKey(service string) string { return "cb:" + service + ":successes" }

// State reads the current shared state.
func (b *CircuitBreaker) State(ctx context.Context, service string) (BreakerState, error) {
	raw, err := b.client.Get(ctx, b.stateKey(service)).Result()
	if err == redis.Nil {
		return BreakerClosed, nil
	}
	if err != nil {
		return "", contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
	}
	return BreakerState(raw), nil
}

// Allow admits or rejects a call. An open circuit past its recovery
// timeout transitions to half-open via compare-and-set, so exactly one
// node performs the transition and resets the half-open success count.
func (b *CircuitBreaker) Allow(ctx context.Context, service, groupName string) (*BreakerDecision, error) {
	group, ok := b.group(groupName)
	if !ok {
		return &BreakerDecision{Allowed: true, State: BreakerClosed}, nil
	}

	state, err := b.State(ctx, service)
	if err != nil {
		return nil, err
	}
	switch state {
	case BreakerClosed, BreakerHalfOpen:
		return &BreakerDecision{Allowed: true, State: state}, nil
	case BreakerOpen:
		openedAt, err := b.client.Get(ctx, b.openedKey(service)).Int64()
		if err != nil && err != redis.Nil {
			return nil, contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
		}
		elapsed := b.clock.Now().Unix() - openedAt
		remaining := int64(group.RecoveryTimeout) - elapsed
		if remaining > 0 {
			return &BreakerDecision{Allowed: false, State: BreakerOpen, RetryAfter: time.Duration(remaining) * time.Second}, nil
		}
		// Recovery elapsed: try to claim the half-open transition.
		claimed, err := casScript.Run(ctx, b.client, []string{b.stateKey(service)}, string(BreakerOpen), string(BreakerHalfOpen)).Int()
		if err != nil {
			return nil, contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
		}
		if claimed == 1 {
			b.client.Del(ctx, b.successKey(service))
		}
		return &BreakerDecision{Allowed: true, State: BreakerHalfOpen}, nil
	}
	return &BreakerDecision{Allowed: true, State: state}, nil
}

// RecordSuccess updates the state after a successful downstream call.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, service, groupName string) error {
	if _, ok := b.group(groupName); !ok {
		return nil
	}
	state, err := b.State(ctx, service)
	if err != nil {
		return err
	}
	// Closed-state successes leave the failure window alone; it slides
	// out via its TTL.
	if state == BreakerHalfOpen {
		count, err := b.client.Incr(ctx, b.successKey(service)).Result()
		if err != nil {
			return contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
		}
		if count >= halfOpenSuccesses {
			if _, err := casScript.Run(ctx, b.client, []string{b.stateKey(service)}, string(BreakerHalfOpen), string(BreakerClosed)).Result(); err != nil {
				return contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
			}
			b.client.Del(ctx, b.failureKey(service), b.successKey(service), b.openedKey(service))
		}
	}
	return nil
}

// RecordFailure updates the state after a failed downstream call. Returns
// true when this failure tripped the circuit open.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, service, groupName string) (bool, error) {
	group, ok := b.group(groupName)
	if !ok {
		return false, nil
	}
	state, err := b.State(ctx, service)
	if err != nil {
		return false, err
	}

	if state == BreakerHalfOpen {
		if err := b.open(ctx, service, BreakerHalfOpen); err != nil {
			return false, err
		}
		return true, nil
	}

	count, err := b.client.Incr(ctx, b.failureKey(service)).Result()
	if err != nil {
		return false, contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
	}
	if count == 1 {
		// The failure window is the recovery timeout, a sliding
		// approximation shared by every node.
		b.client.Expire(ctx, b.failureKey(service), group.Recovery())
	}
	if count >= int64(group.FailureThreshold) && state == BreakerClosed {
		if err := b.open(ctx, service, BreakerClosed); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (b *CircuitBreaker) open(ctx context.Context, service string, from BreakerState) error {
	var err error
	if from == "" || from == BreakerClosed {
		// A closed circuit may also be entirely absent from the store.
		err = b.client.Set(ctx, b.stateKey(service), string(BreakerOpen), 0).Err()
	} else {
		_, err = casScript.Run(ctx, b.client, []string{b.stateKey(service)}, string(from), string(BreakerOpen)).Result()
	}
	if err != nil {
		return contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
	}
	if err := b.client.Set(ctx, b.openedKey(service), strconv.FormatInt(b.clock.Now().Unix(), 10), 0).Err(); err != nil {
		return contracts.Wrap(contracts.KindTransient, err, "breaker store unavailable")
	}
	b.client.Del(ctx, b.failureKey(service), b.successKey(service))
	return nil
}

// RetryAfterHeader formats a decision's retry hint for the response.
func RetryAfterHeader(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
