// Package ratelimit implements the fixed-window rate limiter and
// log-spam cooldown of §4.N: a KV-backed counter per (action, scope),
// incremented before the limit check per the gateway's "increment first"
// decision (see DESIGN.md Open Question #2), plus a flood-log cooldown key
// so repeated suspicious traffic from the same source logs at most once
// per cooldown window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/seu-repo/ocpp-gateway/internal/circuitbreaker"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// DefaultLimitedActions are the only actions rate-limited unless
// configuration overrides the set, per §4.N.
var DefaultLimitedActions = map[string]bool{
	"MeterValues":       true,
	"StatusNotification": true,
}

// Violation describes a rate-limit rejection, shaped to become a
// CALLERROR's errorDetails verbatim.
type Violation struct {
	Scope         string
	Limit         int64
	Action        string
	WindowSeconds int
}

func (v Violation) Description() string { return "Rate limit exceeded" }

// Limiter enforces per-action, per-scope fixed-window limits: each
// counter's window starts at its first increment and ends when its TTL
// expires.
type Limiter struct {
	kv             ports.KVStore
	breaker        *circuitbreaker.CircuitBreaker
	window         time.Duration
	perChargeLimit int64
	globalLimit    int64
	floodCooldown  time.Duration
	limitedActions map[string]bool
}

func New(kv ports.KVStore, breaker *circuitbreaker.CircuitBreaker, window time.Duration, perChargeLimit, globalLimit int64, floodCooldown time.Duration, limitedActions map[string]bool) *Limiter {
	if limitedActions == nil {
		limitedActions = DefaultLimitedActions
	}
	return &Limiter{
		kv: kv, breaker: breaker, window: window,
		perChargeLimit: perChargeLimit, globalLimit: globalLimit,
		floodCooldown: floodCooldown, limitedActions: limitedActions,
	}
}

// Allow increments the per-charger and global counters for action and
// returns the first violation encountered, if any (nil means allowed).
// Only actions in the limited set are checked; everything else is a no-op.
func (l *Limiter) Allow(ctx context.Context, chargePointID, action string) (*Violation, error) {
	if !l.limitedActions[action] {
		return nil, nil
	}

	if v, err := l.checkScope(ctx, action, "charger:"+chargePointID, l.perChargeLimit); err != nil || v != nil {
		return v, err
	}
	if v, err := l.checkScope(ctx, action, "global", l.globalLimit); err != nil || v != nil {
		return v, err
	}
	return nil, nil
}

func (l *Limiter) checkScope(ctx context.Context, action, scope string, limit int64) (*Violation, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := fmt.Sprintf("rate:%s:%s", action, scope)

	n, err := circuitbreaker.ExecuteWithResult(l.breaker, func() (int64, error) {
		return l.kv.Incr(ctx, key, l.window)
	})
	if err != nil {
		return nil, fmt.Errorf("rate limiter: incr %s: %w", key, err)
	}

	if n > limit {
		return &Violation{Scope: scope, Limit: limit, Action: action, WindowSeconds: int(l.window / time.Second)}, nil
	}
	return nil, nil
}

// ShouldLog reports whether a suspicious/unauthorized event from source
// should be logged now, applying the once-per-cooldown suppression of
// §4.N. It claims the cooldown key via SetNX so concurrent callers agree
// on exactly one logger.
func (l *Limiter) ShouldLog(ctx context.Context, source string) bool {
	if l.floodCooldown <= 0 {
		return true
	}
	key := "floodlog:" + source
	claimed, err := circuitbreaker.ExecuteWithResult(l.breaker, func() (bool, error) {
		return l.kv.SetNX(ctx, key, "1", l.floodCooldown)
	})
	if err != nil {
		// Fail open: prefer occasional duplicate logging over silently
		// dropping a diagnostic signal because the KV store is unhealthy.
		return true
	}
	return claimed
}
