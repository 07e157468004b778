// Package ratelimit throttles gateway actions with fixed Redis windows: queue
// joins per user and WebSocket upgrades per client address.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy. Counters live under Key+identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	RuleStart   = Rule{Key: "rl:start:", Limit: 10, Window: time.Minute}
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// takeLua counts one hit and opens the window on the first one.
//
//	KEYS[1] = counter, ARGV[1] = window ms
//
// Returns {count, remaining window ms}.
const takeLua = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

type Limiter struct {
	client *redis.Client
	take   *redis.Script
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, take: redis.NewScript(takeLua)}
}

// Take counts a hit for identifier under rule.
func (l *Limiter) Take(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	res, err := l.take.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: take %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: take %s: unexpected reply %v", key, res)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	d := Decision{Allowed: count <= rule.Limit, Remaining: rule.Limit - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d, nil
}

// Allow reports whether one more hit fits the window. Redis failures let the
// request through and are returned alongside.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	d, err := l.Take(ctx, identifier, rule)
	if err != nil {
		log.Printf("[ratelimit] %v (failing open)", err)
		return true, err
	}
	return d.Allowed, nil
}

// RetryAfter is the time left in identifier's window, or zero if none is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
