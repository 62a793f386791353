package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for the two counters.
const (
	attemptKeyPrefix = "rl:conn:"
	activeKeyPrefix  = "rl:active:"
)

// RedisLimiter enforces the same per-IP policy as MemoryLimiter but keeps
// its counters in Redis using the INCR + EXPIRE window pattern, so the
// attempt history survives bridge restarts. On Redis errors every operation
// fails open: a cache outage must not lock clients out of their agents.
type RedisLimiter struct {
	client               *redis.Client
	maxConnectionsPerIP  int
	maxAttemptsPerMinute int
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client, maxConnectionsPerIP, maxAttemptsPerMinute int) *RedisLimiter {
	return &RedisLimiter{
		client:               client,
		maxConnectionsPerIP:  maxConnectionsPerIP,
		maxAttemptsPerMinute: maxAttemptsPerMinute,
	}
}

// Check increments the one-minute attempt counter and compares both caps.
func (l *RedisLimiter) Check(ip string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := attemptKeyPrefix + ip
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis INCR error key=%s: %v (failing open)", key, err)
		return true
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, time.Minute).Err(); err != nil {
			log.Printf("ratelimit: redis EXPIRE error key=%s: %v (failing open)", key, err)
			l.client.Del(ctx, key)
			return true
		}
	}

	if int(count) > l.maxAttemptsPerMinute {
		return false
	}

	active, err := l.client.Get(ctx, activeKeyPrefix+ip).Int()
	if err != nil && err != redis.Nil {
		log.Printf("ratelimit: redis GET error key=%s: %v (failing open)", activeKeyPrefix+ip, err)
		return true
	}
	return active < l.maxConnectionsPerIP
}

// Add increments the active-connection counter for ip.
func (l *RedisLimiter) Add(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.client.Incr(ctx, activeKeyPrefix+ip).Err(); err != nil {
		log.Printf("ratelimit: redis INCR error key=%s: %v", activeKeyPrefix+ip, err)
	}
}

// Remove decrements the active-connection counter for ip, deleting the key
// at zero so idle IPs do not accumulate.
func (l *RedisLimiter) Remove(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := l.client.Decr(ctx, activeKeyPrefix+ip).Result()
	if err != nil {
		log.Printf("ratelimit: redis DECR error key=%s: %v", activeKeyPrefix+ip, err)
		return
	}
	if n <= 0 {
		l.client.Del(ctx, activeKeyPrefix+ip)
	}
}
