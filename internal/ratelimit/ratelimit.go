// Package ratelimit counts failed attempts per key and locks a key out once
// it reaches the limit. Every recorded failure restarts the lockout window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	// Check reports whether key may attempt again without recording anything.
	Check(ctx context.Context, key string) (Decision, error)
	// Fail records a failed attempt.
	Fail(ctx context.Context, key string) (Decision, error)
	// Reset forgets key, typically after a success.
	Reset(ctx context.Context, key string) error
}

type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

func (p Policy) decide(count int, ttl time.Duration) Decision {
	if count >= p.MaxAttempts {
		return Decision{Allowed: false, RetryAfter: ttl}
	}
	return Decision{Allowed: true, Remaining: p.MaxAttempts - count}
}

// Memory keeps counters in-process.
type Memory struct {
	policy  Policy
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	count     int
	expiresAt time.Time
}

func NewMemory(policy Policy) *Memory {
	return &Memory{policy: policy, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *Memory) entry(key string) memoryEntry {
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}
	}
	return e
}

func (m *Memory) Check(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	return m.policy.decide(e.count, e.expiresAt.Sub(m.now())), nil
}

func (m *Memory) Fail(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	e.count++
	e.expiresAt = m.now().Add(m.policy.Window)
	m.entries[key] = e
	m.sweep()
	return m.policy.decide(e.count, m.policy.Window), nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// sweep drops expired keys so the map stays bounded by active offenders.
func (m *Memory) sweep() {
	now := m.now()
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// Redis keeps counters in Redis with the window as key TTL.
type Redis struct {
	client *redis.Client
	policy Policy
	prefix string
}

func NewRedis(client *redis.Client, policy Policy) *Redis {
	return &Redis{client: client, policy: policy, prefix: "login_attempts:"}
}

func (r *Redis) Check(ctx context.Context, key string) (Decision, error) {
	k := r.prefix + key
	count, err := r.client.Get(ctx, k).Int()
	if err == redis.Nil {
		return r.policy.decide(0, 0), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("read attempts: %w", err)
	}
	ttl, err := r.client.TTL(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("read attempts ttl: %w", err)
	}
	return r.policy.decide(count, ttl), nil
}

func (r *Redis) Fail(ctx context.Context, key string) (Decision, error) {
	k := r.prefix + key
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("record attempt: %w", err)
	}
	return r.policy.decide(int(incr.Val()), r.policy.Window), nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}
