package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers which message ids were already handled.
type IdempotencyStore interface {
	// Claim records key and reports whether this was its first claim within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so that a later delivery is handled again.
	Release(ctx context.Context, key string) error
}

// DefaultIdempotencyKeyPrefix namespaces claimed message ids in shared stores.
const DefaultIdempotencyKeyPrefix = "hotelmq:processed:"

// RedisIdempotencyStore claims keys with SET NX so that every replica of a
// consumer sees the same claims.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisIdempotencyStore creates a store using prefix, or
// DefaultIdempotencyKeyPrefix when prefix is empty.
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = DefaultIdempotencyKeyPrefix
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, &StoreError{Store: "redis", Op: "claim", Key: key, Err: err}
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return &StoreError{Store: "redis", Op: "release", Key: key, Err: err}
	}
	return nil
}

// MemoryIdempotencyStore is a process-local store for single-replica consumers
// and tests.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	claims  map[string]time.Time
	now     func() time.Time
	sweepAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (s *MemoryIdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	if expires, ok := s.claims[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	s.claims[key] = expires
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// Len returns the number of live claims.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepAt = time.Time{}
	s.sweep(s.now())
	return len(s.claims)
}

// sweep drops expired claims at most once a second.
func (s *MemoryIdempotencyStore) sweep(now time.Time) {
	if now.Before(s.sweepAt) {
		return
	}
	s.sweepAt = now.Add(time.Second)
	for key, expires := range s.claims {
		if !expires.IsZero() && !now.Before(expires) {
			delete(s.claims, key)
		}
	}
}
