// Package cache stores computed TWR results in Redis. Every operation
// degrades to an error the caller can ignore: a result cache never decides
// what the ledger says.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"investor-ledger/config"
)

// Key layouts of cached TWR windows. The ledger version is part of the key,
// so a write to the ledger makes every older entry unreachable.
const (
	PrefixInvestorTWR = "twr:investor:%s:v%d:%s:%s"
	PrefixPlatformTWR = "twr:platform:v%d:%s:%s"
)

// DefaultTWRTTL is how long a superseded entry lingers before Redis drops it.
const DefaultTWRTTL = 15 * time.Minute

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// ErrMiss is returned when a key is not cached.
var ErrMiss = redis.Nil

// breaker opens after maxFailures consecutive errors and lets one retry
// through every retryEvery while open.
type breaker struct {
	mu          sync.RWMutex
	healthy     bool
	failures    int
	lastRetry   time.Time
	maxFailures int
	retryEvery  time.Duration
}

func (b *breaker) open() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.healthy
}

// dueForRetry reports whether an open breaker should try Redis again and
// claims the retry slot.
func (b *breaker) dueForRetry(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.healthy || now.Sub(b.lastRetry) < b.retryEvery {
		return false
	}
	b.lastRetry = now
	return true
}

// fail records a failure and reports whether it opened the breaker.
func (b *breaker) fail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.healthy && b.failures >= b.maxFailures {
		b.healthy = false
		return true
	}
	return false
}

// succeed closes the breaker and reports whether it was open.
func (b *breaker) succeed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := !b.healthy
	b.healthy = true
	b.failures = 0
	return wasOpen
}

// CacheService is the Redis-backed TWR result cache
type CacheService struct {
	client  *redis.Client
	address string
	logger  zerolog.Logger
	breaker *breaker

	hits   int64
	misses int64
	errs   int64
	statMu sync.Mutex
}

// NewCacheService connects to Redis. An unreachable server is not an error:
// the service starts with the breaker open and retries in the background.
func NewCacheService(cfg config.RedisConfig, logger zerolog.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	cs := &CacheService{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   1,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		}),
		address: cfg.Address,
		logger:  logger.With().Str("component", "cache").Str("address", cfg.Address).Logger(),
		breaker: &breaker{maxFailures: 3, retryEvery: 30 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cs.Ping(ctx); err != nil {
		cs.logger.Warn().Err(err).Msg("Redis unreachable, TWR results computed uncached until it recovers")
		return cs, nil
	}
	cs.logger.Info().Msg("Redis connected")
	return cs, nil
}

// IsHealthy returns whether Redis is currently used.
func (cs *CacheService) IsHealthy() bool { return !cs.breaker.open() }

// Ping checks Redis directly, bypassing the breaker, and updates it.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.failed(err)
		return err
	}
	cs.recovered()
	return nil
}

func (cs *CacheService) failed(err error) {
	cs.count(&cs.errs)
	if cs.breaker.fail() {
		cs.logger.Warn().Err(err).Msg("Circuit breaker open: Redis marked unhealthy")
	}
}

func (cs *CacheService) recovered() {
	if cs.breaker.succeed() {
		cs.logger.Info().Msg("Circuit breaker closed: Redis recovered")
	}
}

// ready reports whether Redis may be used, pinging it in the background
// while the breaker is open.
func (cs *CacheService) ready() bool {
	if !cs.breaker.open() {
		return true
	}
	if cs.breaker.dueForRetry(time.Now()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = cs.Ping(ctx)
		}()
	}
	return false
}

func (cs *CacheService) count(n *int64) {
	cs.statMu.Lock()
	*n++
	cs.statMu.Unlock()
}

// GetJSON decodes the cached value of key into dest. A missing key returns ErrMiss.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if !cs.ready() {
		return ErrUnavailable
	}
	raw, err := cs.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		cs.count(&cs.misses)
		return ErrMiss
	}
	if err != nil {
		cs.failed(err)
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	cs.recovered()
	cs.count(&cs.hits)

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value as JSON under key for ttl.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !cs.ready() {
		return ErrUnavailable
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := cs.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		cs.failed(err)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	cs.recovered()
	return nil
}

// DeletePattern removes every key matching a Redis glob pattern.
func (cs *CacheService) DeletePattern(ctx context.Context, pattern string) error {
	if !cs.ready() {
		return ErrUnavailable
	}
	iter := cs.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		cs.failed(err)
		return fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := cs.client.Del(ctx, keys...).Err(); err != nil {
			cs.failed(err)
			return fmt.Errorf("redis delete %s: %w", pattern, err)
		}
	}
	cs.recovered()
	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	return cs.client.Close()
}

// Stats summarises cache effectiveness for the health endpoint.
type Stats struct {
	Healthy bool   `json:"healthy"`
	Address string `json:"address"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Errors  int64  `json:"errors"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.statMu.Lock()
	defer cs.statMu.Unlock()
	return Stats{
		Healthy: cs.IsHealthy(),
		Address: cs.address,
		Hits:    cs.hits,
		Misses:  cs.misses,
		Errors:  cs.errs,
	}
}

// InvestorTWRKey is the key of one investor's TWR window at a ledger version.
func InvestorTWRKey(investorID string, version int64, from, to string) string {
	return fmt.Sprintf(PrefixInvestorTWR, investorID, version, from, to)
}

// PlatformTWRKey is the key of a platform TWR window at a platform version.
func PlatformTWRKey(version int64, from, to string) string {
	return fmt.Sprintf(PrefixPlatformTWR, version, from, to)
}

// InvestorTWRPattern matches every cached window of one investor.
func InvestorTWRPattern(investorID string) string {
	return fmt.Sprintf("twr:investor:%s:*", investorID)
}

// PlatformTWRPattern matches every cached platform window.
func PlatformTWRPattern() string {
	return "twr:platform:*"
}
