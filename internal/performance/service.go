// Package performance answers time-weighted return queries over the ledger.
package performance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/cache"
	"investor-ledger/internal/database"
	"investor-ledger/internal/events"
	"investor-ledger/internal/ledger"
)

// ResultCache stores computed results. *cache.CacheService implements it.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) error
}

// Config holds performance service configuration
type Config struct {
	CacheTTL time.Duration
}

// Service computes investor and platform TWR inside read-only transactions
type Service struct {
	store  database.Store
	cache  ResultCache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewService creates a new TWR query service
func NewService(store database.Store, config Config, logger zerolog.Logger) *Service {
	if config.CacheTTL <= 0 {
		config.CacheTTL = cache.DefaultTWRTTL
	}
	return &Service{
		store:  store,
		ttl:    config.CacheTTL,
		logger: logger.With().Str("component", "performance").Logger(),
	}
}

// SetCache enables result caching
func (s *Service) SetCache(c ResultCache) { s.cache = c }

// InvalidateOn reclaims superseded cache entries whenever the ledger changes.
// Correctness does not depend on it: a ledger write bumps the version that
// every cache key carries.
func (s *Service) InvalidateOn(bus *events.EventBus) {
	if bus == nil {
		return
	}
	bus.Subscribe(events.EventLedgerChanged, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Invalidate(ctx, e.InvestorIDs()...)
	})
}

// Invalidate drops the cached windows of the given investors and of the
// platform, whatever their version.
func (s *Service) Invalidate(ctx context.Context, investorIDs ...string) {
	if s.cache == nil {
		return
	}
	patterns := []string{cache.PlatformTWRPattern()}
	for _, id := range investorIDs {
		patterns = append(patterns, cache.InvestorTWRPattern(id))
	}
	for _, p := range patterns {
		if err := s.cache.DeletePattern(ctx, p); err != nil {
			s.logger.Warn().Err(err).Str("pattern", p).Msg("TWR cache invalidation failed")
		}
	}
}

// InvestorTWR returns one investor's TWR over [from, to]. A nil from starts
// at the investor's first event. An investor without any history gets a flat
// result at the snapshot balance.
func (s *Service) InvestorTWR(ctx context.Context, investorID string, from *time.Time, to time.Time) (ledger.TWRResult, error) {
	key := func(ctx context.Context, tx database.Tx) (string, error) {
		v, err := tx.LedgerVersion(ctx, investorID)
		if err != nil {
			return "", err
		}
		return cache.InvestorTWRKey(investorID, v, windowKey(from), windowKey(&to)), nil
	}
	return s.cached(ctx, key, func(ctx context.Context, tx database.Tx) (ledger.TWRResult, error) {
		if _, err := tx.GetInvestor(ctx, investorID); err != nil {
			return ledger.TWRResult{}, err
		}
		evs, err := tx.ListCompletedEvents(ctx, investorID)
		if err != nil {
			return ledger.TWRResult{}, err
		}
		if len(evs) == 0 {
			p, err := tx.GetPortfolio(ctx, investorID)
			if err != nil {
				return ledger.TWRResult{}, err
			}
			if p == nil {
				return ledger.FlatTWR(decimal.Zero), nil
			}
			return ledger.FlatTWR(p.CurrentBalance), nil
		}

		seed, err := balanceBefore(ctx, tx, investorID, from)
		if err != nil {
			return ledger.TWRResult{}, err
		}
		return ledger.ComputeTWR(seed, evs, startOf(from), to), nil
	})
}

// PlatformTWR returns the TWR of the sum of all investor balances.
func (s *Service) PlatformTWR(ctx context.Context, from *time.Time, to time.Time) (ledger.TWRResult, error) {
	key := func(ctx context.Context, tx database.Tx) (string, error) {
		v, err := tx.PlatformVersion(ctx)
		if err != nil {
			return "", err
		}
		return cache.PlatformTWRKey(v, windowKey(from), windowKey(&to)), nil
	}
	return s.cached(ctx, key, func(ctx context.Context, tx database.Tx) (ledger.TWRResult, error) {
		evs, err := tx.ListCompletedEvents(ctx, "")
		if err != nil {
			return ledger.TWRResult{}, err
		}
		ids, err := tx.ListInvestorIDs(ctx)
		if err != nil {
			return ledger.TWRResult{}, err
		}

		if len(evs) == 0 {
			total := decimal.Zero
			for _, id := range ids {
				p, err := tx.GetPortfolio(ctx, id)
				if err != nil {
					return ledger.TWRResult{}, err
				}
				if p != nil {
					total = total.Add(p.CurrentBalance)
				}
			}
			return ledger.FlatTWR(total), nil
		}

		seed := decimal.Zero
		for _, id := range ids {
			b, err := balanceBefore(ctx, tx, id, from)
			if err != nil {
				return ledger.TWRResult{}, err
			}
			seed = seed.Add(b)
		}
		return ledger.ComputeTWR(seed, evs, startOf(from), to), nil
	})
}

// cached serves a result from the cache or computes it. Key, lookup and
// computation share one read-only snapshot and the key carries the ledger
// version of that snapshot, so a result is only ever stored under the version
// it was computed from. Cache failures only cost a recomputation.
func (s *Service) cached(ctx context.Context, keyOf func(ctx context.Context, tx database.Tx) (string, error), compute func(ctx context.Context, tx database.Tx) (ledger.TWRResult, error)) (ledger.TWRResult, error) {
	var result ledger.TWRResult
	err := s.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		if s.cache == nil {
			var err error
			result, err = compute(ctx, tx)
			return err
		}

		key, err := keyOf(ctx, tx)
		if err != nil {
			return err
		}
		err = s.cache.GetJSON(ctx, key, &result)
		if err == nil {
			return nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Debug().Err(err).Str("key", key).Msg("TWR cache read failed")
		}

		result, err = compute(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.cache.SetJSON(ctx, key, result, s.ttl); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("TWR cache write failed")
		}
		return nil
	})
	if err != nil {
		return ledger.TWRResult{}, err
	}
	return result, nil
}

// balanceBefore is the investor's balance strictly before from, 0 for an
// open window.
func balanceBefore(ctx context.Context, tx database.Tx, investorID string, from *time.Time) (decimal.Decimal, error) {
	if from == nil {
		return decimal.Zero, nil
	}
	last, err := tx.LastCompletedEventAtOrBefore(ctx, investorID, from.Add(-time.Nanosecond))
	if err != nil {
		return decimal.Zero, err
	}
	if last == nil {
		return decimal.Zero, nil
	}
	return last.NewBalance, nil
}

func startOf(from *time.Time) time.Time {
	if from == nil {
		return time.Time{}
	}
	return *from
}

func windowKey(t *time.Time) string {
	if t == nil {
		return "open"
	}
	return t.UTC().Format(time.RFC3339)
}
