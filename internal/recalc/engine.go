// Package recalc keeps cached event balances and portfolio snapshots equal to
// a replay of the ledger. It always runs inside the caller's unit of work.
package recalc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/database"
	"investor-ledger/internal/ledger"
)

// Engine rewrites derived balances for one investor at a time.
type Engine struct {
	clock  ledger.Clock
	logger zerolog.Logger
}

// NewEngine creates a recalculation engine.
func NewEngine(clock ledger.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		clock:  clock,
		logger: logger.With().Str("component", "recalc").Logger(),
	}
}

// Recalculate replays every completed event of the investor, writes back
// balances that changed and persists the resulting snapshot.
func (e *Engine) Recalculate(ctx context.Context, tx database.Tx, investorID string) (*ledger.Portfolio, error) {
	stored, err := tx.ListCompletedEvents(ctx, investorID)
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", investorID, err)
	}

	result := ledger.Replay(investorID, stored)

	byID := make(map[string]*ledger.Event, len(stored))
	for _, ev := range stored {
		byID[ev.ID] = ev
	}

	rewritten := 0
	for _, ev := range result.Events {
		if !ledger.BalanceChanged(byID[ev.ID], ev) {
			continue
		}
		if err := tx.UpdateEventBalances(ctx, ev.ID, ev.PreviousBalance, ev.NewBalance); err != nil {
			return nil, fmt.Errorf("recalculate %s: %w", investorID, err)
		}
		rewritten++
	}

	p := result.Portfolio
	p.UpdatedAt = e.clock.Now()
	if err := tx.SavePortfolio(ctx, p); err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", investorID, err)
	}

	e.logger.Debug().
		Str("investor_id", investorID).
		Int("events", len(result.Events)).
		Int("rewritten", rewritten).
		Str("balance", p.CurrentBalance.String()).
		Msg("Recalculated portfolio")

	return p, nil
}

// Snapshot returns the stored projection, or an empty one when none exists yet.
func (e *Engine) Snapshot(ctx context.Context, tx database.Tx, investorID string) (*ledger.Portfolio, error) {
	p, err := tx.GetPortfolio(ctx, investorID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = ledger.NewPortfolio(investorID)
	}
	return p, nil
}

// IsBackfill reports whether a completed event exists after at, meaning an
// event dated at cannot be applied incrementally.
func (e *Engine) IsBackfill(ctx context.Context, tx database.Tx, investorID string, at time.Time) (bool, error) {
	later, err := tx.HasCompletedEventAfter(ctx, investorID, at)
	if err != nil {
		return false, fmt.Errorf("backfill check for %s: %w", investorID, err)
	}
	return later, nil
}

// BalanceAt is the investor's balance just after the last completed event at
// or before at. On the fast path this is the snapshot balance.
func (e *Engine) BalanceAt(ctx context.Context, tx database.Tx, investorID string, at time.Time) (decimal.Decimal, error) {
	backfill, err := e.IsBackfill(ctx, tx, investorID, at)
	if err != nil {
		return decimal.Zero, err
	}
	if !backfill {
		p, err := e.Snapshot(ctx, tx, investorID)
		if err != nil {
			return decimal.Zero, err
		}
		return p.CurrentBalance, nil
	}
	last, err := tx.LastCompletedEventAtOrBefore(ctx, investorID, at)
	if err != nil {
		return decimal.Zero, err
	}
	if last == nil {
		return decimal.Zero, nil
	}
	return last.NewBalance, nil
}

// Append writes events for one investor. When nothing completed is dated after
// the earliest new event, the snapshot is updated incrementally (fast path);
// otherwise the events are seeded from the last earlier event, inserted and
// the whole ledger is replayed (backfill path). Events must share an investor.
func (e *Engine) Append(ctx context.Context, tx database.Tx, investorID string, events ...*ledger.Event) (*ledger.Portfolio, error) {
	if len(events) == 0 {
		return e.Snapshot(ctx, tx, investorID)
	}
	ledger.SortEvents(events)
	first := events[0].Date

	backfill, err := e.IsBackfill(ctx, tx, investorID, first)
	if err != nil {
		return nil, err
	}

	if !backfill {
		p, err := e.Snapshot(ctx, tx, investorID)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			p.Apply(ev)
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return nil, err
			}
		}
		p.UpdatedAt = e.clock.Now()
		if err := tx.SavePortfolio(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	}

	seed := decimal.Zero
	last, err := tx.LastCompletedEventAtOrBefore(ctx, investorID, first)
	if err != nil {
		return nil, err
	}
	if last != nil {
		seed = last.NewBalance
	}
	for _, ev := range events {
		ev.PreviousBalance = seed
		seed = seed.Add(ev.Delta())
		ev.NewBalance = seed
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return nil, err
		}
	}

	e.logger.Info().
		Str("investor_id", investorID).
		Time("at", first).
		Int("events", len(events)).
		Msg("Backfilled events, replaying ledger")

	return e.Recalculate(ctx, tx, investorID)
}
