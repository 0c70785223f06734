package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investor-ledger/internal/ledger"
)

func seedInvestor(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	err := s.WithinBatch(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SaveInvestor(ctx, &ledger.Investor{ID: id, Status: ledger.InvestorActive})
	})
	require.NoError(t, err)
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seedInvestor(t, s, "inv-1")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
		entry, err := ledger.NewDeposit(decimal.NewFromInt(100))
		require.NoError(t, err)
		now := time.Now()
		if err := tx.InsertEvent(ctx, entry.Event("inv-1", now, now)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		events, err := tx.ListCompletedEvents(ctx, "inv-1")
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreReadOnlyRejectsWrites(t *testing.T) {
	s := NewMemoryStore()
	err := s.ReadOnly(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SaveInvestor(ctx, &ledger.Investor{ID: "x"})
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	err := s.ReadOnly(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.GetRequest(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		p, err := tx.GetPortfolio(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, p)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreEventQueries(t *testing.T) {
	s := NewMemoryStore()
	seedInvestor(t, s, "inv-1")
	ctx := context.Background()
	base := time.Date(2025, time.June, 1, 17, 0, 0, 0, time.UTC)

	err := s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
		for i, amt := range []int64{100, 50, 25} {
			entry := ledger.NewOperatingResult(decimal.NewFromInt(amt))
			at := base.AddDate(0, 0, i)
			if err := tx.InsertEvent(ctx, entry.Event("inv-1", at, at)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		last, err := tx.LastCompletedEventAtOrBefore(ctx, "inv-1", base.AddDate(0, 0, 1).Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.True(t, last.Amount.Equal(decimal.NewFromInt(50)))

		none, err := tx.LastCompletedEventAtOrBefore(ctx, "inv-1", base.Add(-time.Minute))
		require.NoError(t, err)
		assert.Nil(t, none)

		later, err := tx.HasCompletedEventAfter(ctx, "inv-1", base.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.True(t, later)

		sum, err := tx.SumCompletedAmounts(ctx, "inv-1", ledger.KindOperatingResult, base, base.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.True(t, sum.Equal(decimal.NewFromInt(150)))
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreDailyResultIsUniquePerDate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)
	insert := func() error {
		return s.WithinBatch(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertDailyOperatingResult(ctx, &ledger.DailyOperatingResult{Date: date, Percent: decimal.NewFromInt(1)})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ledger.ErrDuplicatePeriod)
}

func TestMemoryStoreLedgerVersion(t *testing.T) {
	s := NewMemoryStore()
	seedInvestor(t, s, "inv-1")
	seedInvestor(t, s, "inv-2")
	ctx := context.Background()
	save := func(id string, fail error) error {
		return s.WithinInvestor(ctx, id, func(ctx context.Context, tx Tx) error {
			if err := tx.SavePortfolio(ctx, ledger.NewPortfolio(id)); err != nil {
				return err
			}
			return fail
		})
	}

	require.NoError(t, save("inv-1", nil))
	require.NoError(t, save("inv-1", nil))
	require.NoError(t, save("inv-2", nil))
	assert.Error(t, save("inv-2", errors.New("boom")))

	err := s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		v, err := tx.LedgerVersion(ctx, "inv-1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, v)
		v, err = tx.LedgerVersion(ctx, "inv-2")
		require.NoError(t, err)
		assert.EqualValues(t, 1, v, "a rolled back write leaves the version alone")
		v, err = tx.LedgerVersion(ctx, "nobody")
		require.NoError(t, err)
		assert.Zero(t, v)
		all, err := tx.PlatformVersion(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, all)
		return nil
	})
	require.NoError(t, err)
}
