// Integration tests for PostgresStore. They need a running PostgreSQL and
// are skipped when DATABASE_URL is not set. Each test migrates a private
// schema and drops it afterwards.
//
//go:build integration
// +build integration

package database

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investor-ledger/internal/ledger"
)

// saoPaulo has no DST, so a fixed zone matches it without tzdata.
var saoPaulo = time.FixedZone("America/Sao_Paulo", -3*60*60)

var errRollback = errors.New("rollback")

// getTestStore connects to DATABASE_URL, migrates a fresh schema and returns
// a store bound to it.
func getTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()

	admin, err := NewDB(ctx, Config{URL: dbURL, MaxConns: 2}, zerolog.Nop())
	if err != nil {
		t.Skipf("Failed to connect to database: %v", err)
	}
	schema := "ledger_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	ident := pgx.Identifier{schema}.Sanitize()
	_, err = admin.Pool.Exec(ctx, `CREATE SCHEMA `+ident)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Pool.Exec(context.Background(), `DROP SCHEMA `+ident+` CASCADE`)
		admin.Close()
	})

	db, err := NewDB(ctx, Config{URL: dbURL, Schema: schema, MaxConns: 6}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.RunMigrations(ctx))

	return NewPostgresStore(db, saoPaulo)
}

func saveInvestor(t *testing.T, s Store, id string) {
	t.Helper()
	err := s.WithinBatch(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SaveInvestor(ctx, &ledger.Investor{
			ID: id, Name: id, Email: id + "@example.com", Status: ledger.InvestorActive,
			TradingFeePercentage: decimal.RequireFromString("12.5"), TradingFeeFrequency: ledger.FrequencyMonthly,
			CreatedAt: time.Now().Truncate(time.Microsecond),
		})
	})
	require.NoError(t, err)
}

func TestIntegration_NumericRoundTrip(t *testing.T) {
	s := getTestStore(t)
	saveInvestor(t, s, "inv-1")
	ctx := context.Background()

	want := &ledger.Portfolio{
		InvestorID:               "inv-1",
		CurrentBalance:           decimal.RequireFromString("123456789012345.67"),
		TotalInvested:            decimal.RequireFromString("100000000000000.01"),
		AccumulatedReturnUSD:     decimal.RequireFromString("-0.01"),
		AccumulatedReturnPercent: decimal.RequireFromString("23.4567"),
		AnnualReturnUSD:          decimal.RequireFromString("0.10"),
		AnnualReturnPercent:      decimal.RequireFromString("-99.9999"),
		AnnualYear:               2026,
		AnnualOpeningBalance:     decimal.RequireFromString("0.03"),
		AnnualNetFlows:           decimal.RequireFromString("7.77"),
		UpdatedAt:                time.Now().Truncate(time.Microsecond),
	}
	require.NoError(t, s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
		return tx.SavePortfolio(ctx, want)
	}))

	err := s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetPortfolio(ctx, "inv-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.SameTotals(want), "read %+v, wrote %+v", got, want)
		assert.Equal(t, "123456789012345.67", got.CurrentBalance.StringFixed(2))
		assert.True(t, got.AccumulatedReturnPercent.Equal(want.AccumulatedReturnPercent))
		assert.True(t, got.UpdatedAt.Equal(want.UpdatedAt))

		inv, err := tx.GetInvestor(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, "12.5", inv.TradingFeePercentage.String())
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_DateColumnsReadBackAsLocalMidnight(t *testing.T) {
	s := getTestStore(t)
	saveInvestor(t, s, "inv-1")
	ctx := context.Background()
	appliedAt := time.Date(2026, time.February, 1, 1, 30, 0, 0, saoPaulo)

	fee := &ledger.TradingFee{
		ID:            uuid.NewString(),
		InvestorID:    "inv-1",
		PeriodStart:   time.Date(2026, time.January, 1, 0, 0, 0, 0, saoPaulo),
		PeriodEnd:     time.Date(2026, time.January, 31, 0, 0, 0, 0, saoPaulo),
		ProfitAmount:  decimal.RequireFromString("800"),
		FeePercentage: decimal.RequireFromString("12.5"),
		FeeAmount:     decimal.RequireFromString("100"),
		Source:        ledger.FeeSourcePeriodic,
		AppliedBy:     "admin",
		AppliedAt:     appliedAt,
	}
	day := time.Date(2026, time.January, 31, 0, 0, 0, 0, saoPaulo)

	require.NoError(t, s.WithinBatch(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertTradingFee(ctx, fee); err != nil {
			return err
		}
		return tx.InsertDailyOperatingResult(ctx, &ledger.DailyOperatingResult{
			Date: day, Percent: decimal.RequireFromString("0.25"), AppliedBy: "admin",
			AppliedAt: appliedAt, InvestorCount: 1, TotalDelta: decimal.RequireFromString("2.50"),
		})
	}))

	err := s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetTradingFee(ctx, fee.ID)
		require.NoError(t, err)
		assert.Equal(t, fee.PeriodStart, got.PeriodStart)
		assert.Equal(t, fee.PeriodEnd, got.PeriodEnd)
		assert.Equal(t, saoPaulo, got.PeriodStart.Location())
		assert.Equal(t, "2026-01-01..2026-01-31", got.Period().String())

		found, err := tx.FindActiveTradingFeeByPeriod(ctx, "inv-1", fee.Period())
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, fee.ID, found.ID)

		daily, err := tx.GetDailyOperatingResult(ctx, day.Add(20*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, daily)
		assert.Equal(t, day, daily.Date)
		assert.True(t, daily.AppliedAt.Equal(appliedAt))
		assert.True(t, daily.TotalDelta.Equal(decimal.RequireFromString("2.5")))
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_DuplicateDailyResultIsRejected(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, time.March, 3, 0, 0, 0, 0, saoPaulo)
	result := func(pct string) *ledger.DailyOperatingResult {
		return &ledger.DailyOperatingResult{
			Date: day, Percent: decimal.RequireFromString(pct), AppliedBy: "admin",
			AppliedAt: time.Now().Truncate(time.Microsecond),
		}
	}

	require.NoError(t, s.WithinBatch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertDailyOperatingResult(ctx, result("0.5"))
	}))

	err := s.WithinBatch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertDailyOperatingResult(ctx, result("-1"))
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicatePeriod)

	err = s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetDailyOperatingResult(ctx, day)
		require.NoError(t, err)
		assert.True(t, got.Percent.Equal(decimal.RequireFromString("0.5")), "first write wins")
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_EventsOrderedByDateCreatedAtID(t *testing.T) {
	s := getTestStore(t)
	saveInvestor(t, s, "inv-1")
	ctx := context.Background()
	date := time.Date(2026, time.April, 10, 17, 0, 0, 0, saoPaulo)
	created := time.Date(2026, time.April, 12, 9, 0, 0, 0, saoPaulo)

	event := func(id string, date, createdAt time.Time) *ledger.Event {
		return &ledger.Event{
			ID: id, InvestorID: "inv-1", Date: date, Kind: ledger.KindOperatingResult,
			Amount: decimal.NewFromInt(1), Status: ledger.EventCompleted, CreatedAt: createdAt,
		}
	}
	// inserted out of order on purpose
	rows := []*ledger.Event{
		event("e-4", date.AddDate(0, 0, 1), created.Add(-time.Hour)),
		event("e-3", date, created.Add(time.Second)),
		event("e-2", date, created),
		event("e-1", date, created),
		event("e-0", date.Add(-time.Minute), created.Add(time.Hour)),
	}
	require.NoError(t, s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
		for _, e := range rows {
			if err := tx.InsertEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	err := s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.ListCompletedEvents(ctx, "inv-1")
		require.NoError(t, err)
		var ids []string
		for _, e := range got {
			ids = append(ids, e.ID)
		}
		assert.Equal(t, []string{"e-0", "e-1", "e-2", "e-3", "e-4"}, ids)

		last, err := tx.LastCompletedEventAtOrBefore(ctx, "inv-1", date)
		require.NoError(t, err)
		assert.Equal(t, "e-3", last.ID)

		later, err := tx.HasCompletedEventAfter(ctx, "inv-1", date)
		require.NoError(t, err)
		assert.True(t, later)

		sum, err := tx.SumCompletedAmounts(ctx, "inv-1", ledger.KindOperatingResult, date, date)
		require.NoError(t, err)
		assert.True(t, sum.Equal(decimal.NewFromInt(3)))
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_LedgerVersionCountsSnapshotWrites(t *testing.T) {
	s := getTestStore(t)
	saveInvestor(t, s, "inv-1")
	saveInvestor(t, s, "inv-2")
	ctx := context.Background()

	versions := func() (int64, int64, int64) {
		var a, b, all int64
		require.NoError(t, s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			if a, err = tx.LedgerVersion(ctx, "inv-1"); err != nil {
				return err
			}
			if b, err = tx.LedgerVersion(ctx, "inv-2"); err != nil {
				return err
			}
			all, err = tx.PlatformVersion(ctx)
			return err
		}))
		return a, b, all
	}
	save := func(id string) {
		require.NoError(t, s.WithinInvestor(ctx, id, func(ctx context.Context, tx Tx) error {
			return tx.SavePortfolio(ctx, ledger.NewPortfolio(id))
		}))
	}

	a, b, all := versions()
	assert.Zero(t, a)
	assert.Zero(t, b)
	assert.Zero(t, all)

	save("inv-1")
	save("inv-1")
	save("inv-2")
	a, b, all = versions()
	assert.EqualValues(t, 2, a)
	assert.EqualValues(t, 1, b)
	assert.EqualValues(t, 3, all)

	// a rolled back write leaves the version alone
	err := s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
		if err := tx.SavePortfolio(ctx, ledger.NewPortfolio("inv-1")); err != nil {
			return err
		}
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)
	a, _, _ = versions()
	assert.EqualValues(t, 2, a)
}

func TestIntegration_InvestorLockSerializesWriters(t *testing.T) {
	s := getTestStore(t)
	saveInvestor(t, s, "inv-1")
	saveInvestor(t, s, "inv-2")
	ctx := context.Background()

	var mu sync.Mutex
	var trace []string
	mark := func(step string) {
		mu.Lock()
		trace = append(trace, step)
		mu.Unlock()
	}

	holding := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
			mark("first:locked")
			close(holding)
			time.Sleep(300 * time.Millisecond)
			mark("first:commit")
			return nil
		})
	}()
	<-holding

	// another investor is not blocked by the held lock
	otherCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.WithinInvestor(otherCtx, "inv-2", func(ctx context.Context, tx Tx) error { return nil }))

	require.NoError(t, s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
		mark("second:locked")
		return nil
	}))
	require.NoError(t, <-done)

	assert.Equal(t, []string{"first:locked", "first:commit", "second:locked"}, trace)
}

func TestIntegration_RollbackAndReadOnly(t *testing.T) {
	s := getTestStore(t)
	saveInvestor(t, s, "inv-1")
	ctx := context.Background()

	err := s.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx Tx) error {
		entry, err := ledger.NewDeposit(decimal.NewFromInt(100))
		if err != nil {
			return err
		}
		now := time.Now().Truncate(time.Microsecond)
		if err := tx.InsertEvent(ctx, entry.Event("inv-1", now, now)); err != nil {
			return err
		}
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)

	err = s.ReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		events, err := tx.ListCompletedEvents(ctx, "inv-1")
		require.NoError(t, err)
		assert.Empty(t, events)

		_, err = tx.GetRequest(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return tx.SaveInvestor(ctx, &ledger.Investor{ID: "inv-2", Status: ledger.InvestorActive})
	})
	assert.Error(t, err, "read-only transactions refuse writes")
}
