package database

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/ledger"
)

// Store opens units of work against the ledger. Every mutation of an
// investor's ledger happens inside exactly one unit of work; a non-nil error
// from fn rolls the whole unit back.
type Store interface {
	// WithinInvestor runs fn in one transaction holding the investor's
	// single-writer lock.
	WithinInvestor(ctx context.Context, investorID string, fn func(ctx context.Context, tx Tx) error) error
	// WithinBatch runs fn in one transaction. fn must LockInvestor every
	// investor it writes to.
	WithinBatch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ReadOnly runs fn against a consistent snapshot. Writes fail.
	ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}

// Tx is the repository view of one unit of work.
//
// Getters for rows addressed by id return an error wrapping ledger.ErrNotFound
// when absent. Lookups that answer "is there one?" return nil, nil instead.
type Tx interface {
	LockInvestor(ctx context.Context, investorID string) error

	GetInvestor(ctx context.Context, id string) (*ledger.Investor, error)
	SaveInvestor(ctx context.Context, inv *ledger.Investor) error
	ListActiveInvestors(ctx context.Context) ([]*ledger.Investor, error)
	ListInvestorIDs(ctx context.Context) ([]string, error)

	GetRequest(ctx context.Context, id string) (*ledger.Request, error)
	SaveRequest(ctx context.Context, req *ledger.Request) error

	GetPortfolio(ctx context.Context, investorID string) (*ledger.Portfolio, error)
	// SavePortfolio upserts the snapshot and bumps the investor's ledger
	// version. Every committed ledger change ends in a SavePortfolio.
	SavePortfolio(ctx context.Context, p *ledger.Portfolio) error
	// LedgerVersion is the number of snapshot writes committed for the
	// investor, 0 before the first one.
	LedgerVersion(ctx context.Context, investorID string) (int64, error)
	// PlatformVersion is the sum of every investor's ledger version.
	PlatformVersion(ctx context.Context) (int64, error)

	InsertEvent(ctx context.Context, e *ledger.Event) error
	UpdateEventBalances(ctx context.Context, id string, previous, next decimal.Decimal) error
	// ListCompletedEvents returns completed events in SortKey order. An empty
	// investorID lists every investor's events.
	ListCompletedEvents(ctx context.Context, investorID string) ([]*ledger.Event, error)
	LastCompletedEventAtOrBefore(ctx context.Context, investorID string, at time.Time) (*ledger.Event, error)
	HasCompletedEventAfter(ctx context.Context, investorID string, at time.Time) (bool, error)
	// SumCompletedAmounts totals completed events of kind dated within [from, to].
	SumCompletedAmounts(ctx context.Context, investorID string, kind ledger.EventKind, from, to time.Time) (decimal.Decimal, error)

	InsertTradingFee(ctx context.Context, fee *ledger.TradingFee) error
	UpdateTradingFee(ctx context.Context, fee *ledger.TradingFee) error
	GetTradingFee(ctx context.Context, id string) (*ledger.TradingFee, error)
	FindActiveTradingFeeByPeriod(ctx context.Context, investorID string, period ledger.Period) (*ledger.TradingFee, error)
	ListActiveTradingFees(ctx context.Context, investorID string) ([]*ledger.TradingFee, error)
	GetActiveWithdrawalFee(ctx context.Context, requestID string) (*ledger.TradingFee, error)

	GetDailyOperatingResult(ctx context.Context, date time.Time) (*ledger.DailyOperatingResult, error)
	InsertDailyOperatingResult(ctx context.Context, r *ledger.DailyOperatingResult) error
}
