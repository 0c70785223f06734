package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/database"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/money"
)

// PeriodProfit sums completed OPERATING_RESULT amounts dated inside the
// period, from 00:00 on the first day through the end of the last day.
func PeriodProfit(ctx context.Context, tx database.Tx, investorID string, period ledger.Period) (decimal.Decimal, error) {
	profit, err := tx.SumCompletedAmounts(ctx, investorID, ledger.KindOperatingResult, period.From(), period.Through())
	if err != nil {
		return decimal.Zero, fmt.Errorf("profit for %s over %s: %w", investorID, period, err)
	}
	return profit, nil
}

// PendingProfit is operating profit up to asOf that no active fee has charged
// yet, clamped at zero.
func PendingProfit(ctx context.Context, tx database.Tx, investorID string, asOf time.Time) (decimal.Decimal, error) {
	// 1. Lifetime operating result up to asOf
	earned, err := tx.SumCompletedAmounts(ctx, investorID, ledger.KindOperatingResult, time.Time{}, asOf)
	if err != nil {
		return decimal.Zero, fmt.Errorf("operating results for %s: %w", investorID, err)
	}

	// 2. Profit already charged by active fees applied by asOf
	fees, err := tx.ListActiveTradingFees(ctx, investorID)
	if err != nil {
		return decimal.Zero, err
	}
	charged := decimal.Zero
	for _, f := range fees {
		if !f.AppliedAt.After(asOf) {
			charged = charged.Add(f.ProfitAmount)
		}
	}

	// 3. Never negative
	pending := earned.Sub(charged)
	if pending.IsNegative() {
		return decimal.Zero, nil
	}
	return pending, nil
}

// QuoteWithdrawalFee charges feePct on the share of pending profit realized
// by withdrawing requested out of previousBalance.
func QuoteWithdrawalFee(pending, requested, previousBalance, feePct decimal.Decimal) WithdrawalFeeQuote {
	q := WithdrawalFeeQuote{
		PendingProfit:  pending,
		RealizedProfit: decimal.Zero,
		FeePercentage:  feePct,
		FeeAmount:      decimal.Zero,
	}
	if !pending.IsPositive() || !previousBalance.IsPositive() || !feePct.IsPositive() {
		return q
	}
	q.RealizedProfit = money.Currency(pending.Mul(requested).Div(previousBalance))
	q.FeeAmount = money.ApplyPercent(q.RealizedProfit, feePct)
	return q
}
