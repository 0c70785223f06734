package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/ledger"
)

// Config holds trading fee configuration
type Config struct {
	// Location resolves calendar periods and profit windows
	Location *time.Location
}

// DefaultConfig returns default billing configuration
func DefaultConfig() Config {
	return Config{Location: time.Local}
}

// PeriodQuote is what the next periodic fee would cover.
type PeriodQuote struct {
	Period ledger.Period   `json:"period"`
	Profit decimal.Decimal `json:"profit"`
	// FeeID is set when an active fee already covers the computed window,
	// in which case Period is that fee's stored window.
	FeeID string `json:"fee_id,omitempty"`
}

// AlreadyCharged reports whether the quoted window already has an active fee.
func (q PeriodQuote) AlreadyCharged() bool { return q.FeeID != "" }

// WithdrawalFeeQuote is the fee charged on unrealized profit when capital is withdrawn.
type WithdrawalFeeQuote struct {
	PendingProfit  decimal.Decimal `json:"pending_profit"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	FeePercentage  decimal.Decimal `json:"fee_percentage"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
}

// Net is the amount actually debited as a withdrawal.
func (q WithdrawalFeeQuote) Net(requested decimal.Decimal) decimal.Decimal {
	return requested.Sub(q.FeeAmount)
}
