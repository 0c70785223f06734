// Package ledger is the pure domain model of the investor balance ledger:
// event kinds and their sign conventions, the replay fold that derives
// portfolio snapshots, trading fee periods and the time-weighted return.
// Nothing in this package touches storage.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvestorStatus gates whether normal flows may write new events.
type InvestorStatus string

const (
	InvestorActive   InvestorStatus = "ACTIVE"
	InvestorInactive InvestorStatus = "INACTIVE"
)

// FeeFrequency is how often the periodic trading fee is charged.
type FeeFrequency string

const (
	FrequencyMonthly   FeeFrequency = "MONTHLY"
	FrequencyQuarterly FeeFrequency = "QUARTERLY"
	FrequencySemestral FeeFrequency = "SEMESTRAL"
	FrequencyAnnual    FeeFrequency = "ANNUAL"
)

// Valid reports whether f is a known frequency.
func (f FeeFrequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencySemestral, FrequencyAnnual:
		return true
	}
	return false
}

// Investor is the identity that owns a ledger.
type Investor struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Email                string          `json:"email"`
	Status               InvestorStatus  `json:"status"`
	TradingFeePercentage decimal.Decimal `json:"trading_fee_percentage"`
	TradingFeeFrequency  FeeFrequency    `json:"trading_fee_frequency"`
	CreatedAt            time.Time       `json:"created_at"`
}

// IsActive reports whether the investor may receive new ledger events.
func (i *Investor) IsActive() bool { return i.Status == InvestorActive }

// RequestType is the kind of capital movement an investor asked for.
type RequestType string

const (
	RequestDeposit    RequestType = "DEPOSIT"
	RequestWithdrawal RequestType = "WITHDRAWAL"
)

// RequestStatus follows PENDING -> {APPROVED, REJECTED}, APPROVED -> REVERSED.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
	RequestReversed RequestStatus = "REVERSED"
)

// CanTransition reports whether a request may move from s to next.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case RequestPending:
		return next == RequestApproved || next == RequestRejected
	case RequestApproved:
		return next == RequestReversed
	}
	return false
}

// Request is a pending deposit or withdrawal intent.
type Request struct {
	ID          string          `json:"id"`
	InvestorID  string          `json:"investor_id"`
	Type        RequestType     `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Status      RequestStatus   `json:"status"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	ReversedAt  *time.Time      `json:"reversed_at,omitempty"`
	ReversedBy  string          `json:"reversed_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FeeSource says what triggered a trading fee.
type FeeSource string

const (
	FeeSourcePeriodic   FeeSource = "PERIODIC"
	FeeSourceWithdrawal FeeSource = "WITHDRAWAL"
)

// TradingFee is one application of the profit-sharing fee.
type TradingFee struct {
	ID                  string          `json:"id"`
	InvestorID          string          `json:"investor_id"`
	PeriodStart         time.Time       `json:"period_start"`
	PeriodEnd           time.Time       `json:"period_end"`
	ProfitAmount        decimal.Decimal `json:"profit_amount"`
	FeePercentage       decimal.Decimal `json:"fee_percentage"`
	FeeAmount           decimal.Decimal `json:"fee_amount"`
	Source              FeeSource       `json:"source"`
	WithdrawalRequestID *string         `json:"withdrawal_request_id,omitempty"`
	AppliedBy           string          `json:"applied_by"`
	AppliedAt           time.Time       `json:"applied_at"`
	VoidedAt            *time.Time      `json:"voided_at,omitempty"`
	VoidedBy            string          `json:"voided_by,omitempty"`
}

// IsActive reports whether the fee has not been voided.
func (f *TradingFee) IsActive() bool { return f.VoidedAt == nil }

// Period returns the fee's charged window.
func (f *TradingFee) Period() Period {
	return Period{Start: f.PeriodStart, End: f.PeriodEnd}
}

// DailyOperatingResult is the header row of one daily percentage application.
type DailyOperatingResult struct {
	Date          time.Time       `json:"date"`
	Percent       decimal.Decimal `json:"percent"`
	AppliedBy     string          `json:"applied_by"`
	AppliedAt     time.Time       `json:"applied_at"`
	InvestorCount int             `json:"investor_count"`
	TotalDelta    decimal.Decimal `json:"total_delta"`
}
