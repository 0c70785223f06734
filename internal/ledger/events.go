package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/money"
)

// EventKind classifies a balance-affecting movement.
type EventKind string

const (
	KindDeposit              EventKind = "DEPOSIT"
	KindWithdrawal           EventKind = "WITHDRAWAL"
	KindDepositReversal      EventKind = "DEPOSIT_REVERSAL"
	KindOperatingResult      EventKind = "OPERATING_RESULT"
	KindTradingFee           EventKind = "TRADING_FEE"
	KindTradingFeeAdjustment EventKind = "TRADING_FEE_ADJUSTMENT"
	KindReferralCommission   EventKind = "REFERRAL_COMMISSION"
)

// IsSubtractive reports whether the stored amount is a magnitude that debits the balance.
func (k EventKind) IsSubtractive() bool {
	return k == KindWithdrawal || k == KindTradingFee
}

// IsExternalFlow reports whether the kind moves investor capital in or out.
// Flows split TWR sub-periods; everything else is internal performance.
func (k EventKind) IsExternalFlow() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindDepositReversal, KindOperatingResult,
		KindTradingFee, KindTradingFeeAdjustment, KindReferralCommission:
		return true
	}
	return false
}

// EventStatus is the lifecycle of a ledger event. Only COMPLETED events count.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventCompleted EventStatus = "COMPLETED"
	EventRejected  EventStatus = "REJECTED"
)

// Event is one immutable fact about a balance change. PreviousBalance and
// NewBalance are cached replay results and are rewritten by recalculation.
type Event struct {
	ID              string          `json:"id"`
	InvestorID      string          `json:"investor_id"`
	Date            time.Time       `json:"date"`
	Kind            EventKind       `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	Status          EventStatus     `json:"status"`
	RequestID       *string         `json:"request_id,omitempty"`
	TradingFeeID    *string         `json:"trading_fee_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Delta is the signed change this event applies to the running balance.
func (e *Event) Delta() decimal.Decimal {
	if e.Kind.IsSubtractive() {
		return e.Amount.Abs().Neg()
	}
	return e.Amount
}

// IsCompleted reports whether the event participates in balance derivation.
func (e *Event) IsCompleted() bool { return e.Status == EventCompleted }

// SortKey is the global ordering of events: effective date, then creation
// time, then id so that ties never depend on storage order.
type SortKey struct {
	Date      time.Time
	CreatedAt time.Time
	ID        string
}

func (e *Event) SortKey() SortKey {
	return SortKey{Date: e.Date, CreatedAt: e.CreatedAt, ID: e.ID}
}

// Less orders keys chronologically.
func (k SortKey) Less(o SortKey) bool {
	if !k.Date.Equal(o.Date) {
		return k.Date.Before(o.Date)
	}
	if !k.CreatedAt.Equal(o.CreatedAt) {
		return k.CreatedAt.Before(o.CreatedAt)
	}
	return k.ID < o.ID
}

// SortEvents orders events in place by SortKey.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].SortKey().Less(events[j].SortKey())
	})
}

// Entry is a kind and amount whose sign convention has already been checked.
// Build one with the New* constructors, then stamp it onto a ledger with Event.
type Entry struct {
	kind   EventKind
	amount decimal.Decimal
}

func (e Entry) Kind() EventKind         { return e.kind }
func (e Entry) Amount() decimal.Decimal { return e.amount }

// Delta is the signed balance change the entry will apply.
func (e Entry) Delta() decimal.Decimal {
	ev := Event{Kind: e.kind, Amount: e.amount}
	return ev.Delta()
}

// Event stamps the entry as a COMPLETED event for investorID.
func (e Entry) Event(investorID string, date, createdAt time.Time) *Event {
	return &Event{
		ID:         uuid.NewString(),
		InvestorID: investorID,
		Date:       date,
		Kind:       e.kind,
		Amount:     e.amount,
		Status:     EventCompleted,
		CreatedAt:  createdAt,
	}
}

func positive(kind EventKind, amount decimal.Decimal) (Entry, error) {
	amount = money.Currency(amount)
	if !amount.IsPositive() {
		return Entry{}, fmt.Errorf("%w: %s amount must be positive, got %s", ErrValidation, kind, amount)
	}
	return Entry{kind: kind, amount: amount}, nil
}

// NewDeposit credits capital. amount must be positive.
func NewDeposit(amount decimal.Decimal) (Entry, error) { return positive(KindDeposit, amount) }

// NewWithdrawal debits capital. amount is the positive magnitude withdrawn.
func NewWithdrawal(amount decimal.Decimal) (Entry, error) { return positive(KindWithdrawal, amount) }

// NewTradingFeeCharge debits a fee. amount is the positive fee magnitude.
func NewTradingFeeCharge(amount decimal.Decimal) (Entry, error) {
	return positive(KindTradingFee, amount)
}

// NewTradingFeeAdjustment credits back a voided fee.
func NewTradingFeeAdjustment(amount decimal.Decimal) (Entry, error) {
	return positive(KindTradingFeeAdjustment, amount)
}

// NewReferralCommission credits a referral payout.
func NewReferralCommission(amount decimal.Decimal) (Entry, error) {
	return positive(KindReferralCommission, amount)
}

// NewDepositReversal takes the positive magnitude of the reversed deposit and
// stores it as a negative signed amount.
func NewDepositReversal(amount decimal.Decimal) (Entry, error) {
	e, err := positive(KindDepositReversal, amount)
	if err != nil {
		return Entry{}, err
	}
	e.amount = e.amount.Neg()
	return e, nil
}

// NewOperatingResult records a signed daily performance delta.
func NewOperatingResult(delta decimal.Decimal) Entry {
	return Entry{kind: KindOperatingResult, amount: money.Currency(delta)}
}

// SumKind totals the amounts of completed events of kind dated within [from, to].
func SumKind(events []*Event, kind EventKind, from, to time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, e := range events {
		if !e.IsCompleted() || e.Kind != kind {
			continue
		}
		if e.Date.Before(from) || e.Date.After(to) {
			continue
		}
		total = total.Add(e.Amount)
	}
	return total
}
