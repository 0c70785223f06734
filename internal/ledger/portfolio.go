package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/money"
)

// Portfolio is the per-investor balance projection. It is a cache of
// replaying the investor's completed events and is never authoritative.
type Portfolio struct {
	InvestorID               string          `json:"investor_id"`
	CurrentBalance           decimal.Decimal `json:"current_balance"`
	TotalInvested            decimal.Decimal `json:"total_invested"`
	AccumulatedReturnUSD     decimal.Decimal `json:"accumulated_return_usd"`
	AccumulatedReturnPercent decimal.Decimal `json:"accumulated_return_percent"`
	AnnualReturnUSD          decimal.Decimal `json:"annual_return_usd"`
	AnnualReturnPercent      decimal.Decimal `json:"annual_return_percent"`

	// Fold state for the annual figures: calendar year of the latest event,
	// balance before that year's first event and the year's net capital flows.
	AnnualYear           int             `json:"annual_year"`
	AnnualOpeningBalance decimal.Decimal `json:"annual_opening_balance"`
	AnnualNetFlows       decimal.Decimal `json:"annual_net_flows"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewPortfolio returns an empty projection.
func NewPortfolio(investorID string) *Portfolio {
	return &Portfolio{InvestorID: investorID}
}

// Clone returns an independent copy.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	return &c
}

// Apply folds one event into the projection and stamps the event's
// PreviousBalance and NewBalance. Events that are not COMPLETED are ignored.
// Events must be applied in SortKey order.
func (p *Portfolio) Apply(e *Event) {
	if !e.IsCompleted() {
		return
	}

	if year := e.Date.Year(); year != p.AnnualYear {
		p.AnnualYear = year
		p.AnnualOpeningBalance = p.CurrentBalance
		p.AnnualNetFlows = decimal.Zero
		p.AnnualReturnUSD = decimal.Zero
	}

	delta := e.Delta()
	prev := p.CurrentBalance
	next := money.Currency(prev.Add(delta))
	e.PreviousBalance = prev
	e.NewBalance = next
	p.CurrentBalance = next

	switch e.Kind {
	case KindDeposit, KindWithdrawal, KindDepositReversal:
		p.TotalInvested = money.Currency(p.TotalInvested.Add(delta))
		p.AnnualNetFlows = money.Currency(p.AnnualNetFlows.Add(delta))
	default:
		p.AnnualReturnUSD = money.Currency(p.AnnualReturnUSD.Add(delta))
	}

	p.derive()
}

func (p *Portfolio) derive() {
	p.AccumulatedReturnUSD = money.Currency(p.CurrentBalance.Sub(p.TotalInvested))
	p.AccumulatedReturnPercent = money.Ratio(p.AccumulatedReturnUSD, p.TotalInvested)

	base := p.AnnualOpeningBalance.Add(p.AnnualNetFlows)
	if base.IsPositive() {
		p.AnnualReturnPercent = money.Ratio(p.AnnualReturnUSD, base)
	} else {
		p.AnnualReturnPercent = decimal.Zero
	}
}

// SameTotals reports whether two projections agree on every derived figure.
func (p *Portfolio) SameTotals(o *Portfolio) bool {
	return p.CurrentBalance.Equal(o.CurrentBalance) &&
		p.TotalInvested.Equal(o.TotalInvested) &&
		p.AccumulatedReturnUSD.Equal(o.AccumulatedReturnUSD) &&
		p.AccumulatedReturnPercent.Equal(o.AccumulatedReturnPercent) &&
		p.AnnualReturnUSD.Equal(o.AnnualReturnUSD) &&
		p.AnnualReturnPercent.Equal(o.AnnualReturnPercent)
}
