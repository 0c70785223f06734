package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/money"
)

// TWRResult is a time-weighted return over a window.
type TWRResult struct {
	TWRPercent       decimal.Decimal `json:"twr_percent"`
	PnLUSD           decimal.Decimal `json:"pnl_usd"`
	StartValue       decimal.Decimal `json:"start_value"`
	EndValue         decimal.Decimal `json:"end_value"`
	NetFlows         decimal.Decimal `json:"net_flows"`
	EffectiveStartAt *time.Time      `json:"effective_start_at,omitempty"`
}

// FlatTWR is the result for an account with no history: zero return with
// the snapshot balance as both start and end value.
func FlatTWR(balance decimal.Decimal) TWRResult {
	balance = money.Currency(balance)
	return TWRResult{
		TWRPercent: decimal.Zero,
		PnLUSD:     decimal.Zero,
		StartValue: balance,
		EndValue:   balance,
		NetFlows:   decimal.Zero,
	}
}

// ComputeTWR chain-links sub-period returns over [from, to], splitting at
// each DEPOSIT or WITHDRAWAL. seed is the balance strictly before from; a
// zero from means the window is open at the start. events may span several
// investors, in which case running is the aggregate platform balance.
func ComputeTWR(seed decimal.Decimal, events []*Event, from, to time.Time) TWRResult {
	inWindow := make([]*Event, 0, len(events))
	for _, e := range events {
		if !e.IsCompleted() {
			continue
		}
		if (!from.IsZero() && e.Date.Before(from)) || e.Date.After(to) {
			continue
		}
		inWindow = append(inWindow, e)
	}
	SortEvents(inWindow)

	one := decimal.NewFromInt(1)
	product := one
	running := seed
	subStart := seed
	netFlows := decimal.Zero
	valueAtStart := decimal.Zero

	var effective *time.Time
	if seed.IsPositive() {
		f := from
		effective = &f
		valueAtStart = seed
	}

	closeSubPeriod := func() {
		if subStart.IsZero() {
			return
		}
		r := running.Sub(subStart).Div(subStart)
		product = product.Mul(one.Add(r))
	}

	for _, e := range inWindow {
		delta := e.Delta()
		if e.Kind.IsExternalFlow() {
			closeSubPeriod()
			running = running.Add(delta)
			if effective != nil {
				netFlows = netFlows.Add(delta)
			}
			subStart = running
		} else {
			running = running.Add(delta)
		}

		if effective == nil && running.IsPositive() {
			at := e.Date
			effective = &at
			valueAtStart = running
			subStart = running
		}
	}
	closeSubPeriod()

	return TWRResult{
		TWRPercent:       money.Percent(product.Sub(one).Mul(money.Hundred())),
		PnLUSD:           money.Currency(running.Sub(valueAtStart).Sub(netFlows)),
		StartValue:       money.Currency(valueAtStart),
		EndValue:         money.Currency(running),
		NetFlows:         money.Currency(netFlows),
		EffectiveStartAt: effective,
	}
}
