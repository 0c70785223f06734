package ledger

import "github.com/shopspring/decimal"

// ReplayResult is the output of a full replay: completed events in SortKey
// order carrying freshly derived balances, and the resulting projection.
type ReplayResult struct {
	Events    []*Event
	Portfolio *Portfolio
}

// Replay folds the completed events of one investor from a zero balance.
// The input is not modified; the returned events are copies.
func Replay(investorID string, events []*Event) ReplayResult {
	ordered := make([]*Event, 0, len(events))
	for _, e := range events {
		if !e.IsCompleted() {
			continue
		}
		c := *e
		ordered = append(ordered, &c)
	}
	SortEvents(ordered)

	p := NewPortfolio(investorID)
	for _, e := range ordered {
		p.Apply(e)
	}
	return ReplayResult{Events: ordered, Portfolio: p}
}

// BalanceChanged reports whether the replayed event carries different cached
// balances from the stored one.
func BalanceChanged(stored, replayed *Event) bool {
	return !stored.PreviousBalance.Equal(replayed.PreviousBalance) ||
		!stored.NewBalance.Equal(replayed.NewBalance)
}

// TotalInvested sums signed capital flows over completed events.
func TotalInvested(events []*Event) decimal.Decimal {
	total := decimal.Zero
	for _, e := range events {
		if !e.IsCompleted() {
			continue
		}
		switch e.Kind {
		case KindDeposit:
			total = total.Add(e.Amount.Abs())
		case KindDepositReversal, KindWithdrawal:
			total = total.Sub(e.Amount.Abs())
		}
	}
	return total
}
