// Package billing is the trading fee engine: periodic profit-sharing fees,
// fees triggered by withdrawals and voiding of applied fees.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/database"
	"investor-ledger/internal/events"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/money"
	"investor-ledger/internal/notification"
	"investor-ledger/internal/recalc"
)

// Engine applies and voids trading fees
type Engine struct {
	store    database.Store
	recalc   *recalc.Engine
	clock    ledger.Clock
	loc      *time.Location
	bus      *events.EventBus
	notifier *notification.Dispatcher
	logger   zerolog.Logger
}

// NewEngine creates a new trading fee engine
func NewEngine(store database.Store, rc *recalc.Engine, clock ledger.Clock, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Engine{
		store:  store,
		recalc: rc,
		clock:  clock,
		loc:    cfg.Location,
		logger: logger.With().Str("component", "billing").Logger(),
	}
}

// SetEventBus sets the bus that receives fee and ledger change events
func (e *Engine) SetEventBus(bus *events.EventBus) { e.bus = bus }

// SetNotifier sets the best-effort notification sink. Deliveries run in the
// background.
func (e *Engine) SetNotifier(n notification.Sink) {
	e.notifier = notification.NewDispatcher(n, notification.DefaultSendTimeout, e.logger)
}

// WaitNotifications blocks until queued notifications have been attempted.
func (e *Engine) WaitNotifications() { e.notifier.Wait() }

// ResolvePeriod returns the fee window for freq relative to ref.
func (e *Engine) ResolvePeriod(freq ledger.FeeFrequency, ref time.Time) (ledger.Period, error) {
	return ledger.ResolvePeriod(freq, ref, e.loc)
}

// NextPeriod resolves the window the next periodic fee would cover for an
// investor. When an active fee already covers that exact window its stored
// window is returned along with its id.
func (e *Engine) NextPeriod(ctx context.Context, investorID string) (PeriodQuote, error) {
	var quote PeriodQuote
	err := e.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		inv, err := tx.GetInvestor(ctx, investorID)
		if err != nil {
			return err
		}
		period, err := e.ResolvePeriod(inv.TradingFeeFrequency, e.clock.Now())
		if err != nil {
			return err
		}
		quote.Period = period

		existing, err := tx.FindActiveTradingFeeByPeriod(ctx, investorID, period)
		if err != nil {
			return err
		}
		if existing != nil {
			quote.Period = existing.Period()
			quote.FeeID = existing.ID
			quote.Profit = existing.ProfitAmount
			return nil
		}

		quote.Profit, err = PeriodProfit(ctx, tx, investorID, period)
		return err
	})
	return quote, err
}

// Apply charges feePercentage of the operating profit over period (or the
// investor's most recent completed period when nil) as a TRADING_FEE dated
// now. It returns the new fee id.
func (e *Engine) Apply(ctx context.Context, investorID string, feePercentage decimal.Decimal, appliedBy string, period *ledger.Period) (string, error) {
	if !feePercentage.IsPositive() || feePercentage.GreaterThan(money.Hundred()) {
		return "", fmt.Errorf("%w: fee percentage must be in (0, 100], got %s", ledger.ErrValidation, feePercentage)
	}

	now := e.clock.Now()
	var fee *ledger.TradingFee
	var inv *ledger.Investor

	err := e.store.WithinInvestor(ctx, investorID, func(ctx context.Context, tx database.Tx) error {
		var err error

		// 1. Investor must be active
		inv, err = tx.GetInvestor(ctx, investorID)
		if err != nil {
			return err
		}
		if !inv.IsActive() {
			return fmt.Errorf("%w: investor %s is not active", ledger.ErrInvalidState, investorID)
		}

		// 2. Resolve the window
		window := period
		if window == nil {
			resolved, err := e.ResolvePeriod(inv.TradingFeeFrequency, now)
			if err != nil {
				return err
			}
			window = &resolved
		}

		// 3. Profit over the window must be positive
		profit, err := PeriodProfit(ctx, tx, investorID, *window)
		if err != nil {
			return err
		}
		if !profit.IsPositive() {
			return fmt.Errorf("%w: operating result over %s is %s", ledger.ErrNoProfit, window, profit)
		}

		// 4. No active fee may overlap the window
		active, err := tx.ListActiveTradingFees(ctx, investorID)
		if err != nil {
			return err
		}
		for _, f := range active {
			if f.Period().Overlaps(*window) {
				return fmt.Errorf("%w: fee %s already covers %s", ledger.ErrDuplicatePeriod, f.ID, f.Period())
			}
		}

		// 5. Fee amount and balance check against the current snapshot
		amount := money.ApplyPercent(profit, feePercentage)
		entry, err := ledger.NewTradingFeeCharge(amount)
		if err != nil {
			return fmt.Errorf("%w: fee on %s rounds to zero", ledger.ErrNoProfit, profit)
		}
		snapshot, err := e.recalc.Snapshot(ctx, tx, investorID)
		if err != nil {
			return err
		}
		if snapshot.CurrentBalance.Sub(amount).IsNegative() {
			return fmt.Errorf("%w: balance %s cannot cover fee %s", ledger.ErrInsufficientBalance, snapshot.CurrentBalance, amount)
		}

		// 6. Fee row then ledger event
		fee = &ledger.TradingFee{
			ID:            uuid.NewString(),
			InvestorID:    investorID,
			PeriodStart:   window.Start,
			PeriodEnd:     window.End,
			ProfitAmount:  profit,
			FeePercentage: feePercentage,
			FeeAmount:     amount,
			Source:        ledger.FeeSourcePeriodic,
			AppliedBy:     appliedBy,
			AppliedAt:     now,
		}
		if err := tx.InsertTradingFee(ctx, fee); err != nil {
			return err
		}

		ev := entry.Event(investorID, now, now)
		ev.TradingFeeID = &fee.ID
		ev.Description = "Trading fee " + window.String()
		_, err = e.recalc.Append(ctx, tx, investorID, ev)
		return err
	})
	if err != nil {
		return "", err
	}

	e.logger.Info().
		Str("investor_id", investorID).
		Str("fee_id", fee.ID).
		Str("period", fee.Period().String()).
		Str("profit", fee.ProfitAmount.String()).
		Str("fee", fee.FeeAmount.String()).
		Msg("Trading fee applied")

	e.bus.PublishTradingFeeApplied(fee.ID, investorID, string(fee.Source), fee.FeeAmount.String())
	e.bus.PublishLedgerChanged("trading_fee", investorID)
	e.notify(ctx, inv, notification.Payload{
		InvestorName: inv.Name,
		Fee:          fee.FeeAmount,
		Period:       fee.Period().String(),
	})

	return fee.ID, nil
}

// QuoteWithdrawal computes the fee a withdrawal of requested would trigger
// when processed at, given the investor's balance just before it.
func (e *Engine) QuoteWithdrawal(ctx context.Context, tx database.Tx, inv *ledger.Investor, requested, previousBalance decimal.Decimal, at time.Time) (WithdrawalFeeQuote, error) {
	pending, err := PendingProfit(ctx, tx, inv.ID, at)
	if err != nil {
		return WithdrawalFeeQuote{}, err
	}
	return QuoteWithdrawalFee(pending, requested, previousBalance, inv.TradingFeePercentage), nil
}

// ChargeWithdrawalFee records a WITHDRAWAL-source fee linked to requestID and
// returns the TRADING_FEE event to append alongside the withdrawal. The fee
// window is the single day of at. No overlap check is made here.
func (e *Engine) ChargeWithdrawalFee(ctx context.Context, tx database.Tx, investorID, requestID string, quote WithdrawalFeeQuote, at, createdAt time.Time, appliedBy string) (*ledger.TradingFee, *ledger.Event, error) {
	entry, err := ledger.NewTradingFeeCharge(quote.FeeAmount)
	if err != nil {
		return nil, nil, err
	}
	window, err := ledger.NewPeriod(at, at, e.loc)
	if err != nil {
		return nil, nil, err
	}

	link := requestID
	fee := &ledger.TradingFee{
		ID:                  uuid.NewString(),
		InvestorID:          investorID,
		PeriodStart:         window.Start,
		PeriodEnd:           window.End,
		ProfitAmount:        quote.RealizedProfit,
		FeePercentage:       quote.FeePercentage,
		FeeAmount:           quote.FeeAmount,
		Source:              ledger.FeeSourceWithdrawal,
		WithdrawalRequestID: &link,
		AppliedBy:           appliedBy,
		AppliedAt:           at,
	}
	if err := tx.InsertTradingFee(ctx, fee); err != nil {
		return nil, nil, err
	}

	ev := entry.Event(investorID, at, createdAt)
	ev.TradingFeeID = &fee.ID
	ev.RequestID = &link
	ev.Description = "Trading fee on withdrawal"
	return fee, ev, nil
}

// VoidInTx voids an active fee inside tx and returns the TRADING_FEE_ADJUSTMENT
// credit to append. The withdrawal link is detached.
func (e *Engine) VoidInTx(ctx context.Context, tx database.Tx, fee *ledger.TradingFee, voidedBy string, at time.Time) (*ledger.Event, error) {
	if !fee.IsActive() {
		return nil, fmt.Errorf("%w: trading fee %s already voided", ledger.ErrInvalidState, fee.ID)
	}
	entry, err := ledger.NewTradingFeeAdjustment(fee.FeeAmount)
	if err != nil {
		return nil, err
	}

	voidedAt := at
	fee.VoidedAt = &voidedAt
	fee.VoidedBy = voidedBy
	fee.WithdrawalRequestID = nil
	if err := tx.UpdateTradingFee(ctx, fee); err != nil {
		return nil, err
	}

	ev := entry.Event(fee.InvestorID, at, at)
	id := fee.ID
	ev.TradingFeeID = &id
	ev.Description = "Voided trading fee " + fee.Period().String()
	return ev, nil
}

// Void reverses a periodic fee: the fee is marked voided and its amount is
// credited back. Withdrawal-triggered fees are voided by reversing the
// withdrawal instead.
func (e *Engine) Void(ctx context.Context, feeID, voidedBy string) error {
	var investorID string
	err := e.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		fee, err := tx.GetTradingFee(ctx, feeID)
		if err != nil {
			return err
		}
		investorID = fee.InvestorID
		return nil
	})
	if err != nil {
		return err
	}

	now := e.clock.Now()
	err = e.store.WithinInvestor(ctx, investorID, func(ctx context.Context, tx database.Tx) error {
		fee, err := tx.GetTradingFee(ctx, feeID)
		if err != nil {
			return err
		}
		if fee.Source == ledger.FeeSourceWithdrawal && fee.IsActive() {
			return fmt.Errorf("%w: fee %s belongs to a withdrawal; reverse the withdrawal", ledger.ErrInvalidState, feeID)
		}
		credit, err := e.VoidInTx(ctx, tx, fee, voidedBy, now)
		if err != nil {
			return err
		}
		_, err = e.recalc.Append(ctx, tx, investorID, credit)
		return err
	})
	if err != nil {
		return err
	}

	e.logger.Info().Str("investor_id", investorID).Str("fee_id", feeID).Str("voided_by", voidedBy).Msg("Trading fee voided")
	e.bus.PublishTradingFeeVoided(feeID, investorID)
	e.bus.PublishLedgerChanged("trading_fee_void", investorID)
	return nil
}

func (e *Engine) notify(ctx context.Context, inv *ledger.Investor, payload notification.Payload) {
	if inv == nil {
		return
	}
	e.notifier.Send(ctx, notification.KindTradingFeeApplied, inv.Email, payload)
}
