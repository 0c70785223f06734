// Package transactions turns approved, rejected and reversed deposit and
// withdrawal requests into ledger events.
package transactions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/billing"
	"investor-ledger/internal/database"
	"investor-ledger/internal/events"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/notification"
	"investor-ledger/internal/recalc"
)

// DefaultDateOnlyHour places date-only approvals after the 17:00 daily
// operating result and before the next day's events.
const DefaultDateOnlyHour = 19

// Config holds processor configuration
type Config struct {
	Location     *time.Location
	DateOnlyHour int
}

// ApproveOptions carries the optional inputs of an approval.
type ApproveOptions struct {
	// ProcessedAt overrides the effective timestamp; nil means now.
	ProcessedAt *time.Time
	// DateOnly normalizes ProcessedAt to DateOnlyHour local time.
	DateOnly   bool
	ApprovedBy string
}

// Approval describes what an approval wrote.
type Approval struct {
	RequestID   string          `json:"request_id"`
	ProcessedAt time.Time       `json:"processed_at"`
	Amount      decimal.Decimal `json:"amount"`
	FeeID       string          `json:"fee_id,omitempty"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	Backfilled  bool            `json:"backfilled"`
	NewBalance  decimal.Decimal `json:"new_balance"`
}

// Processor validates requests and appends the resulting ledger events
type Processor struct {
	store    database.Store
	recalc   *recalc.Engine
	fees     *billing.Engine
	clock    ledger.Clock
	config   Config
	bus      *events.EventBus
	notifier *notification.Dispatcher
	logger   zerolog.Logger
}

// NewProcessor creates a new request processor
func NewProcessor(store database.Store, rc *recalc.Engine, fees *billing.Engine, clock ledger.Clock, config Config, logger zerolog.Logger) *Processor {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.DateOnlyHour == 0 {
		config.DateOnlyHour = DefaultDateOnlyHour
	}
	return &Processor{
		store:  store,
		recalc: rc,
		fees:   fees,
		clock:  clock,
		config: config,
		logger: logger.With().Str("component", "transactions").Logger(),
	}
}

// SetEventBus sets the bus that receives request and ledger change events
func (p *Processor) SetEventBus(bus *events.EventBus) { p.bus = bus }

// SetNotifier sets the best-effort notification sink. Notifications are
// sent in the background after the unit of work commits.
func (p *Processor) SetNotifier(n notification.Sink) {
	p.notifier = notification.NewDispatcher(n, notification.DefaultSendTimeout, p.logger)
}

// WaitNotifications blocks until queued notifications have been attempted.
func (p *Processor) WaitNotifications() { p.notifier.Wait() }

// processedAt resolves the effective timestamp of an approval.
func (p *Processor) processedAt(opts ApproveOptions, now time.Time) time.Time {
	if opts.ProcessedAt == nil {
		return now
	}
	if opts.DateOnly {
		return ledger.AtHour(*opts.ProcessedAt, p.config.DateOnlyHour, p.config.Location)
	}
	return *opts.ProcessedAt
}

// investorOf finds which investor's lock a request needs.
func (p *Processor) investorOf(ctx context.Context, requestID string) (string, error) {
	var investorID string
	err := p.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		investorID = req.InvestorID
		return nil
	})
	return investorID, err
}

// loadForTransition reads the request and investor and checks the request
// may move to next and has the expected type.
func loadForTransition(ctx context.Context, tx database.Tx, requestID string, next ledger.RequestStatus, want ledger.RequestType) (*ledger.Request, *ledger.Investor, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if !req.Status.CanTransition(next) {
		return nil, nil, fmt.Errorf("%w: request %s is %s, cannot become %s", ledger.ErrInvalidState, requestID, req.Status, next)
	}
	if want != "" && req.Type != want {
		return nil, nil, fmt.Errorf("%w: request %s is a %s, not a %s", ledger.ErrInvalidState, requestID, req.Type, want)
	}
	inv, err := tx.GetInvestor(ctx, req.InvestorID)
	if err != nil {
		return nil, nil, err
	}
	return req, inv, nil
}

// Approve approves a pending request. Deposits credit the amount; withdrawals
// also charge a fee on the realized share of pending profit and debit the net.
// Events dated before existing ones trigger a full replay.
func (p *Processor) Approve(ctx context.Context, requestID string, opts ApproveOptions) (*Approval, error) {
	investorID, err := p.investorOf(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	at := p.processedAt(opts, now)
	result := &Approval{RequestID: requestID, ProcessedAt: at, FeeAmount: decimal.Zero}
	var req *ledger.Request
	var inv *ledger.Investor

	err = p.store.WithinInvestor(ctx, investorID, func(ctx context.Context, tx database.Tx) error {
		var err error

		// 1. Request must be pending and the investor active
		req, inv, err = loadForTransition(ctx, tx, requestID, ledger.RequestApproved, "")
		if err != nil {
			return err
		}
		if !inv.IsActive() {
			return fmt.Errorf("%w: investor %s is not active", ledger.ErrInvalidState, inv.ID)
		}
		result.Amount = req.Amount

		// 2. Balance just before the event
		result.Backfilled, err = p.recalc.IsBackfill(ctx, tx, investorID, at)
		if err != nil {
			return err
		}
		previous, err := p.recalc.BalanceAt(ctx, tx, investorID, at)
		if err != nil {
			return err
		}

		// 3. Build the events
		var pending []*ledger.Event
		switch req.Type {
		case ledger.RequestDeposit:
			entry, err := ledger.NewDeposit(req.Amount)
			if err != nil {
				return err
			}
			ev := entry.Event(investorID, at, now)
			ev.RequestID = &req.ID
			ev.Description = "Deposit approved"
			pending = append(pending, ev)
			result.NetAmount = entry.Amount()

		case ledger.RequestWithdrawal:
			if previous.LessThan(req.Amount) {
				return fmt.Errorf("%w: balance %s, requested %s", ledger.ErrInsufficientBalance, previous, req.Amount)
			}
			quote, err := p.fees.QuoteWithdrawal(ctx, tx, inv, req.Amount, previous, at)
			if err != nil {
				return err
			}
			net := quote.Net(req.Amount)
			if !net.IsPositive() {
				return fmt.Errorf("%w: fee %s leaves %s of %s", ledger.ErrInvalidNetWithdrawal, quote.FeeAmount, net, req.Amount)
			}
			if quote.FeeAmount.IsPositive() {
				fee, feeEvent, err := p.fees.ChargeWithdrawalFee(ctx, tx, investorID, req.ID, quote, at, now, opts.ApprovedBy)
				if err != nil {
					return err
				}
				pending = append(pending, feeEvent)
				result.FeeID = fee.ID
				result.FeeAmount = fee.FeeAmount
			}
			entry, err := ledger.NewWithdrawal(net)
			if err != nil {
				return err
			}
			// sorts after the fee event that shares its date
			ev := entry.Event(investorID, at, now.Add(time.Microsecond))
			ev.RequestID = &req.ID
			ev.Description = "Withdrawal approved"
			pending = append(pending, ev)
			result.NetAmount = net

		default:
			return fmt.Errorf("%w: unknown request type %q", ledger.ErrValidation, req.Type)
		}

		// 4. Append (fast path or replay)
		portfolio, err := p.recalc.Append(ctx, tx, investorID, pending...)
		if err != nil {
			return err
		}
		result.NewBalance = portfolio.CurrentBalance

		// 5. Request state
		processed := at
		req.Status = ledger.RequestApproved
		req.ProcessedAt = &processed
		req.ApprovedBy = opts.ApprovedBy
		return tx.SaveRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("request_id", requestID).
		Str("investor_id", investorID).
		Str("type", string(req.Type)).
		Str("amount", req.Amount.String()).
		Str("fee", result.FeeAmount.String()).
		Time("processed_at", at).
		Bool("backfilled", result.Backfilled).
		Msg("Request approved")

	p.bus.PublishRequestApproved(requestID, investorID, string(req.Type), req.Amount.String())
	p.bus.PublishLedgerChanged("approve", investorID)
	p.notify(ctx, notification.KindRequestApproved, inv, notification.Payload{
		RequestID:    requestID,
		InvestorName: inv.Name,
		RequestType:  string(req.Type),
		Amount:       req.Amount,
		Fee:          result.FeeAmount,
		Net:          result.NetAmount,
	})

	return result, nil
}

// Reject rejects a pending request. No ledger event is written.
func (p *Processor) Reject(ctx context.Context, requestID, notes string) error {
	investorID, err := p.investorOf(ctx, requestID)
	if err != nil {
		return err
	}

	now := p.clock.Now()
	var req *ledger.Request
	var inv *ledger.Investor
	err = p.store.WithinInvestor(ctx, investorID, func(ctx context.Context, tx database.Tx) error {
		var err error
		req, inv, err = loadForTransition(ctx, tx, requestID, ledger.RequestRejected, "")
		if err != nil {
			return err
		}
		req.Status = ledger.RequestRejected
		req.ProcessedAt = &now
		if notes != "" {
			req.Notes = notes
		}
		return tx.SaveRequest(ctx, req)
	})
	if err != nil {
		return err
	}

	p.logger.Info().Str("request_id", requestID).Str("investor_id", investorID).Msg("Request rejected")
	p.bus.PublishRequestRejected(requestID, investorID)
	p.notify(ctx, notification.KindRequestRejected, inv, notification.Payload{
		RequestID:    requestID,
		InvestorName: inv.Name,
		RequestType:  string(req.Type),
		Amount:       req.Amount,
		Notes:        notes,
	})
	return nil
}

// ReverseDeposit undoes an approved deposit with a DEPOSIT_REVERSAL dated now
// and always replays the investor's ledger.
func (p *Processor) ReverseDeposit(ctx context.Context, requestID, reversedBy string) error {
	investorID, err := p.investorOf(ctx, requestID)
	if err != nil {
		return err
	}

	now := p.clock.Now()
	var req *ledger.Request
	var inv *ledger.Investor
	err = p.store.WithinInvestor(ctx, investorID, func(ctx context.Context, tx database.Tx) error {
		var err error
		req, inv, err = loadForTransition(ctx, tx, requestID, ledger.RequestReversed, ledger.RequestDeposit)
		if err != nil {
			return err
		}

		entry, err := ledger.NewDepositReversal(req.Amount)
		if err != nil {
			return err
		}
		ev := entry.Event(investorID, now, now)
		ev.RequestID = &req.ID
		ev.Description = "Deposit reversed"
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		if _, err := p.recalc.Recalculate(ctx, tx, investorID); err != nil {
			return err
		}

		req.Status = ledger.RequestReversed
		req.ReversedAt = &now
		req.ReversedBy = reversedBy
		return tx.SaveRequest(ctx, req)
	})
	if err != nil {
		return err
	}

	p.logger.Info().Str("request_id", requestID).Str("investor_id", investorID).Str("reversed_by", reversedBy).Msg("Deposit reversed")
	p.bus.PublishRequestReversed(requestID, investorID, string(ledger.RequestDeposit))
	p.bus.PublishLedgerChanged("reverse_deposit", investorID)
	p.notify(ctx, notification.KindDepositReversed, inv, notification.Payload{
		RequestID:    requestID,
		InvestorName: inv.Name,
		RequestType:  string(req.Type),
		Amount:       req.Amount,
	})
	return nil
}

// ReverseWithdrawal undoes an approved withdrawal: its linked fee is voided
// with a TRADING_FEE_ADJUSTMENT and the net amount is credited back as a new
// DEPOSIT, so the balance regains the full requested amount.
func (p *Processor) ReverseWithdrawal(ctx context.Context, requestID, reversedBy string) error {
	investorID, err := p.investorOf(ctx, requestID)
	if err != nil {
		return err
	}

	now := p.clock.Now()
	var req *ledger.Request
	var inv *ledger.Investor
	net := decimal.Zero
	err = p.store.WithinInvestor(ctx, investorID, func(ctx context.Context, tx database.Tx) error {
		var err error
		req, inv, err = loadForTransition(ctx, tx, requestID, ledger.RequestReversed, ledger.RequestWithdrawal)
		if err != nil {
			return err
		}

		var pending []*ledger.Event
		voided := decimal.Zero
		fee, err := tx.GetActiveWithdrawalFee(ctx, requestID)
		if err != nil {
			return err
		}
		if fee != nil {
			credit, err := p.fees.VoidInTx(ctx, tx, fee, reversedBy, now)
			if err != nil {
				return err
			}
			pending = append(pending, credit)
			voided = fee.FeeAmount
		}

		net = req.Amount.Sub(voided)
		if !net.IsPositive() {
			return fmt.Errorf("%w: reconstructed net %s for request %s", ledger.ErrInvalidReversal, net, requestID)
		}
		entry, err := ledger.NewDeposit(net)
		if err != nil {
			return err
		}
		ev := entry.Event(investorID, now, now.Add(time.Microsecond))
		ev.RequestID = &req.ID
		ev.Description = "Withdrawal reversed"
		pending = append(pending, ev)

		if _, err := p.recalc.Append(ctx, tx, investorID, pending...); err != nil {
			return err
		}

		req.Status = ledger.RequestReversed
		req.ReversedAt = &now
		req.ReversedBy = reversedBy
		return tx.SaveRequest(ctx, req)
	})
	if err != nil {
		return err
	}

	p.logger.Info().Str("request_id", requestID).Str("investor_id", investorID).Str("credited", net.String()).Msg("Withdrawal reversed")
	p.bus.PublishRequestReversed(requestID, investorID, string(ledger.RequestWithdrawal))
	p.bus.PublishLedgerChanged("reverse_withdrawal", investorID)
	p.notify(ctx, notification.KindWithdrawalReversed, inv, notification.Payload{
		RequestID:    requestID,
		InvestorName: inv.Name,
		RequestType:  string(req.Type),
		Amount:       req.Amount,
		Net:          net,
	})
	return nil
}

// notify queues a notification; failures are only logged.
func (p *Processor) notify(ctx context.Context, kind notification.Kind, inv *ledger.Investor, payload notification.Payload) {
	if inv == nil {
		return
	}
	p.notifier.Send(ctx, kind, inv.Email, payload)
}
