package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/database"
	"investor-ledger/internal/events"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/money"
	"investor-ledger/internal/recalc"
)

// Applicator previews and applies daily operating results
type Applicator struct {
	store  database.Store
	recalc *recalc.Engine
	clock  ledger.Clock
	config Config
	bus    *events.EventBus
	logger zerolog.Logger
}

// NewApplicator creates a new daily operating result applicator
func NewApplicator(store database.Store, rc *recalc.Engine, clock ledger.Clock, config Config, logger zerolog.Logger) *Applicator {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.MovementHour == 0 {
		config.MovementHour = DefaultMovementHour
	}
	if config.Validation == nil {
		config.Validation = DefaultValidationConfig()
	}
	return &Applicator{
		store:  store,
		recalc: rc,
		clock:  clock,
		config: config,
		logger: logger.With().Str("component", "settlement").Logger(),
	}
}

// SetEventBus sets the bus that receives daily result events
func (a *Applicator) SetEventBus(bus *events.EventBus) { a.bus = bus }

// MovementAt is the timestamp of the events written for date.
func (a *Applicator) MovementAt(date time.Time) time.Time {
	return ledger.AtHour(date, a.config.MovementHour, a.config.Location)
}

// check validates the inputs that do not need the store.
func (a *Applicator) check(date time.Time, pct decimal.Decimal) (*ValidationResult, error) {
	day := ledger.StartOfDay(date, a.config.Location)
	today := ledger.StartOfDay(a.clock.Now(), a.config.Location)
	if day.After(today) {
		return nil, fmt.Errorf("%w: date %s is in the future", ledger.ErrValidation, day.Format(time.DateOnly))
	}
	v := a.config.Validation.ValidatePercent(pct)
	if !v.IsValid {
		return nil, fmt.Errorf("%w: %s", ledger.ErrValidation, strings.Join(v.Errors, "; "))
	}
	return v, nil
}

// plan computes every eligible investor's movement inside tx. When lock is
// set each investor is locked before its balance is read.
func (a *Applicator) plan(ctx context.Context, tx database.Tx, date time.Time, pct decimal.Decimal, lock bool) (*PreviewReport, error) {
	day := ledger.StartOfDay(date, a.config.Location)

	// 1. One header per date
	existing, err := tx.GetDailyOperatingResult(ctx, day)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: operating result for %s already applied by %s", ledger.ErrDuplicatePeriod, day.Format(time.DateOnly), existing.AppliedBy)
	}

	// 2. Balance of each active investor as of the movement time
	at := a.MovementAt(day)
	investors, err := tx.ListActiveInvestors(ctx)
	if err != nil {
		return nil, err
	}
	report := &PreviewReport{
		Date:         day,
		Percent:      pct,
		MovementAt:   at,
		Investors:    []InvestorMovement{},
		TotalBalance: decimal.Zero,
		TotalDelta:   decimal.Zero,
	}
	for _, inv := range investors {
		if lock {
			if err := tx.LockInvestor(ctx, inv.ID); err != nil {
				return nil, err
			}
		}
		last, err := tx.LastCompletedEventAtOrBefore(ctx, inv.ID, at)
		if err != nil {
			return nil, err
		}
		if last == nil || !last.NewBalance.IsPositive() {
			continue
		}
		delta := money.ApplyPercent(last.NewBalance, pct)
		report.Investors = append(report.Investors, InvestorMovement{
			InvestorID: inv.ID,
			Name:       inv.Name,
			Balance:    last.NewBalance,
			Delta:      delta,
			NewBalance: last.NewBalance.Add(delta),
		})
		report.TotalBalance = report.TotalBalance.Add(last.NewBalance)
		report.TotalDelta = report.TotalDelta.Add(delta)
	}

	// 3. Someone must hold capital
	report.InvestorCount = len(report.Investors)
	if report.InvestorCount == 0 {
		return nil, fmt.Errorf("%w: no active investor holds a balance at %s", ledger.ErrNoEligibleInvestors, at.Format(time.RFC3339))
	}
	return report, nil
}

// Preview reports what Apply would write without writing anything.
func (a *Applicator) Preview(ctx context.Context, date time.Time, pct decimal.Decimal) (*PreviewReport, error) {
	v, err := a.check(date, pct)
	if err != nil {
		return nil, err
	}

	var report *PreviewReport
	err = a.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		report, err = a.plan(ctx, tx, date, pct, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	report.Warnings = v.Warnings
	return report, nil
}

// Apply credits pct of each eligible investor's balance as an OPERATING_RESULT
// event at the movement time of date. The header row, the events and every
// investor's recalculation commit together or not at all.
func (a *Applicator) Apply(ctx context.Context, date time.Time, pct decimal.Decimal, appliedBy string) (*ApplyResult, error) {
	start := time.Now()
	v, err := a.check(date, pct)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	result := &ApplyResult{AppliedBy: appliedBy, AppliedAt: now}

	err = a.store.WithinBatch(ctx, func(ctx context.Context, tx database.Tx) error {
		report, err := a.plan(ctx, tx, date, pct, true)
		if err != nil {
			return err
		}

		if err := tx.InsertDailyOperatingResult(ctx, &ledger.DailyOperatingResult{
			Date:          report.Date,
			Percent:       pct,
			AppliedBy:     appliedBy,
			AppliedAt:     now,
			InvestorCount: report.InvestorCount,
			TotalDelta:    report.TotalDelta,
		}); err != nil {
			return err
		}

		for i := range report.Investors {
			m := &report.Investors[i]
			ev := ledger.NewOperatingResult(m.Delta).Event(m.InvestorID, report.MovementAt, now)
			ev.Description = fmt.Sprintf("Daily operating result %s%%", pct)
			ev.PreviousBalance = m.Balance
			ev.NewBalance = m.NewBalance
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
			if _, err := a.recalc.Recalculate(ctx, tx, m.InvestorID); err != nil {
				return fmt.Errorf("recalculate %s: %w", m.InvestorID, err)
			}
		}

		result.PreviewReport = *report
		return nil
	})
	if err != nil {
		a.logger.Error().Err(err).Time("date", date).Str("percent", pct.String()).Msg("Daily operating result failed")
		return nil, err
	}
	result.Warnings = v.Warnings
	result.Duration = time.Since(start)

	a.logger.Info().
		Str("date", result.Date.Format(time.DateOnly)).
		Str("percent", pct.String()).
		Int("investors", result.InvestorCount).
		Str("total_delta", result.TotalDelta.String()).
		Str("applied_by", appliedBy).
		Dur("duration", result.Duration).
		Msg("Daily operating result applied")

	ids := make([]string, 0, len(result.Investors))
	for _, m := range result.Investors {
		ids = append(ids, m.InvestorID)
	}
	a.bus.PublishDailyResultApplied(result.Date.Format(time.DateOnly), pct.String(), result.InvestorCount)
	a.bus.PublishLedgerChanged("daily_operating_result", ids...)

	return result, nil
}
