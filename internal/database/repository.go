package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/ledger"
)

// Repository provides data access methods bound to one transaction
type Repository struct {
	tx  pgx.Tx
	loc *time.Location
}

// numeric columns are selected as ::text and parsed, so no precision is lost
// to float conversion.
func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func parseDecimals(pairs map[*decimal.Decimal]string) error {
	for dst, s := range pairs {
		d, err := parseDecimal(s)
		if err != nil {
			return err
		}
		*dst = d
	}
	return nil
}

func (r *Repository) date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc)
}

func dateParam(t time.Time) string { return t.Format(time.DateOnly) }

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// LockInvestor takes the transaction-scoped single-writer lock for an investor
func (r *Repository) LockInvestor(ctx context.Context, investorID string) error {
	if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, investorID); err != nil {
		return fmt.Errorf("lock investor %s: %w", investorID, err)
	}
	return nil
}

// ============================================================================
// INVESTORS
// ============================================================================

const investorColumns = `id, name, email, status, trading_fee_percentage::text, trading_fee_frequency, created_at`

func (r *Repository) scanInvestor(row pgx.Row) (*ledger.Investor, error) {
	var inv ledger.Investor
	var pct string
	if err := row.Scan(&inv.ID, &inv.Name, &inv.Email, &inv.Status, &pct, &inv.TradingFeeFrequency, &inv.CreatedAt); err != nil {
		return nil, err
	}
	d, err := parseDecimal(pct)
	if err != nil {
		return nil, err
	}
	inv.TradingFeePercentage = d
	return &inv, nil
}

func (r *Repository) GetInvestor(ctx context.Context, id string) (*ledger.Investor, error) {
	inv, err := r.scanInvestor(r.tx.QueryRow(ctx, `SELECT `+investorColumns+` FROM investors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: investor %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get investor %s: %w", id, err)
	}
	return inv, nil
}

func (r *Repository) SaveInvestor(ctx context.Context, inv *ledger.Investor) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO investors (id, name, email, status, trading_fee_percentage, trading_fee_frequency, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			trading_fee_percentage = EXCLUDED.trading_fee_percentage,
			trading_fee_frequency = EXCLUDED.trading_fee_frequency`,
		inv.ID, inv.Name, inv.Email, inv.Status, inv.TradingFeePercentage.String(), inv.TradingFeeFrequency, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("save investor %s: %w", inv.ID, err)
	}
	return nil
}

func (r *Repository) ListActiveInvestors(ctx context.Context) ([]*ledger.Investor, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+investorColumns+` FROM investors WHERE status = $1 ORDER BY id`, ledger.InvestorActive)
	if err != nil {
		return nil, fmt.Errorf("list active investors: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Investor
	for rows.Next() {
		inv, err := r.scanInvestor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *Repository) ListInvestorIDs(ctx context.Context) ([]string, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM investors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list investor ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ============================================================================
// REQUESTS
// ============================================================================

func (r *Repository) GetRequest(ctx context.Context, id string) (*ledger.Request, error) {
	var req ledger.Request
	var amount string
	err := r.tx.QueryRow(ctx, `
		SELECT id, investor_id, type, amount::text, status, processed_at, approved_by, notes,
			reversed_at, reversed_by, created_at
		FROM requests WHERE id = $1`, id).Scan(
		&req.ID, &req.InvestorID, &req.Type, &amount, &req.Status, &req.ProcessedAt, &req.ApprovedBy,
		&req.Notes, &req.ReversedAt, &req.ReversedBy, &req.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	if req.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Repository) SaveRequest(ctx context.Context, req *ledger.Request) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO requests (id, investor_id, type, amount, status, processed_at, approved_by, notes,
			reversed_at, reversed_by, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processed_at = EXCLUDED.processed_at,
			approved_by = EXCLUDED.approved_by,
			notes = EXCLUDED.notes,
			reversed_at = EXCLUDED.reversed_at,
			reversed_by = EXCLUDED.reversed_by`,
		req.ID, req.InvestorID, req.Type, req.Amount.String(), req.Status, req.ProcessedAt, req.ApprovedBy,
		req.Notes, req.ReversedAt, req.ReversedBy, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("save request %s: %w", req.ID, err)
	}
	return nil
}

// ============================================================================
// PORTFOLIOS
// ============================================================================

func (r *Repository) GetPortfolio(ctx context.Context, investorID string) (*ledger.Portfolio, error) {
	p := ledger.Portfolio{InvestorID: investorID}
	var balance, invested, accUSD, accPct, annUSD, annPct, opening, flows string
	err := r.tx.QueryRow(ctx, `
		SELECT current_balance::text, total_invested::text, accumulated_return_usd::text,
			accumulated_return_percent::text, annual_return_usd::text, annual_return_percent::text,
			annual_year, annual_opening_balance::text, annual_net_flows::text, updated_at
		FROM portfolios WHERE investor_id = $1`, investorID).Scan(
		&balance, &invested, &accUSD, &accPct, &annUSD, &annPct, &p.AnnualYear, &opening, &flows, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", investorID, err)
	}
	err = parseDecimals(map[*decimal.Decimal]string{
		&p.CurrentBalance:           balance,
		&p.TotalInvested:            invested,
		&p.AccumulatedReturnUSD:     accUSD,
		&p.AccumulatedReturnPercent: accPct,
		&p.AnnualReturnUSD:          annUSD,
		&p.AnnualReturnPercent:      annPct,
		&p.AnnualOpeningBalance:     opening,
		&p.AnnualNetFlows:           flows,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) SavePortfolio(ctx context.Context, p *ledger.Portfolio) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO portfolios (investor_id, current_balance, total_invested, accumulated_return_usd,
			accumulated_return_percent, annual_return_usd, annual_return_percent, annual_year,
			annual_opening_balance, annual_net_flows, updated_at, version)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8,
			$9::numeric, $10::numeric, $11, 1)
		ON CONFLICT (investor_id) DO UPDATE SET
			current_balance = EXCLUDED.current_balance,
			total_invested = EXCLUDED.total_invested,
			accumulated_return_usd = EXCLUDED.accumulated_return_usd,
			accumulated_return_percent = EXCLUDED.accumulated_return_percent,
			annual_return_usd = EXCLUDED.annual_return_usd,
			annual_return_percent = EXCLUDED.annual_return_percent,
			annual_year = EXCLUDED.annual_year,
			annual_opening_balance = EXCLUDED.annual_opening_balance,
			annual_net_flows = EXCLUDED.annual_net_flows,
			updated_at = EXCLUDED.updated_at,
			version = portfolios.version + 1`,
		p.InvestorID, p.CurrentBalance.String(), p.TotalInvested.String(), p.AccumulatedReturnUSD.String(),
		p.AccumulatedReturnPercent.String(), p.AnnualReturnUSD.String(), p.AnnualReturnPercent.String(),
		p.AnnualYear, p.AnnualOpeningBalance.String(), p.AnnualNetFlows.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save portfolio %s: %w", p.InvestorID, err)
	}
	return nil
}

func (r *Repository) LedgerVersion(ctx context.Context, investorID string) (int64, error) {
	var v int64
	err := r.tx.QueryRow(ctx, `SELECT version FROM portfolios WHERE investor_id = $1`, investorID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger version %s: %w", investorID, err)
	}
	return v, nil
}

func (r *Repository) PlatformVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(version), 0)::bigint FROM portfolios`).Scan(&v); err != nil {
		return 0, fmt.Errorf("platform version: %w", err)
	}
	return v, nil
}

// ============================================================================
// LEDGER EVENTS
// ============================================================================

const eventColumns = `id, investor_id, date, kind, amount::text, previous_balance::text, new_balance::text,
	status, request_id, trading_fee_id, description, created_at`

const eventOrder = ` ORDER BY date, created_at, id`

func scanEvent(row pgx.Row) (*ledger.Event, error) {
	var e ledger.Event
	var amount, prev, next string
	err := row.Scan(&e.ID, &e.InvestorID, &e.Date, &e.Kind, &amount, &prev, &next,
		&e.Status, &e.RequestID, &e.TradingFeeID, &e.Description, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	err = parseDecimals(map[*decimal.Decimal]string{
		&e.Amount:          amount,
		&e.PreviousBalance: prev,
		&e.NewBalance:      next,
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*ledger.Event, error) {
	defer rows.Close()
	var out []*ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) InsertEvent(ctx context.Context, e *ledger.Event) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO ledger_events (id, investor_id, date, kind, amount, previous_balance, new_balance,
			status, request_id, trading_fee_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)`,
		e.ID, e.InvestorID, e.Date, e.Kind, e.Amount.String(), e.PreviousBalance.String(), e.NewBalance.String(),
		e.Status, nullString(e.RequestID), nullString(e.TradingFeeID), e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s event for %s: %w", e.Kind, e.InvestorID, err)
	}
	return nil
}

func (r *Repository) UpdateEventBalances(ctx context.Context, id string, previous, next decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE ledger_events SET previous_balance = $2::numeric, new_balance = $3::numeric WHERE id = $1`,
		id, previous.String(), next.String())
	if err != nil {
		return fmt.Errorf("update event %s balances: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %s", ledger.ErrNotFound, id)
	}
	return nil
}

func (r *Repository) ListCompletedEvents(ctx context.Context, investorID string) ([]*ledger.Event, error) {
	var rows pgx.Rows
	var err error
	if investorID == "" {
		rows, err = r.tx.Query(ctx, `SELECT `+eventColumns+` FROM ledger_events WHERE status = $1`+eventOrder,
			ledger.EventCompleted)
	} else {
		rows, err = r.tx.Query(ctx, `SELECT `+eventColumns+` FROM ledger_events WHERE investor_id = $1 AND status = $2`+eventOrder,
			investorID, ledger.EventCompleted)
	}
	if err != nil {
		return nil, fmt.Errorf("list events for %q: %w", investorID, err)
	}
	return collectEvents(rows)
}

func (r *Repository) LastCompletedEventAtOrBefore(ctx context.Context, investorID string, at time.Time) (*ledger.Event, error) {
	e, err := scanEvent(r.tx.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE investor_id = $1 AND status = $2 AND date <= $3
		ORDER BY date DESC, created_at DESC, id DESC
		LIMIT 1`, investorID, ledger.EventCompleted, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last event for %s at %s: %w", investorID, at, err)
	}
	return e, nil
}

func (r *Repository) HasCompletedEventAfter(ctx context.Context, investorID string, at time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_events WHERE investor_id = $1 AND status = $2 AND date > $3
		)`, investorID, ledger.EventCompleted, at).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check later events for %s: %w", investorID, err)
	}
	return exists, nil
}

func (r *Repository) SumCompletedAmounts(ctx context.Context, investorID string, kind ledger.EventKind, from, to time.Time) (decimal.Decimal, error) {
	var total string
	err := r.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM ledger_events
		WHERE investor_id = $1 AND kind = $2 AND status = $3 AND date >= $4 AND date <= $5`,
		investorID, kind, ledger.EventCompleted, from, to).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum %s for %s: %w", kind, investorID, err)
	}
	return parseDecimal(total)
}

// ============================================================================
// TRADING FEES
// ============================================================================

const feeColumns = `id, investor_id, period_start, period_end, profit_amount::text, fee_percentage::text,
	fee_amount::text, source, withdrawal_request_id, applied_by, applied_at, voided_at, voided_by`

func (r *Repository) scanFee(row pgx.Row) (*ledger.TradingFee, error) {
	var f ledger.TradingFee
	var profit, pct, amount string
	err := row.Scan(&f.ID, &f.InvestorID, &f.PeriodStart, &f.PeriodEnd, &profit, &pct, &amount,
		&f.Source, &f.WithdrawalRequestID, &f.AppliedBy, &f.AppliedAt, &f.VoidedAt, &f.VoidedBy)
	if err != nil {
		return nil, err
	}
	err = parseDecimals(map[*decimal.Decimal]string{
		&f.ProfitAmount:  profit,
		&f.FeePercentage: pct,
		&f.FeeAmount:     amount,
	})
	if err != nil {
		return nil, err
	}
	f.PeriodStart = r.date(f.PeriodStart)
	f.PeriodEnd = r.date(f.PeriodEnd)
	return &f, nil
}

func (r *Repository) queryFee(ctx context.Context, query string, args ...any) (*ledger.TradingFee, error) {
	f, err := r.scanFee(r.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (r *Repository) InsertTradingFee(ctx context.Context, f *ledger.TradingFee) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO trading_fees (id, investor_id, period_start, period_end, profit_amount, fee_percentage,
			fee_amount, source, withdrawal_request_id, applied_by, applied_at, voided_at, voided_by)
		VALUES ($1, $2, $3::date, $4::date, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		f.ID, f.InvestorID, dateParam(f.PeriodStart), dateParam(f.PeriodEnd), f.ProfitAmount.String(),
		f.FeePercentage.String(), f.FeeAmount.String(), f.Source, nullString(f.WithdrawalRequestID),
		f.AppliedBy, f.AppliedAt, f.VoidedAt, f.VoidedBy)
	if err != nil {
		return fmt.Errorf("insert trading fee for %s: %w", f.InvestorID, err)
	}
	return nil
}

func (r *Repository) UpdateTradingFee(ctx context.Context, f *ledger.TradingFee) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE trading_fees SET withdrawal_request_id = $2, voided_at = $3, voided_by = $4
		WHERE id = $1`, f.ID, nullString(f.WithdrawalRequestID), f.VoidedAt, f.VoidedBy)
	if err != nil {
		return fmt.Errorf("update trading fee %s: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: trading fee %s", ledger.ErrNotFound, f.ID)
	}
	return nil
}

func (r *Repository) GetTradingFee(ctx context.Context, id string) (*ledger.TradingFee, error) {
	f, err := r.queryFee(ctx, `SELECT `+feeColumns+` FROM trading_fees WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get trading fee %s: %w", id, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: trading fee %s", ledger.ErrNotFound, id)
	}
	return f, nil
}

func (r *Repository) FindActiveTradingFeeByPeriod(ctx context.Context, investorID string, period ledger.Period) (*ledger.TradingFee, error) {
	f, err := r.queryFee(ctx, `
		SELECT `+feeColumns+` FROM trading_fees
		WHERE investor_id = $1 AND period_start = $2::date AND period_end = $3::date AND voided_at IS NULL
		LIMIT 1`, investorID, dateParam(period.Start), dateParam(period.End))
	if err != nil {
		return nil, fmt.Errorf("find trading fee for %s %s: %w", investorID, period, err)
	}
	return f, nil
}

func (r *Repository) ListActiveTradingFees(ctx context.Context, investorID string) ([]*ledger.TradingFee, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+feeColumns+` FROM trading_fees
		WHERE investor_id = $1 AND voided_at IS NULL
		ORDER BY period_start`, investorID)
	if err != nil {
		return nil, fmt.Errorf("list trading fees for %s: %w", investorID, err)
	}
	defer rows.Close()

	var out []*ledger.TradingFee
	for rows.Next() {
		f, err := r.scanFee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *Repository) GetActiveWithdrawalFee(ctx context.Context, requestID string) (*ledger.TradingFee, error) {
	f, err := r.queryFee(ctx, `
		SELECT `+feeColumns+` FROM trading_fees
		WHERE withdrawal_request_id = $1 AND source = $2 AND voided_at IS NULL
		LIMIT 1`, requestID, ledger.FeeSourceWithdrawal)
	if err != nil {
		return nil, fmt.Errorf("withdrawal fee for request %s: %w", requestID, err)
	}
	return f, nil
}

// ============================================================================
// DAILY OPERATING RESULTS
// ============================================================================

func (r *Repository) GetDailyOperatingResult(ctx context.Context, date time.Time) (*ledger.DailyOperatingResult, error) {
	var d ledger.DailyOperatingResult
	var pct, total string
	err := r.tx.QueryRow(ctx, `
		SELECT date, percent::text, applied_by, applied_at, investor_count, total_delta::text
		FROM daily_operating_results WHERE date = $1::date`, dateParam(date)).Scan(
		&d.Date, &pct, &d.AppliedBy, &d.AppliedAt, &d.InvestorCount, &total,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily operating result %s: %w", dateParam(date), err)
	}
	if err := parseDecimals(map[*decimal.Decimal]string{&d.Percent: pct, &d.TotalDelta: total}); err != nil {
		return nil, err
	}
	d.Date = r.date(d.Date)
	return &d, nil
}

func (r *Repository) InsertDailyOperatingResult(ctx context.Context, d *ledger.DailyOperatingResult) error {
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO daily_operating_results (date, percent, applied_by, applied_at, investor_count, total_delta)
		VALUES ($1::date, $2::numeric, $3, $4, $5, $6::numeric)
		ON CONFLICT (date) DO NOTHING`,
		dateParam(d.Date), d.Percent.String(), d.AppliedBy, d.AppliedAt, d.InvestorCount, d.TotalDelta.String())
	if err != nil {
		return fmt.Errorf("insert daily operating result %s: %w", dateParam(d.Date), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: daily operating result for %s", ledger.ErrDuplicatePeriod, dateParam(d.Date))
	}
	return nil
}
