package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"investor-ledger/internal/database"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/money"
	"investor-ledger/internal/transactions"
)

// SaveInvestorRequest creates or updates an investor
type SaveInvestorRequest struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name" binding:"required"`
	Email                string          `json:"email"`
	Status               string          `json:"status"`
	TradingFeePercentage decimal.Decimal `json:"trading_fee_percentage"`
	TradingFeeFrequency  string          `json:"trading_fee_frequency"`
}

// CreateRequestRequest opens a pending deposit or withdrawal
type CreateRequestRequest struct {
	InvestorID string          `json:"investor_id" binding:"required"`
	Type       string          `json:"type" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Notes      string          `json:"notes"`
}

// ApproveRequestRequest approves a pending request
type ApproveRequestRequest struct {
	ProcessedAt string `json:"processed_at"` // RFC 3339 or YYYY-MM-DD
	ApprovedBy  string `json:"approved_by"`
}

// RejectRequestRequest rejects a pending request
type RejectRequestRequest struct {
	Notes string `json:"notes"`
}

// ReverseRequestRequest reverses an approved request
type ReverseRequestRequest struct {
	ReversedBy string `json:"reversed_by"`
}

// ApplyTradingFeeRequest charges a periodic fee
type ApplyTradingFeeRequest struct {
	FeePercentage decimal.Decimal `json:"fee_percentage"`
	AppliedBy     string          `json:"applied_by"`
	PeriodStart   string          `json:"period_start"` // optional, YYYY-MM-DD
	PeriodEnd     string          `json:"period_end"`   // optional, YYYY-MM-DD
}

// VoidTradingFeeRequest voids a fee
type VoidTradingFeeRequest struct {
	VoidedBy string `json:"voided_by"`
}

// DailyResultRequest previews or applies a daily operating result
type DailyResultRequest struct {
	Date      string          `json:"date" binding:"required"`
	Percent   decimal.Decimal `json:"percent"`
	AppliedBy string          `json:"applied_by"`
}

// bind decodes a JSON body. An empty body leaves dest at its zero value.
func bind(c *gin.Context, dest interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return nil
}

// --- INVESTORS ---

// handleSaveInvestor creates or updates an investor
// POST /api/investors
func (s *Server) handleSaveInvestor(c *gin.Context) {
	var req SaveInvestorRequest
	if err := bind(c, &req); err != nil {
		s.failure(c, err)
		return
	}

	inv := &ledger.Investor{
		ID:                   req.ID,
		Name:                 req.Name,
		Email:                req.Email,
		Status:               ledger.InvestorStatus(strings.ToUpper(req.Status)),
		TradingFeePercentage: req.TradingFeePercentage,
		TradingFeeFrequency:  ledger.FeeFrequency(strings.ToUpper(req.TradingFeeFrequency)),
		CreatedAt:            time.Now(),
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = ledger.InvestorActive
	}
	if inv.TradingFeeFrequency == "" {
		inv.TradingFeeFrequency = ledger.FrequencyMonthly
	}
	if inv.Status != ledger.InvestorActive && inv.Status != ledger.InvestorInactive {
		s.failure(c, fmt.Errorf("%w: unknown status %q", ledger.ErrValidation, req.Status))
		return
	}
	if !inv.TradingFeeFrequency.Valid() {
		s.failure(c, fmt.Errorf("%w: unknown frequency %q", ledger.ErrValidation, req.TradingFeeFrequency))
		return
	}
	if inv.TradingFeePercentage.IsNegative() || inv.TradingFeePercentage.GreaterThan(decimal.NewFromInt(100)) {
		s.failure(c, fmt.Errorf("%w: trading fee percentage must be within [0, 100]", ledger.ErrValidation))
		return
	}

	err := s.svc.Store.WithinInvestor(c.Request.Context(), inv.ID, func(ctx context.Context, tx database.Tx) error {
		existing, err := tx.GetInvestor(ctx, inv.ID)
		if err == nil {
			inv.CreatedAt = existing.CreatedAt
		}
		return tx.SaveInvestor(ctx, inv)
	})
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, inv)
}

// handleGetPortfolio returns an investor's balance snapshot
// GET /api/investors/:id/portfolio
func (s *Server) handleGetPortfolio(c *gin.Context) {
	id := c.Param("id")
	var p *ledger.Portfolio
	err := s.svc.Store.ReadOnly(c.Request.Context(), func(ctx context.Context, tx database.Tx) error {
		if _, err := tx.GetInvestor(ctx, id); err != nil {
			return err
		}
		var err error
		p, err = tx.GetPortfolio(ctx, id)
		return err
	})
	if err != nil {
		s.failure(c, err)
		return
	}
	if p == nil {
		p = ledger.NewPortfolio(id)
	}
	successResponse(c, p)
}

// handleRecalculate replays an investor's ledger
// POST /api/investors/:id/recalculate
func (s *Server) handleRecalculate(c *gin.Context) {
	id := c.Param("id")
	var p *ledger.Portfolio
	err := s.svc.Store.WithinInvestor(c.Request.Context(), id, func(ctx context.Context, tx database.Tx) error {
		if _, err := tx.GetInvestor(ctx, id); err != nil {
			return err
		}
		var err error
		p, err = s.svc.Recalc.Recalculate(ctx, tx, id)
		return err
	})
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, p)
}

// --- REQUESTS ---

// handleCreateRequest opens a pending request
// POST /api/requests
func (s *Server) handleCreateRequest(c *gin.Context) {
	var body CreateRequestRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}
	typ := ledger.RequestType(strings.ToUpper(body.Type))
	if typ != ledger.RequestDeposit && typ != ledger.RequestWithdrawal {
		s.failure(c, fmt.Errorf("%w: unknown request type %q", ledger.ErrValidation, body.Type))
		return
	}
	if !body.Amount.IsPositive() {
		s.failure(c, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation))
		return
	}
	if !body.Amount.Equal(money.Currency(body.Amount)) {
		s.failure(c, fmt.Errorf("%w: amount %s has more than %d decimal places", ledger.ErrValidation, body.Amount, money.CurrencyPlaces))
		return
	}

	req := &ledger.Request{
		ID:         uuid.NewString(),
		InvestorID: body.InvestorID,
		Type:       typ,
		Amount:     body.Amount,
		Status:     ledger.RequestPending,
		Notes:      body.Notes,
		CreatedAt:  time.Now(),
	}
	err := s.svc.Store.WithinInvestor(c.Request.Context(), body.InvestorID, func(ctx context.Context, tx database.Tx) error {
		if _, err := tx.GetInvestor(ctx, body.InvestorID); err != nil {
			return err
		}
		return tx.SaveRequest(ctx, req)
	})
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, req)
}

// handleGetRequest returns a request
// GET /api/requests/:id
func (s *Server) handleGetRequest(c *gin.Context) {
	var req *ledger.Request
	err := s.svc.Store.ReadOnly(c.Request.Context(), func(ctx context.Context, tx database.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, c.Param("id"))
		return err
	})
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, req)
}

// handleApproveRequest approves a pending request
// POST /api/requests/:id/approve
func (s *Server) handleApproveRequest(c *gin.Context) {
	var body ApproveRequestRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}

	opts := transactions.ApproveOptions{ApprovedBy: body.ApprovedBy}
	if body.ProcessedAt != "" {
		at, dateOnly, err := s.parseTimestamp(body.ProcessedAt)
		if err != nil {
			s.failure(c, err)
			return
		}
		opts.ProcessedAt = &at
		opts.DateOnly = dateOnly
	}

	result, err := s.svc.Transactions.Approve(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, result)
}

// handleRejectRequest rejects a pending request
// POST /api/requests/:id/reject
func (s *Server) handleRejectRequest(c *gin.Context) {
	var body RejectRequestRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}
	if err := s.svc.Transactions.Reject(c.Request.Context(), c.Param("id"), body.Notes); err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, gin.H{"request_id": c.Param("id"), "status": ledger.RequestRejected})
}

// handleReverseDeposit reverses an approved deposit
// POST /api/requests/:id/reverse-deposit
func (s *Server) handleReverseDeposit(c *gin.Context) {
	var body ReverseRequestRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}
	if err := s.svc.Transactions.ReverseDeposit(c.Request.Context(), c.Param("id"), body.ReversedBy); err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, gin.H{"request_id": c.Param("id"), "status": ledger.RequestReversed})
}

// handleReverseWithdrawal reverses an approved withdrawal
// POST /api/requests/:id/reverse-withdrawal
func (s *Server) handleReverseWithdrawal(c *gin.Context) {
	var body ReverseRequestRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}
	if err := s.svc.Transactions.ReverseWithdrawal(c.Request.Context(), c.Param("id"), body.ReversedBy); err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, gin.H{"request_id": c.Param("id"), "status": ledger.RequestReversed})
}

// --- TRADING FEES ---

// handleNextFeePeriod returns the next chargeable period and its profit
// GET /api/investors/:id/trading-fees/next
func (s *Server) handleNextFeePeriod(c *gin.Context) {
	quote, err := s.svc.Fees.NextPeriod(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, gin.H{
		"period_start":    quote.Period.Start.Format(time.DateOnly),
		"period_end":      quote.Period.End.Format(time.DateOnly),
		"profit":          quote.Profit,
		"already_charged": quote.AlreadyCharged(),
		"fee_id":          quote.FeeID,
	})
}

// handleApplyTradingFee charges a periodic fee
// POST /api/investors/:id/trading-fees
func (s *Server) handleApplyTradingFee(c *gin.Context) {
	var body ApplyTradingFeeRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}

	var period *ledger.Period
	if body.PeriodStart != "" || body.PeriodEnd != "" {
		start, err := s.parseDate(body.PeriodStart)
		if err != nil {
			s.failure(c, err)
			return
		}
		end, err := s.parseDate(body.PeriodEnd)
		if err != nil {
			s.failure(c, err)
			return
		}
		p, err := ledger.NewPeriod(start, end, s.config.Location)
		if err != nil {
			s.failure(c, err)
			return
		}
		period = &p
	}

	feeID, err := s.svc.Fees.Apply(c.Request.Context(), c.Param("id"), body.FeePercentage, body.AppliedBy, period)
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, gin.H{"trading_fee_id": feeID})
}

// handleVoidTradingFee voids a periodic fee
// POST /api/trading-fees/:id/void
func (s *Server) handleVoidTradingFee(c *gin.Context) {
	var body VoidTradingFeeRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}
	if err := s.svc.Fees.Void(c.Request.Context(), c.Param("id"), body.VoidedBy); err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, gin.H{"trading_fee_id": c.Param("id"), "voided": true})
}

// handleSchedulerStatus reports the periodic fee job
// GET /api/trading-fees/scheduler
func (s *Server) handleSchedulerStatus(c *gin.Context) {
	if s.svc.Scheduler == nil {
		successResponse(c, gin.H{"running": false})
		return
	}
	successResponse(c, s.svc.Scheduler.GetStatus())
}

// --- DAILY OPERATING RESULTS ---

// handlePreviewDailyResult previews a daily operating result
// POST /api/daily-results/preview
func (s *Server) handlePreviewDailyResult(c *gin.Context) {
	var body DailyResultRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}
	date, err := s.parseDate(body.Date)
	if err != nil {
		s.failure(c, err)
		return
	}
	report, err := s.svc.Daily.Preview(c.Request.Context(), date, body.Percent)
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, report)
}

// handleApplyDailyResult applies a daily operating result
// POST /api/daily-results
func (s *Server) handleApplyDailyResult(c *gin.Context) {
	var body DailyResultRequest
	if err := bind(c, &body); err != nil {
		s.failure(c, err)
		return
	}
	date, err := s.parseDate(body.Date)
	if err != nil {
		s.failure(c, err)
		return
	}
	result, err := s.svc.Daily.Apply(c.Request.Context(), date, body.Percent, body.AppliedBy)
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, result)
}

// --- PERFORMANCE ---

// window reads ?from= and ?to= dates. to defaults to today and covers the
// whole day.
func (s *Server) window(c *gin.Context) (*time.Time, time.Time, error) {
	var from *time.Time
	if v := c.Query("from"); v != "" {
		f, err := s.parseDate(v)
		if err != nil {
			return nil, time.Time{}, err
		}
		from = &f
	}

	toDay := ledger.StartOfDay(time.Now(), s.config.Location)
	if v := c.Query("to"); v != "" {
		t, err := s.parseDate(v)
		if err != nil {
			return nil, time.Time{}, err
		}
		toDay = t
	}
	to := ledger.Period{Start: toDay, End: toDay}.Through()

	if from != nil && from.After(to) {
		return nil, time.Time{}, fmt.Errorf("%w: from is after to", ledger.ErrValidation)
	}
	return from, to, nil
}

// handleInvestorTWR returns an investor's time-weighted return
// GET /api/investors/:id/twr?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) handleInvestorTWR(c *gin.Context) {
	from, to, err := s.window(c)
	if err != nil {
		s.failure(c, err)
		return
	}
	result, err := s.svc.Performance.InvestorTWR(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, result)
}

// handlePlatformTWR returns the platform time-weighted return
// GET /api/platform/twr?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) handlePlatformTWR(c *gin.Context) {
	from, to, err := s.window(c)
	if err != nil {
		s.failure(c, err)
		return
	}
	result, err := s.svc.Performance.PlatformTWR(c.Request.Context(), from, to)
	if err != nil {
		s.failure(c, err)
		return
	}
	successResponse(c, result)
}
