package transactions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investor-ledger/internal/billing"
	"investor-ledger/internal/database"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/notification"
	"investor-ledger/internal/recalc"
)

var loc = time.UTC

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(d int) time.Time { return time.Date(2025, time.March, d, 17, 0, 0, 0, loc) }

// tickingClock advances one second per call so events never tie.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) Notify(ctx context.Context, kind notification.Kind, recipient string, payload notification.Payload) error {
	f.calls.Add(1)
	return errors.New("mail server unavailable")
}

// blockingSink holds every delivery until release is closed.
type blockingSink struct {
	release chan struct{}
	sent    atomic.Int32
}

func (b *blockingSink) Notify(ctx context.Context, kind notification.Kind, recipient string, payload notification.Payload) error {
	select {
	case <-b.release:
		b.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fixture struct {
	store  database.Store
	recalc *recalc.Engine
	fees   *billing.Engine
	proc   *Processor
	clock  *tickingClock
	sink   *failingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, database.NewMemoryStore())
}

func newFixtureWith(t *testing.T, store database.Store) *fixture {
	t.Helper()
	clock := &tickingClock{t: time.Date(2025, time.March, 28, 9, 0, 0, 0, loc)}
	rc := recalc.NewEngine(clock, zerolog.Nop())
	fees := billing.NewEngine(store, rc, clock, billing.Config{Location: loc}, zerolog.Nop())
	proc := NewProcessor(store, rc, fees, clock, Config{Location: loc}, zerolog.Nop())
	sink := &failingSink{}
	proc.SetNotifier(sink)

	f := &fixture{store: store, recalc: rc, fees: fees, proc: proc, clock: clock, sink: sink}
	f.investor(t, "inv-1", ledger.InvestorActive, "30")
	return f
}

func (f *fixture) investor(t *testing.T, id string, status ledger.InvestorStatus, pct string) {
	t.Helper()
	err := f.store.WithinBatch(context.Background(), func(ctx context.Context, tx database.Tx) error {
		return tx.SaveInvestor(ctx, &ledger.Investor{
			ID: id, Name: id, Email: id + "@example.com", Status: status,
			TradingFeePercentage: dec(pct), TradingFeeFrequency: ledger.FrequencyMonthly,
		})
	})
	require.NoError(t, err)
}

func (f *fixture) request(t *testing.T, investorID string, typ ledger.RequestType, amount string) string {
	t.Helper()
	id := uuid.NewString()
	err := f.store.WithinBatch(context.Background(), func(ctx context.Context, tx database.Tx) error {
		return tx.SaveRequest(ctx, &ledger.Request{
			ID: id, InvestorID: investorID, Type: typ, Amount: dec(amount),
			Status: ledger.RequestPending, CreatedAt: f.clock.t,
		})
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) approveAt(t *testing.T, typ ledger.RequestType, amount string, at time.Time) *Approval {
	t.Helper()
	id := f.request(t, "inv-1", typ, amount)
	res, err := f.proc.Approve(context.Background(), id, ApproveOptions{ProcessedAt: &at, ApprovedBy: "admin"})
	require.NoError(t, err)
	return res
}

func (f *fixture) operating(t *testing.T, delta string, at time.Time) {
	t.Helper()
	err := f.store.WithinInvestor(context.Background(), "inv-1", func(ctx context.Context, tx database.Tx) error {
		_, err := f.recalc.Append(ctx, tx, "inv-1", ledger.NewOperatingResult(dec(delta)).Event("inv-1", at, f.clock.Now()))
		return err
	})
	require.NoError(t, err)
}

type state struct {
	portfolio *ledger.Portfolio
	events    []*ledger.Event
}

func (f *fixture) state(t *testing.T) state {
	t.Helper()
	var s state
	err := f.store.ReadOnly(context.Background(), func(ctx context.Context, tx database.Tx) error {
		var err error
		if s.portfolio, err = tx.GetPortfolio(ctx, "inv-1"); err != nil {
			return err
		}
		if s.portfolio == nil {
			s.portfolio = ledger.NewPortfolio("inv-1")
		}
		s.events, err = tx.ListCompletedEvents(ctx, "inv-1")
		return err
	})
	require.NoError(t, err)
	return s
}

// assertConsistent checks the snapshot equals a fresh replay and the last
// event's new balance.
func assertConsistent(t *testing.T, s state) {
	t.Helper()
	replayed := ledger.Replay("inv-1", s.events)
	assert.True(t, s.portfolio.SameTotals(replayed.Portfolio), "snapshot %+v differs from replay %+v", s.portfolio, replayed.Portfolio)
	if len(s.events) == 0 {
		assert.True(t, s.portfolio.CurrentBalance.IsZero())
		return
	}
	assert.True(t, s.portfolio.CurrentBalance.Equal(s.events[len(s.events)-1].NewBalance))
	for i, e := range replayed.Events {
		assert.False(t, ledger.BalanceChanged(s.events[i], e), "event %s has stale balances", e.ID)
	}
	assert.True(t, s.portfolio.TotalInvested.Equal(ledger.TotalInvested(s.events)))
}

func TestApproveDepositFastPath(t *testing.T) {
	f := newFixture(t)
	res := f.approveAt(t, ledger.RequestDeposit, "1000", day(1))
	assert.False(t, res.Backfilled)
	assert.True(t, res.NewBalance.Equal(dec("1000")))

	s := f.state(t)
	require.Len(t, s.events, 1)
	assert.Equal(t, ledger.KindDeposit, s.events[0].Kind)
	assert.True(t, s.portfolio.TotalInvested.Equal(dec("1000")))
	assertConsistent(t, s)
	f.proc.WaitNotifications()
	assert.EqualValues(t, 1, f.sink.calls.Load(), "notification failure must not fail the approval")

	var req *ledger.Request
	err := f.store.ReadOnly(context.Background(), func(ctx context.Context, tx database.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, res.RequestID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestApproved, req.Status)
	require.NotNil(t, req.ProcessedAt)
	assert.True(t, req.ProcessedAt.Equal(day(1)))
	assert.Equal(t, "admin", req.ApprovedBy)
}

func TestApproveDoesNotWaitForNotification(t *testing.T) {
	f := newFixture(t)
	sink := &blockingSink{release: make(chan struct{})}
	f.proc.SetNotifier(sink)

	ctx, cancel := context.WithCancel(context.Background())
	id := f.request(t, "inv-1", ledger.RequestDeposit, "750")
	at := day(2)
	res, err := f.proc.Approve(ctx, id, ApproveOptions{ProcessedAt: &at})
	require.NoError(t, err)
	cancel()

	assert.True(t, res.NewBalance.Equal(dec("750")))
	assert.Zero(t, sink.sent.Load(), "approval returned before the notification was delivered")

	close(sink.release)
	f.proc.WaitNotifications()
	assert.EqualValues(t, 1, sink.sent.Load(), "a cancelled request context does not abort delivery")
}

func TestApproveDateOnlyNormalizesToEvening(t *testing.T) {
	f := newFixture(t)
	id := f.request(t, "inv-1", ledger.RequestDeposit, "250")
	date := time.Date(2025, time.March, 3, 0, 0, 0, 0, loc)

	res, err := f.proc.Approve(context.Background(), id, ApproveOptions{ProcessedAt: &date, DateOnly: true})
	require.NoError(t, err)
	assert.True(t, res.ProcessedAt.Equal(time.Date(2025, time.March, 3, 19, 0, 0, 0, loc)))
}

func TestApproveWithdrawalChargesFee(t *testing.T) {
	f := newFixture(t)
	f.approveAt(t, ledger.RequestDeposit, "10000", day(1))
	f.operating(t, "2000", day(10))

	res := f.approveAt(t, ledger.RequestWithdrawal, "8000", day(12))
	assert.True(t, res.FeeAmount.Equal(dec("400")), "fee %s", res.FeeAmount)
	assert.True(t, res.NetAmount.Equal(dec("7600")))
	assert.NotEmpty(t, res.FeeID)

	s := f.state(t)
	require.Len(t, s.events, 4)
	fee, withdrawal := s.events[2], s.events[3]
	assert.Equal(t, ledger.KindTradingFee, fee.Kind)
	assert.True(t, fee.PreviousBalance.Equal(dec("12000")))
	assert.True(t, fee.NewBalance.Equal(dec("11600")))
	assert.Equal(t, ledger.KindWithdrawal, withdrawal.Kind)
	assert.True(t, withdrawal.Amount.Equal(dec("7600")))
	assert.True(t, s.portfolio.CurrentBalance.Equal(dec("4000")))
	assert.True(t, s.portfolio.TotalInvested.Equal(dec("2400")))
	assertConsistent(t, s)

	err := f.store.ReadOnly(context.Background(), func(ctx context.Context, tx database.Tx) error {
		row, err := tx.GetActiveWithdrawalFee(ctx, res.RequestID)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, ledger.FeeSourceWithdrawal, row.Source)
		assert.True(t, row.ProfitAmount.Equal(dec("1333.33")))
		assert.Equal(t, "2025-03-12..2025-03-12", row.Period().String())
		return nil
	})
	require.NoError(t, err)
}

func TestApproveWithdrawalInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.approveAt(t, ledger.RequestDeposit, "100", day(1))
	id := f.request(t, "inv-1", ledger.RequestWithdrawal, "100.01")

	_, err := f.proc.Approve(context.Background(), id, ApproveOptions{})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	s := f.state(t)
	assert.Len(t, s.events, 1)
	assert.True(t, s.portfolio.CurrentBalance.Equal(dec("100")))
}

func TestApproveWithdrawalInvalidNet(t *testing.T) {
	f := newFixture(t)
	f.investor(t, "inv-1", ledger.InvestorActive, "0")
	f.approveAt(t, ledger.RequestDeposit, "1000", day(1))
	f.operating(t, "1000", day(2))
	f.approveAt(t, ledger.RequestWithdrawal, "1500", day(3))

	f.investor(t, "inv-1", ledger.InvestorActive, "100")
	id := f.request(t, "inv-1", ledger.RequestWithdrawal, "500")
	_, err := f.proc.Approve(context.Background(), id, ApproveOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidNetWithdrawal)

	s := f.state(t)
	assert.True(t, s.portfolio.CurrentBalance.Equal(dec("500")))
	assertConsistent(t, s)
}

func TestApproveRequiresPendingAndActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.approveAt(t, ledger.RequestDeposit, "10", day(1))

	_, err := f.proc.Approve(ctx, res.RequestID, ApproveOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = f.proc.Approve(ctx, "missing", ApproveOptions{})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	f.investor(t, "inv-2", ledger.InvestorInactive, "0")
	id := f.request(t, "inv-2", ledger.RequestDeposit, "10")
	_, err = f.proc.Approve(ctx, id, ApproveOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestRejectWritesNoEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.request(t, "inv-1", ledger.RequestDeposit, "500")

	require.NoError(t, f.proc.Reject(ctx, id, "proof of funds missing"))
	assert.Empty(t, f.state(t).events)

	assert.ErrorIs(t, f.proc.Reject(ctx, id, ""), ledger.ErrInvalidState)
	_, err := f.proc.Approve(ctx, id, ApproveOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	err = f.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		req, err := tx.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.RequestRejected, req.Status)
		assert.Equal(t, "proof of funds missing", req.Notes)
		assert.NotNil(t, req.ProcessedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestReverseDepositRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approveAt(t, ledger.RequestDeposit, "5000", day(1))
	f.operating(t, "125.50", day(2))
	before := f.state(t)

	res := f.approveAt(t, ledger.RequestDeposit, "400", day(3))
	require.NoError(t, f.proc.ReverseDeposit(ctx, res.RequestID, "admin"))

	after := f.state(t)
	assert.True(t, after.portfolio.CurrentBalance.Equal(before.portfolio.CurrentBalance))
	assert.True(t, after.portfolio.TotalInvested.Equal(before.portfolio.TotalInvested))
	assertConsistent(t, after)

	err := f.store.WithinInvestor(ctx, "inv-1", func(ctx context.Context, tx database.Tx) error {
		p, err := f.recalc.Recalculate(ctx, tx, "inv-1")
		require.NoError(t, err)
		assert.True(t, p.SameTotals(after.portfolio))
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.proc.ReverseDeposit(ctx, res.RequestID, "admin"), ledger.ErrInvalidState)
}

func TestReverseDepositRejectsWithdrawalsAndPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approveAt(t, ledger.RequestDeposit, "100", day(1))
	w := f.approveAt(t, ledger.RequestWithdrawal, "10", day(2))
	pending := f.request(t, "inv-1", ledger.RequestDeposit, "10")

	assert.ErrorIs(t, f.proc.ReverseDeposit(ctx, w.RequestID, "admin"), ledger.ErrInvalidState)
	assert.ErrorIs(t, f.proc.ReverseDeposit(ctx, pending, "admin"), ledger.ErrInvalidState)
	assert.ErrorIs(t, f.proc.ReverseWithdrawal(ctx, pending, "admin"), ledger.ErrInvalidState)
}

func TestReverseWithdrawalVoidsFeeAndCreditsNet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approveAt(t, ledger.RequestDeposit, "10000", day(1))
	f.operating(t, "2000", day(10))
	w := f.approveAt(t, ledger.RequestWithdrawal, "8000", day(12))

	require.NoError(t, f.proc.ReverseWithdrawal(ctx, w.RequestID, "admin"))

	s := f.state(t)
	assert.True(t, s.portfolio.CurrentBalance.Equal(dec("12000")))
	assert.True(t, s.portfolio.TotalInvested.Equal(dec("10000")))
	assertConsistent(t, s)

	n := len(s.events)
	assert.Equal(t, ledger.KindTradingFeeAdjustment, s.events[n-2].Kind)
	assert.True(t, s.events[n-2].Amount.Equal(dec("400")))
	assert.Equal(t, ledger.KindDeposit, s.events[n-1].Kind)
	assert.True(t, s.events[n-1].Amount.Equal(dec("7600")))

	err := f.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		fee, err := tx.GetTradingFee(ctx, w.FeeID)
		require.NoError(t, err)
		assert.False(t, fee.IsActive())
		assert.Nil(t, fee.WithdrawalRequestID)
		assert.Equal(t, "admin", fee.VoidedBy)
		return nil
	})
	require.NoError(t, err)
}

func TestVoidingWithdrawalFeeDirectlyIsRefused(t *testing.T) {
	f := newFixture(t)
	f.approveAt(t, ledger.RequestDeposit, "10000", day(1))
	f.operating(t, "2000", day(10))
	w := f.approveAt(t, ledger.RequestWithdrawal, "8000", day(12))

	assert.ErrorIs(t, f.fees.Void(context.Background(), w.FeeID, "admin"), ledger.ErrInvalidState)
}

func TestBackfillApprovalRecomputesLaterEvents(t *testing.T) {
	f := newFixture(t)
	f.approveAt(t, ledger.RequestDeposit, "1000", day(1))
	f.operating(t, "10", day(5))
	f.operating(t, "-4", day(8))
	before := f.state(t)

	res := f.approveAt(t, ledger.RequestDeposit, "500", day(3))
	assert.True(t, res.Backfilled)

	after := f.state(t)
	require.Len(t, after.events, 4)
	assert.Equal(t, res.RequestID, *after.events[1].RequestID)
	assert.True(t, after.events[1].PreviousBalance.Equal(dec("1000")))
	for i, old := range before.events[1:] {
		moved := after.events[i+2]
		assert.Equal(t, old.ID, moved.ID)
		assert.True(t, moved.NewBalance.Sub(moved.PreviousBalance).Equal(old.NewBalance.Sub(old.PreviousBalance)))
	}
	assert.True(t, after.portfolio.CurrentBalance.Equal(dec("1506")))
	assertConsistent(t, after)
}

func TestBackfilledWithdrawalUsesBalanceAtProcessedAt(t *testing.T) {
	f := newFixture(t)
	f.investor(t, "inv-1", ledger.InvestorActive, "0")
	f.approveAt(t, ledger.RequestDeposit, "100", day(1))
	f.approveAt(t, ledger.RequestDeposit, "900", day(10))

	id := f.request(t, "inv-1", ledger.RequestWithdrawal, "500")
	early := day(5)
	_, err := f.proc.Approve(context.Background(), id, ApproveOptions{ProcessedAt: &early})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	res := f.approveAt(t, ledger.RequestWithdrawal, "60", day(5))
	assert.True(t, res.Backfilled)
	s := f.state(t)
	assert.True(t, s.portfolio.CurrentBalance.Equal(dec("940")))
	assertConsistent(t, s)
}
