package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/ledger"
)

var errReadOnly = errors.New("write attempted in read-only transaction")

// MemoryStore keeps the whole ledger in process. Writers are serialised by a
// single mutex and each unit of work runs against a clone of the state that
// replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	investors map[string]*ledger.Investor
	requests  map[string]*ledger.Request
	portfolio map[string]*ledger.Portfolio
	events    map[string]*ledger.Event
	fees      map[string]*ledger.TradingFee
	daily     map[string]*ledger.DailyOperatingResult
	versions  map[string]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		investors: map[string]*ledger.Investor{},
		requests:  map[string]*ledger.Request{},
		portfolio: map[string]*ledger.Portfolio{},
		events:    map[string]*ledger.Event{},
		fees:      map[string]*ledger.TradingFee{},
		daily:     map[string]*ledger.DailyOperatingResult{},
		versions:  map[string]int64{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		investors: make(map[string]*ledger.Investor, len(s.investors)),
		requests:  make(map[string]*ledger.Request, len(s.requests)),
		portfolio: make(map[string]*ledger.Portfolio, len(s.portfolio)),
		events:    make(map[string]*ledger.Event, len(s.events)),
		fees:      make(map[string]*ledger.TradingFee, len(s.fees)),
		daily:     make(map[string]*ledger.DailyOperatingResult, len(s.daily)),
		versions:  make(map[string]int64, len(s.versions)),
	}
	for k, v := range s.investors {
		x := *v
		c.investors[k] = &x
	}
	for k, v := range s.requests {
		x := *v
		c.requests[k] = &x
	}
	for k, v := range s.portfolio {
		c.portfolio[k] = v.Clone()
	}
	for k, v := range s.events {
		x := *v
		c.events[k] = &x
	}
	for k, v := range s.fees {
		x := *v
		c.fees[k] = &x
	}
	for k, v := range s.daily {
		x := *v
		c.daily[k] = &x
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	return c
}

func (m *MemoryStore) WithinInvestor(ctx context.Context, investorID string, fn func(ctx context.Context, tx Tx) error) error {
	return m.WithinBatch(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockInvestor(ctx, investorID); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func (m *MemoryStore) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &memTx{state: m.state, readOnly: true})
}

func (m *MemoryStore) Close() {}

// memTx reads and writes one memState. Values handed out are copies so a
// caller mutating them cannot bypass Save*.
type memTx struct {
	state    *memState
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// LockInvestor is a no-op: the store mutex already serialises writers.
func (t *memTx) LockInvestor(ctx context.Context, investorID string) error { return nil }

func (t *memTx) GetInvestor(ctx context.Context, id string) (*ledger.Investor, error) {
	inv, ok := t.state.investors[id]
	if !ok {
		return nil, fmt.Errorf("%w: investor %s", ledger.ErrNotFound, id)
	}
	c := *inv
	return &c, nil
}

func (t *memTx) SaveInvestor(ctx context.Context, inv *ledger.Investor) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *inv
	t.state.investors[inv.ID] = &c
	return nil
}

func (t *memTx) ListActiveInvestors(ctx context.Context) ([]*ledger.Investor, error) {
	var out []*ledger.Investor
	for _, inv := range t.state.investors {
		if inv.IsActive() {
			c := *inv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListInvestorIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(t.state.investors))
	for id := range t.state.investors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) GetRequest(ctx context.Context, id string) (*ledger.Request, error) {
	req, ok := t.state.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ledger.ErrNotFound, id)
	}
	c := *req
	return &c, nil
}

func (t *memTx) SaveRequest(ctx context.Context, req *ledger.Request) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *req
	t.state.requests[req.ID] = &c
	return nil
}

func (t *memTx) GetPortfolio(ctx context.Context, investorID string) (*ledger.Portfolio, error) {
	p, ok := t.state.portfolio[investorID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (t *memTx) SavePortfolio(ctx context.Context, p *ledger.Portfolio) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.portfolio[p.InvestorID] = p.Clone()
	t.state.versions[p.InvestorID]++
	return nil
}

func (t *memTx) LedgerVersion(ctx context.Context, investorID string) (int64, error) {
	return t.state.versions[investorID], nil
}

func (t *memTx) PlatformVersion(ctx context.Context) (int64, error) {
	var total int64
	for _, v := range t.state.versions {
		total += v
	}
	return total, nil
}

func (t *memTx) InsertEvent(ctx context.Context, e *ledger.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.state.events[e.ID]; exists {
		return fmt.Errorf("event %s already exists", e.ID)
	}
	c := *e
	t.state.events[e.ID] = &c
	return nil
}

func (t *memTx) UpdateEventBalances(ctx context.Context, id string, previous, next decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	e, ok := t.state.events[id]
	if !ok {
		return fmt.Errorf("%w: event %s", ledger.ErrNotFound, id)
	}
	e.PreviousBalance = previous
	e.NewBalance = next
	return nil
}

func (t *memTx) completed(investorID string) []*ledger.Event {
	var out []*ledger.Event
	for _, e := range t.state.events {
		if !e.IsCompleted() {
			continue
		}
		if investorID != "" && e.InvestorID != investorID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	ledger.SortEvents(out)
	return out
}

func (t *memTx) ListCompletedEvents(ctx context.Context, investorID string) ([]*ledger.Event, error) {
	return t.completed(investorID), nil
}

func (t *memTx) LastCompletedEventAtOrBefore(ctx context.Context, investorID string, at time.Time) (*ledger.Event, error) {
	var last *ledger.Event
	for _, e := range t.completed(investorID) {
		if e.Date.After(at) {
			break
		}
		last = e
	}
	return last, nil
}

func (t *memTx) HasCompletedEventAfter(ctx context.Context, investorID string, at time.Time) (bool, error) {
	for _, e := range t.state.events {
		if e.InvestorID == investorID && e.IsCompleted() && e.Date.After(at) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SumCompletedAmounts(ctx context.Context, investorID string, kind ledger.EventKind, from, to time.Time) (decimal.Decimal, error) {
	return ledger.SumKind(t.completed(investorID), kind, from, to), nil
}

func (t *memTx) InsertTradingFee(ctx context.Context, fee *ledger.TradingFee) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *fee
	t.state.fees[fee.ID] = &c
	return nil
}

func (t *memTx) UpdateTradingFee(ctx context.Context, fee *ledger.TradingFee) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.fees[fee.ID]; !ok {
		return fmt.Errorf("%w: trading fee %s", ledger.ErrNotFound, fee.ID)
	}
	c := *fee
	t.state.fees[fee.ID] = &c
	return nil
}

func (t *memTx) GetTradingFee(ctx context.Context, id string) (*ledger.TradingFee, error) {
	f, ok := t.state.fees[id]
	if !ok {
		return nil, fmt.Errorf("%w: trading fee %s", ledger.ErrNotFound, id)
	}
	c := *f
	return &c, nil
}

func (t *memTx) FindActiveTradingFeeByPeriod(ctx context.Context, investorID string, period ledger.Period) (*ledger.TradingFee, error) {
	fees, _ := t.ListActiveTradingFees(ctx, investorID)
	for _, f := range fees {
		if f.Period().Equal(period) {
			return f, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListActiveTradingFees(ctx context.Context, investorID string) ([]*ledger.TradingFee, error) {
	var out []*ledger.TradingFee
	for _, f := range t.state.fees {
		if f.InvestorID == investorID && f.IsActive() {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (t *memTx) GetActiveWithdrawalFee(ctx context.Context, requestID string) (*ledger.TradingFee, error) {
	for _, f := range t.state.fees {
		if f.IsActive() && f.Source == ledger.FeeSourceWithdrawal &&
			f.WithdrawalRequestID != nil && *f.WithdrawalRequestID == requestID {
			c := *f
			return &c, nil
		}
	}
	return nil, nil
}

func dateKey(d time.Time) string { return d.Format(time.DateOnly) }

func (t *memTx) GetDailyOperatingResult(ctx context.Context, date time.Time) (*ledger.DailyOperatingResult, error) {
	r, ok := t.state.daily[dateKey(date)]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (t *memTx) InsertDailyOperatingResult(ctx context.Context, r *ledger.DailyOperatingResult) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := dateKey(r.Date)
	if _, exists := t.state.daily[key]; exists {
		return fmt.Errorf("%w: daily operating result for %s", ledger.ErrDuplicatePeriod, key)
	}
	c := *r
	t.state.daily[key] = &c
	return nil
}
