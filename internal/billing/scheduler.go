package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"investor-ledger/internal/database"
	"investor-ledger/internal/ledger"
)

// DefaultSchedule runs the periodic fee job every day at 00:30:00.
const DefaultSchedule = "0 30 0 * * *"

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	// Cron spec with seconds field
	Spec     string
	Location *time.Location
	// AppliedBy is recorded on every fee the job creates
	AppliedBy string
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Spec:      DefaultSchedule,
		Location:  time.Local,
		AppliedBy: "scheduler",
	}
}

// RunSummary reports one pass over the active investors.
type RunSummary struct {
	StartedAt time.Time         `json:"started_at"`
	Applied   map[string]string `json:"applied"` // investor id -> fee id
	Skipped   map[string]string `json:"skipped"` // investor id -> reason
	Failed    map[string]string `json:"failed"`
}

// Scheduler applies due periodic trading fees on a cron schedule
type Scheduler struct {
	engine *Engine
	store  database.Store
	config SchedulerConfig
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	lastRun *RunSummary
}

// NewScheduler creates a new billing scheduler
func NewScheduler(engine *Engine, store database.Store, config SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if config.Spec == "" {
		config.Spec = DefaultSchedule
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.AppliedBy == "" {
		config.AppliedBy = "scheduler"
	}
	return &Scheduler{
		engine: engine,
		store:  store,
		config: config,
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(config.Location)),
		logger: logger.With().Str("component", "fee-scheduler").Logger(),
	}
}

// Start registers the job and starts the cron scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.config.Spec, func() {
		if _, err := s.ApplyDue(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Periodic fee run failed")
		}
	}); err != nil {
		return fmt.Errorf("register periodic fee job: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Str("spec", s.config.Spec).Msg("Fee scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Fee scheduler stopped")
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetStatus returns the scheduler status
func (s *Scheduler) GetStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running": s.running,
		"spec":    s.config.Spec,
	}
	if s.lastRun != nil {
		status["last_run"] = s.lastRun.StartedAt
		status["last_applied"] = len(s.lastRun.Applied)
		status["last_failed"] = len(s.lastRun.Failed)
	}
	return status
}

// ApplyDue charges every active investor with a positive fee percentage for
// their most recent completed period. Investors with no profit, an already
// charged period or too little balance are skipped.
func (s *Scheduler) ApplyDue(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		StartedAt: s.engine.clock.Now(),
		Applied:   map[string]string{},
		Skipped:   map[string]string{},
		Failed:    map[string]string{},
	}

	var investors []*ledger.Investor
	err := s.store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		investors, err = tx.ListActiveInvestors(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list active investors: %w", err)
	}

	for _, inv := range investors {
		if !inv.TradingFeePercentage.IsPositive() || !inv.TradingFeeFrequency.Valid() {
			summary.Skipped[inv.ID] = "no fee configured"
			continue
		}

		feeID, err := s.engine.Apply(ctx, inv.ID, inv.TradingFeePercentage, s.config.AppliedBy, nil)
		switch {
		case err == nil:
			summary.Applied[inv.ID] = feeID
		case errors.Is(err, ledger.ErrNoProfit),
			errors.Is(err, ledger.ErrDuplicatePeriod),
			errors.Is(err, ledger.ErrInsufficientBalance):
			summary.Skipped[inv.ID] = err.Error()
		default:
			summary.Failed[inv.ID] = err.Error()
			s.logger.Error().Err(err).Str("investor_id", inv.ID).Msg("Periodic fee failed")
		}
	}

	s.mu.Lock()
	s.lastRun = summary
	s.mu.Unlock()

	s.logger.Info().
		Int("applied", len(summary.Applied)).
		Int("skipped", len(summary.Skipped)).
		Int("failed", len(summary.Failed)).
		Msg("Periodic fee run complete")

	return summary, nil
}
