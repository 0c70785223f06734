package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	// URL, when set, is used as the connection string and the other
	// fields are ignored.
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// Schema, when set, becomes the search_path of every connection, so
	// the ledger tables live outside public.
	Schema   string
	MaxConns int32
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	logger = logger.With().Str("component", "database").Logger()

	dsn := cfg.URL
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.Schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}

	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the ledger schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS investors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
			trading_fee_percentage NUMERIC(7, 4) NOT NULL DEFAULT 0,
			trading_fee_frequency VARCHAR(16) NOT NULL DEFAULT 'QUARTERLY',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_investors_status ON investors(status)`,

		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			investor_id TEXT NOT NULL REFERENCES investors(id),
			type VARCHAR(16) NOT NULL,
			amount NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			processed_at TIMESTAMPTZ,
			approved_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			reversed_at TIMESTAMPTZ,
			reversed_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_investor ON requests(investor_id, status)`,

		`CREATE TABLE IF NOT EXISTS portfolios (
			investor_id TEXT PRIMARY KEY REFERENCES investors(id),
			current_balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
			total_invested NUMERIC(20, 2) NOT NULL DEFAULT 0,
			accumulated_return_usd NUMERIC(20, 2) NOT NULL DEFAULT 0,
			accumulated_return_percent NUMERIC(12, 4) NOT NULL DEFAULT 0,
			annual_return_usd NUMERIC(20, 2) NOT NULL DEFAULT 0,
			annual_return_percent NUMERIC(12, 4) NOT NULL DEFAULT 0,
			annual_year INT NOT NULL DEFAULT 0,
			annual_opening_balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
			annual_net_flows NUMERIC(20, 2) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`ALTER TABLE portfolios ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`,

		`CREATE TABLE IF NOT EXISTS trading_fees (
			id TEXT PRIMARY KEY,
			investor_id TEXT NOT NULL REFERENCES investors(id),
			period_start DATE NOT NULL,
			period_end DATE NOT NULL,
			profit_amount NUMERIC(20, 2) NOT NULL,
			fee_percentage NUMERIC(7, 4) NOT NULL,
			fee_amount NUMERIC(20, 2) NOT NULL,
			source VARCHAR(16) NOT NULL,
			withdrawal_request_id TEXT REFERENCES requests(id),
			applied_by TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL,
			voided_at TIMESTAMPTZ,
			voided_by TEXT NOT NULL DEFAULT '',
			CHECK (period_end >= period_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trading_fees_active ON trading_fees(investor_id, period_start) WHERE voided_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS ledger_events (
			id TEXT PRIMARY KEY,
			investor_id TEXT NOT NULL REFERENCES investors(id),
			date TIMESTAMPTZ NOT NULL,
			kind VARCHAR(32) NOT NULL,
			amount NUMERIC(20, 2) NOT NULL,
			previous_balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
			new_balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'COMPLETED',
			request_id TEXT REFERENCES requests(id),
			trading_fee_id TEXT REFERENCES trading_fees(id),
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_order ON ledger_events(investor_id, date, created_at, id) WHERE status = 'COMPLETED'`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_kind ON ledger_events(investor_id, kind, date)`,

		`CREATE TABLE IF NOT EXISTS daily_operating_results (
			date DATE PRIMARY KEY,
			percent NUMERIC(12, 4) NOT NULL,
			applied_by TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL,
			investor_count INT NOT NULL DEFAULT 0,
			total_delta NUMERIC(20, 2) NOT NULL DEFAULT 0
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}
