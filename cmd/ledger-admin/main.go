package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"investor-ledger/config"
	"investor-ledger/internal/billing"
	"investor-ledger/internal/database"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/logging"
	"investor-ledger/internal/performance"
	"investor-ledger/internal/recalc"
)

const usage = `Investor ledger administration

Usage:
  ledger-admin migrate
  ledger-admin recalc <investor-id|all>
  ledger-admin twr <investor-id|platform> [from YYYY-MM-DD] [to YYYY-MM-DD]
  ledger-admin apply-fees
  ledger-admin sample-config [file]   (default config.json)`

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}

	// needs neither a configuration nor a database
	if os.Args[1] == "sample-config" {
		if err := sampleConfig(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "sample-config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    "stderr",
		Component: "ledger-admin",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, cmd string, args []string) error {
	db, err := database.NewDB(ctx, database.Config{
		URL:      cfg.DatabaseConfig.URL,
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		Schema:   cfg.DatabaseConfig.Schema,
		MaxConns: 4,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	loc := cfg.LedgerConfig.Location()
	store := database.NewPostgresStore(db, loc)
	clock := ledger.SystemClock{}

	switch cmd {
	case "migrate":
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
		fmt.Println("Migrations applied")
		return nil

	case "recalc":
		if len(args) < 1 {
			return fmt.Errorf("investor id required")
		}
		return recalculate(ctx, store, recalc.NewEngine(clock, logger), args[0])

	case "twr":
		if len(args) < 1 {
			return fmt.Errorf("investor id or \"platform\" required")
		}
		from, to, err := window(args[1:], loc)
		if err != nil {
			return err
		}
		svc := performance.NewService(store, performance.Config{}, logger)
		var res ledger.TWRResult
		if args[0] == "platform" {
			res, err = svc.PlatformTWR(ctx, from, to)
		} else {
			res, err = svc.InvestorTWR(ctx, args[0], from, to)
		}
		if err != nil {
			return err
		}
		fmt.Printf("TWR:         %s%%\n", res.TWRPercent.StringFixed(4))
		fmt.Printf("P&L:         %s\n", res.PnLUSD.StringFixed(2))
		fmt.Printf("Start value: %s\n", res.StartValue.StringFixed(2))
		fmt.Printf("End value:   %s\n", res.EndValue.StringFixed(2))
		fmt.Printf("Net flows:   %s\n", res.NetFlows.StringFixed(2))
		return nil

	case "apply-fees":
		rc := recalc.NewEngine(clock, logger)
		fees := billing.NewEngine(store, rc, clock, billing.Config{Location: loc}, logger)
		sched := billing.NewScheduler(fees, store, billing.SchedulerConfig{
			Location:  loc,
			AppliedBy: cfg.SchedulerConfig.AppliedBy,
		}, logger)
		summary, err := sched.ApplyDue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Applied: %d, skipped: %d, failed: %d\n", len(summary.Applied), len(summary.Skipped), len(summary.Failed))
		for id, reason := range summary.Failed {
			fmt.Printf("  %s: %s\n", id, reason)
		}
		return nil
	}

	fmt.Println(usage)
	return fmt.Errorf("unknown command %q", cmd)
}

// sampleConfig writes a starter configuration with secrets blanked. An
// existing file is never overwritten.
func sampleConfig(args []string) error {
	path := "config.json"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.GenerateSampleConfig(path); err != nil {
		return err
	}
	fmt.Printf("Sample configuration written to %s\n", path)
	return nil
}

func recalculate(ctx context.Context, store database.Store, rc *recalc.Engine, target string) error {
	ids := []string{target}
	if target == "all" {
		err := store.ReadOnly(ctx, func(ctx context.Context, tx database.Tx) error {
			var err error
			ids, err = tx.ListInvestorIDs(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}

	for _, id := range ids {
		err := store.WithinInvestor(ctx, id, func(ctx context.Context, tx database.Tx) error {
			p, err := rc.Recalculate(ctx, tx, id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  balance=%s invested=%s accumulated=%s (%s%%)\n",
				id, p.CurrentBalance.StringFixed(2), p.TotalInvested.StringFixed(2),
				p.AccumulatedReturnUSD.StringFixed(2), p.AccumulatedReturnPercent.StringFixed(4))
			return nil
		})
		if err != nil {
			return fmt.Errorf("investor %s: %w", id, err)
		}
	}
	return nil
}

// window parses the optional [from] [to] dates. to defaults to today and
// covers the whole day.
func window(args []string, loc *time.Location) (*time.Time, time.Time, error) {
	var from *time.Time
	toDay := ledger.StartOfDay(time.Now(), loc)
	if len(args) > 0 {
		d, err := time.ParseInLocation("2006-01-02", args[0], loc)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("invalid from date: %w", err)
		}
		from = &d
	}
	if len(args) > 1 {
		d, err := time.ParseInLocation("2006-01-02", args[1], loc)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("invalid to date: %w", err)
		}
		toDay = d
	}
	return from, ledger.Period{Start: toDay, End: toDay}.Through(), nil
}
