// Package main is a load tool that races concurrent registrations against one
// event and fails when the event is oversold.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eventdesk/backend/config"
	"github.com/eventdesk/backend/internal/admission"
	"github.com/eventdesk/backend/internal/auth"
	"github.com/eventdesk/backend/internal/events"
	"github.com/eventdesk/backend/internal/ledger"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/internal/racecheck"
	"github.com/eventdesk/backend/pkg/database"
	"github.com/eventdesk/backend/pkg/utils"
)

type options struct {
	driver   string
	db       string
	capacity int
	mode     string
	run      racecheck.Options
	keep     bool
	verbose  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "racecheck",
		Short:        "Race concurrent registrations against one event",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			opts.driver = strings.ToLower(opts.driver)
			if opts.driver != config.DriverPostgres && opts.driver != config.DriverSQLite {
				return fmt.Errorf("invalid driver %q: must be postgres or sqlite", opts.driver)
			}
			if !models.ApprovalMode(opts.mode).Valid() {
				return fmt.Errorf("invalid mode %q: must be auto or manual", opts.mode)
			}
			if opts.capacity < models.MinTicketLimit || opts.capacity > models.MaxTicketLimit {
				return fmt.Errorf("capacity must be between %d and %d", models.MinTicketLimit, models.MaxTicketLimit)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.driver, "driver", config.DriverSQLite, "ledger backend (postgres|sqlite)")
	f.StringVar(&opts.db, "db", "", "sqlite file or postgres DSN (default from LEDGER_SQLITE_PATH / DATABASE_URL)")
	f.IntVar(&opts.capacity, "capacity", 1, "event ticket limit")
	f.StringVar(&opts.mode, "mode", string(models.ApprovalAuto), "approval mode (auto|manual)")
	f.IntVar(&opts.run.Attempts, "attempts", 50, "number of concurrent registrations")
	f.IntVar(&opts.run.Concurrency, "concurrency", 0, "max in-flight registrations (0 = all)")
	f.StringVar(&opts.run.Scenario, "scenario", racecheck.ScenarioDistinct, "distinct|duplicate emails")
	f.BoolVar(&opts.keep, "keep", false, "keep the seeded event afterwards")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log every admission decision")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts *options) error {
	logger := zap.NewNop()
	if opts.verbose {
		logger = newLogger()
		defer logger.Sync()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, event, cleanup, err := seed(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "═══════════════════════════════════════════")
	fmt.Fprintln(out, "  Admission race check")
	fmt.Fprintln(out, "═══════════════════════════════════════════")
	fmt.Fprintf(out, "Driver   : %s\n", opts.driver)
	fmt.Fprintf(out, "Event ID : %s\n", event.ID)
	fmt.Fprintf(out, "Capacity : %d (%s approval)\n", event.TicketLimit, event.ApprovalMode)
	fmt.Fprintf(out, "Attempts : %d (%s)\n\n", opts.run.Attempts, opts.run.Scenario)

	runner := racecheck.NewRunner(admission.NewService(store, logger), store)
	rep, err := runner.Run(ctx, event, opts.run)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Admitted          : %d\n", rep.Admitted)
	fmt.Fprintf(out, "Sold out          : %d\n", rep.SoldOut)
	fmt.Fprintf(out, "Duplicates        : %d\n", rep.Duplicates)
	if event.ApprovalMode == models.ApprovalManual {
		fmt.Fprintf(out, "Approvals         : %d\n", rep.Approvals)
	}
	fmt.Fprintf(out, "Failed            : %d\n", rep.Failed)
	fmt.Fprintf(out, "Ledger            : approved=%d pending=%d rejected=%d\n", rep.Counts.Approved, rep.Counts.Pending, rep.Counts.Rejected)
	fmt.Fprintf(out, "Time taken        : %s\n", rep.Duration.Round(time.Millisecond))
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}

	if err := racecheck.Verify(event, opts.run, rep); err != nil {
		fmt.Fprintf(out, "\nFAIL: %v\n", err)
		return err
	}
	fmt.Fprintln(out, "\nPASS: no overselling, no duplicate admissions")
	return nil
}

// seed opens the ledger and creates the event under test.
func seed(ctx context.Context, cfg *config.Config, opts *options, logger *zap.Logger) (ledger.Store, *models.Event, func(), error) {
	if opts.driver == config.DriverSQLite {
		path := opts.db
		if path == "" {
			path = cfg.Ledger.SQLitePath
		}
		store, err := ledger.OpenSQLite(path, 8)
		if err != nil {
			return nil, nil, nil, err
		}
		event := racecheck.NewEvent(uuid.New(), opts.capacity, models.ApprovalMode(opts.mode))
		if err := store.PutEvent(ctx, event); err != nil {
			_ = store.Close()
			return nil, nil, nil, err
		}
		cleanup := func() {
			if !opts.keep {
				_ = store.DeleteEvent(context.Background(), event.ID)
			}
			_ = store.Close()
		}
		return store, event, cleanup, nil
	}

	dsn := opts.db
	if dsn == "" {
		dsn = cfg.Database.DSN()
	}
	pool, err := database.NewPostgresPool(ctx, dsn, database.PoolOptions{MaxConns: cfg.Database.MaxConns, ConnectAttempts: 1}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	hash, err := utils.HashPassword(uuid.NewString())
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	organizer, err := auth.NewRepository(pool).Create(ctx, "Race Check", "racecheck+"+uuid.NewString()+"@example.com", hash, models.RoleOrganizer)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	eventRepo := events.NewRepository(pool)
	event := racecheck.NewEvent(organizer.ID, opts.capacity, models.ApprovalMode(opts.mode))
	if err := eventRepo.Create(ctx, event); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if !opts.keep {
			// Deleting the organizer cascades to the event and its registrations.
			_, _ = pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, organizer.ID)
		}
		pool.Close()
	}
	return ledger.NewPostgres(pool), event, cleanup, nil
}

func newLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
