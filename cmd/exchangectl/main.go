// exchangectl runs the exchange's schedulable maintenance jobs as
// one-shot commands: cancel-pending-orders, update-closing-prices, and
// match-pending-orders. Each is idempotent, logs per-item failures and
// continues, and exits 0 on success, 1 on failure.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/exchange-sim/internal/config"
	"github.com/aristath/exchange-sim/internal/database"
	"github.com/aristath/exchange-sim/internal/locking"
	"github.com/aristath/exchange-sim/internal/modules/audit"
	"github.com/aristath/exchange-sim/internal/modules/calendar"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/ledger"
	"github.com/aristath/exchange-sim/internal/modules/matching"
	"github.com/aristath/exchange-sim/internal/modules/notifications"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
	"github.com/aristath/exchange-sim/internal/modules/surveillance"
	"github.com/aristath/exchange-sim/internal/modules/sweeper"
	"github.com/aristath/exchange-sim/pkg/logger"
)

var dateArg string

func main() {
	root := &cobra.Command{
		Use:           "exchangectl",
		Short:         "Exchange simulator maintenance jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel-pending-orders",
		Short: "Cancel every order still resting in the book",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSweeper(func(svc *sweeper.Service) error {
				_, err := svc.CancelPendingOrders()
				return err
			})
		},
	}

	closingCmd := &cobra.Command{
		Use:   "update-closing-prices",
		Short: "Snapshot each instrument's daily closing price",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now()
			if dateArg != "" {
				parsed, err := time.Parse("2006-01-02", dateArg)
				if err != nil {
					return err
				}
				day = parsed
			}
			return withSweeper(func(svc *sweeper.Service) error {
				_, err := svc.UpdateClosingPrices(day)
				return err
			})
		},
	}
	closingCmd.Flags().StringVar(&dateArg, "date", "", "day to snapshot (YYYY-MM-DD, default today)")

	matchCmd := &cobra.Command{
		Use:   "match-pending-orders",
		Short: "Cross any resting orders that have become marryable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSweeper(func(svc *sweeper.Service) error {
				_, err := svc.MatchPendingOrders()
				return err
			})
		},
	}

	root.AddCommand(cancelCmd, closingCmd, matchCmd)

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

// withSweeper builds the same service graph the server wires up, runs fn
// against it, and tears everything down.
func withSweeper(fn func(*sweeper.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	conn := db.Conn()
	locks := locking.New(cfg.LockTimeout)

	orderRepo := matching.NewOrderRepository(conn, log)
	tradeRepo := matching.NewTradeRepository(conn)
	instrumentRepo := instruments.NewRepository(conn, log)
	ledgerRepo := ledger.NewRepository(conn, log)
	calendarRepo := calendar.NewRepository(conn, log)
	regulationRepo := regulations.NewRepository(conn, log)
	auditLog := audit.New(conn)
	notificationSink := notifications.New(conn, log)
	monitor := surveillance.New(conn, instrumentRepo, regulationRepo)

	engine := matching.New(
		conn, locks, orderRepo, tradeRepo,
		instrumentRepo, ledgerRepo, calendarRepo, regulationRepo,
		auditLog, notificationSink, monitor, log,
	)
	return fn(sweeper.New(conn, locks, engine, orderRepo, instrumentRepo, auditLog, log))
}
