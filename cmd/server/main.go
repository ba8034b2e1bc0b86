package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/exchange-sim/internal/config"
	"github.com/aristath/exchange-sim/internal/database"
	"github.com/aristath/exchange-sim/internal/locking"
	"github.com/aristath/exchange-sim/internal/modules/audit"
	"github.com/aristath/exchange-sim/internal/modules/calendar"
	"github.com/aristath/exchange-sim/internal/modules/dividends"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/ledger"
	"github.com/aristath/exchange-sim/internal/modules/matching"
	"github.com/aristath/exchange-sim/internal/modules/notifications"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
	"github.com/aristath/exchange-sim/internal/modules/surveillance"
	"github.com/aristath/exchange-sim/internal/modules/sweeper"
	"github.com/aristath/exchange-sim/internal/scheduler"
	"github.com/aristath/exchange-sim/internal/server"
	"github.com/aristath/exchange-sim/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting exchange simulator")

	// Initialize database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	conn := db.Conn()
	locks := locking.New(cfg.LockTimeout)

	// Repositories
	orderRepo := matching.NewOrderRepository(conn, log)
	tradeRepo := matching.NewTradeRepository(conn)
	instrumentRepo := instruments.NewRepository(conn, log)
	ledgerRepo := ledger.NewRepository(conn, log)
	calendarRepo := calendar.NewRepository(conn, log)
	regulationRepo := regulations.NewRepository(conn, log)
	auditLog := audit.New(conn)
	notificationSink := notifications.New(conn, log)
	monitor := surveillance.New(conn, instrumentRepo, regulationRepo)

	// Matching engine + settlement
	engine := matching.New(
		conn, locks, orderRepo, tradeRepo,
		instrumentRepo, ledgerRepo, calendarRepo, regulationRepo,
		auditLog, notificationSink, monitor, log,
	)

	// Session sweeper and dividend engine
	sweepSvc := sweeper.New(conn, locks, engine, orderRepo, instrumentRepo, auditLog, log)
	dividendRepo := dividends.NewRepository(conn, log)
	dividendSvc := dividends.NewService(conn, locks, dividendRepo, tradeRepo, instrumentRepo, ledgerRepo, log)

	// Initialize scheduler
	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	if err := sched.AddJob(cfg.SweepSchedule, sweeper.NewSessionCloseJob(sweepSvc)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register session close job")
	}

	// Initialize HTTP server
	srv := server.New(server.Config{
		Port:          cfg.Port,
		Log:           log,
		Config:        cfg,
		DevMode:       cfg.DevMode,
		Engine:        engine,
		Orders:        orderRepo,
		Trades:        tradeRepo,
		Instruments:   instrumentRepo,
		Ledger:        ledgerRepo,
		Regulations:   regulationRepo,
		Surveillance:  monitor,
		Dividends:     dividendSvc,
		DividendRepo:  dividendRepo,
		Sweeper:       sweepSvc,
		Notifications: notificationSink,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
