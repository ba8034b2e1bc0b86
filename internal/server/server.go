package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/exchange-sim/internal/config"
	"github.com/aristath/exchange-sim/internal/modules/dividends"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/ledger"
	"github.com/aristath/exchange-sim/internal/modules/matching"
	"github.com/aristath/exchange-sim/internal/modules/notifications"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
	"github.com/aristath/exchange-sim/internal/modules/surveillance"
	"github.com/aristath/exchange-sim/internal/modules/sweeper"
)

// Config holds server configuration
type Config struct {
	Port    int
	Log     zerolog.Logger
	Config  *config.Config
	DevMode bool

	Engine        *matching.Engine
	Orders        *matching.OrderRepository
	Trades        *matching.TradeRepository
	Instruments   *instruments.Repository
	Ledger        *ledger.Repository
	Regulations   *regulations.Repository
	Surveillance  *surveillance.Monitor
	Dividends     *dividends.Service
	DividendRepo  *dividends.Repository
	Sweeper       *sweeper.Service
	Notifications *notifications.Sink
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config

	engine        *matching.Engine
	orders        *matching.OrderRepository
	trades        *matching.TradeRepository
	instruments   *instruments.Repository
	ledger        *ledger.Repository
	regs          *regulations.Repository
	surveil       *surveillance.Monitor
	dividends     *dividends.Service
	dividendRepo  *dividends.Repository
	sweeper       *sweeper.Service
	notifications *notifications.Sink
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		log:           cfg.Log.With().Str("component", "server").Logger(),
		cfg:           cfg.Config,
		engine:        cfg.Engine,
		orders:        cfg.Orders,
		trades:        cfg.Trades,
		instruments:   cfg.Instruments,
		ledger:        cfg.Ledger,
		regs:          cfg.Regulations,
		surveil:       cfg.Surveillance,
		dividends:     cfg.Dividends,
		dividendRepo:  cfg.DividendRepo,
		sweeper:       cfg.Sweeper,
		notifications: cfg.Notifications,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// Order intake and direct purchase
	s.router.Post("/orders", s.handleSubmitOrder)
	s.router.Delete("/orders/{id}", s.handleCancelOrder)
	s.router.Post("/direct_buy", s.handleDirectBuy)

	// Per-user reads
	s.router.Route("/user/{id}", func(r chi.Router) {
		r.Get("/trades", s.handleUserTrades)
		r.Get("/orders", s.handleUserOrders)
		r.Get("/notifications", s.handleUserNotifications)
	})
	s.router.Get("/portfolios/user/{id}", s.handleUserPortfolios)
	s.router.Post("/notifications/{id}/read", s.handleMarkNotificationRead)

	// Instrument reads
	s.router.Route("/stocks/{id}", func(r chi.Router) {
		r.Get("/fifonet_holdings", s.handleFIFONetHoldings)
		r.Get("/closing_prices", s.handleClosingPrices)
	})

	// Dividends
	s.router.Post("/dividends", s.handleCreateDividend)
	s.router.Get("/dividends/{id}", s.handleGetDividend)
	s.router.Post("/dividends/{id}/distribute", s.handleDistributeDividend)

	// Regulator actions
	s.router.Post("/suspicious-activities/{id}/suspend-trader", s.handleSuspendTrader)

	// Profit movement
	s.router.Post("/capitalize_profit", s.handleCapitalizeProfit)
	s.router.Post("/withdraw_profit", s.handleWithdrawProfit)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
