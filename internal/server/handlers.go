package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/modules/dividends"
	"github.com/aristath/exchange-sim/internal/modules/ledger"
	"github.com/aristath/exchange-sim/internal/modules/matching"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "exchange-sim",
	})
}

type submitOrderRequest struct {
	UserID       int64            `json:"user_id"`
	InstrumentID int64            `json:"instrument_id"`
	Kind         domain.OrderKind `json:"kind"`
	Side         domain.Side      `json:"side"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	Qty          int64            `json:"qty"`
}

// handleSubmitOrder implements POST /orders
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.engine.Submit(matching.SubmitRequest{
		UserID:       req.UserID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Kind:         req.Kind,
		LimitPrice:   req.LimitPrice,
		Qty:          req.Qty,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order_id": result.Order.ID,
		"status":   result.Order.Status,
		"trades":   tradesOrEmpty(result.Trades),
	})
}

// handleCancelOrder implements DELETE /orders/{id}
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.engine.Cancel(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"order_id": id, "status": domain.StatusCancelled})
}

type directBuyRequest struct {
	UserID         int64 `json:"user_id"`
	InstrumentID   int64 `json:"instrument_id"`
	Qty            int64 `json:"qty"`
	Administrative bool  `json:"administrative,omitempty"`
}

// handleDirectBuy implements POST /direct_buy
func (s *Server) handleDirectBuy(w http.ResponseWriter, r *http.Request) {
	var req directBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.engine.DirectBuy(matching.DirectBuyRequest{
		UserID:         req.UserID,
		InstrumentID:   req.InstrumentID,
		Qty:            req.Qty,
		Administrative: req.Administrative,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order_id": result.Order.ID,
		"status":   result.Order.Status,
		"trades":   tradesOrEmpty(result.Trades),
	})
}

// handleUserTrades implements GET /user/{id}/trades
func (s *Server) handleUserTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	trades, err := s.trades.ByUser(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tradesOrEmpty(trades))
}

// handleUserOrders implements GET /user/{id}/orders
func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	orders, err := s.orders.ByUser(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	s.writeJSON(w, http.StatusOK, orders)
}

// handleUserPortfolios implements GET /portfolios/user/{id}
func (s *Server) handleUserPortfolios(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	portfolios, err := s.ledger.ListPortfolios(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if portfolios == nil {
		portfolios = []*domain.Portfolio{}
	}
	s.writeJSON(w, http.StatusOK, portfolios)
}

// handleUserNotifications implements GET /user/{id}/notifications
func (s *Server) handleUserNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	notes, err := s.notifications.ListForUser(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if notes == nil {
		notes = []*domain.Notification{}
	}
	s.writeJSON(w, http.StatusOK, notes)
}

// handleMarkNotificationRead implements POST /notifications/{id}/read
func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.notifications.MarkRead(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "read": true})
}

// handleFIFONetHoldings implements GET /stocks/{id}/fifonet_holdings?current_price=…
func (s *Server) handleFIFONetHoldings(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	in, err := s.instruments.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	price := in.CurrentPrice
	if raw := r.URL.Query().Get("current_price"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || !parsed.IsPositive() {
			s.writeDetail(w, http.StatusBadRequest, "current_price must be a positive decimal")
			return
		}
		price = parsed
	}

	holdings, err := s.dividends.FIFONetHoldings(id, price, time.Now(), s.cfg.DividendEligibleMinDays)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if holdings == nil {
		holdings = []dividends.HoldingProjection{}
	}
	s.writeJSON(w, http.StatusOK, holdings)
}

// handleClosingPrices implements GET /stocks/{id}/closing_prices
func (s *Server) handleClosingPrices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	prices, err := s.sweeper.ClosingPrices(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if prices == nil {
		prices = []domain.DailyClosingPrice{}
	}
	s.writeJSON(w, http.StatusOK, prices)
}

type createDividendRequest struct {
	CompanyID   int64               `json:"company_id"`
	BudgetYear  string              `json:"budget_year"`
	TotalAmount decimal.Decimal     `json:"total_amount"`
	Holdings    []dividends.Holding `json:"holdings,omitempty"`
}

// handleCreateDividend implements POST /dividends: declare and
// immediately disburse, from caller-supplied holdings when present,
// server-side FIFO computation otherwise.
func (s *Server) handleCreateDividend(w http.ResponseWriter, r *http.Request) {
	var req createDividendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !req.TotalAmount.IsPositive() {
		s.writeDetail(w, http.StatusBadRequest, "total_amount must be positive")
		return
	}

	d, err := s.dividendRepo.Create(req.CompanyID, req.BudgetYear, req.TotalAmount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if len(req.Holdings) > 0 {
		d, err = s.dividends.DisburseWith(d.ID, req.Holdings)
	} else {
		d, err = s.dividends.Disburse(d.ID)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeDividend(w, http.StatusCreated, d)
}

// handleGetDividend implements GET /dividends/{id}
func (s *Server) handleGetDividend(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	d, err := s.dividendRepo.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeDividend(w, http.StatusOK, d)
}

// handleDistributeDividend implements POST /dividends/{id}/distribute
func (s *Server) handleDistributeDividend(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	d, err := s.dividends.Disburse(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeDividend(w, http.StatusOK, d)
}

func (s *Server) writeDividend(w http.ResponseWriter, status int, d *domain.Dividend) {
	dists, err := s.dividendRepo.Distributions(d.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if dists == nil {
		dists = []*domain.DividendDistribution{}
	}
	s.writeJSON(w, status, map[string]interface{}{
		"dividend":      d,
		"distributions": dists,
	})
}

type suspendTraderRequest struct {
	RegulatorID int64  `json:"regulator_id"`
	TraderID    *int64 `json:"trader_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// handleSuspendTrader implements POST /suspicious-activities/{id}/suspend-trader:
// regulator-only, inserts an all-instruments suspension for the flagged
// trade's buyer (or an explicitly named trader) and marks the activity
// reviewed.
func (s *Server) handleSuspendTrader(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r, "id")
	if !ok {
		return
	}
	var req suspendTraderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	regulator, err := s.ledger.GetUser(req.RegulatorID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if regulator.Role != domain.RoleRegulator {
		s.writeDetail(w, http.StatusForbidden, "only a regulator may suspend a trader")
		return
	}

	sa, err := s.surveil.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	trade, err := s.trades.Get(sa.TradeID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	traderID := trade.BuyerID
	if req.TraderID != nil {
		traderID = *req.TraderID
	}
	reason := req.Reason
	if reason == "" {
		reason = "suspicious activity " + strconv.FormatInt(sa.ID, 10)
	}

	suspension, err := s.regs.Suspend(traderID, nil, domain.ScopeGlobal, reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := s.surveil.MarkReviewed(sa.ID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, suspension)
}

type profitRequest struct {
	UserID int64           `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// handleCapitalizeProfit implements POST /capitalize_profit
func (s *Server) handleCapitalizeProfit(w http.ResponseWriter, r *http.Request) {
	s.handleProfitMove(w, r, s.ledger.CapitalizeProfit)
}

// handleWithdrawProfit implements POST /withdraw_profit
func (s *Server) handleWithdrawProfit(w http.ResponseWriter, r *http.Request) {
	s.handleProfitMove(w, r, s.ledger.WithdrawProfit)
}

func (s *Server) handleProfitMove(w http.ResponseWriter, r *http.Request, move func(int64, decimal.Decimal, decimal.Decimal) (decimal.Decimal, error)) {
	var req profitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	taxRate, err := s.regs.GetDecimal("ProfitTaxRate", ledger.DefaultProfitTaxRate)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	net, err := move(req.UserID, req.Amount, taxRate)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    req.UserID,
		"gross":      req.Amount,
		"net":        net,
		"tax_rate":   taxRate,
		"tax_amount": req.Amount.Sub(net),
	})
}

func tradesOrEmpty(trades []*domain.Trade) []*domain.Trade {
	if trades == nil {
		return []*domain.Trade{}
	}
	return trades
}

func (s *Server) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		s.writeDetail(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeDetail writes the {detail: string} error envelope.
func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

// writeEngineError maps an engine error to its HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := domain.StatusFor(err)
	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeDetail(w, status, err.Error())
}
