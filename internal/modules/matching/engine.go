package matching

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/locking"
	"github.com/aristath/exchange-sim/internal/modules/calendar"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/ledger"
	"github.com/aristath/exchange-sim/internal/modules/notifications"
	"github.com/aristath/exchange-sim/internal/modules/orderbook"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
	"github.com/aristath/exchange-sim/internal/modules/surveillance"
)

// auditLog is the subset of audit.Log the engine depends on, declared
// locally so this package doesn't need to import audit's concrete type
// signature beyond what Submit actually calls.
type auditLog interface {
	Append(tx *sql.Tx, eventKind string, orderID, tradeID *int64, details interface{}) error
}

// Engine is the single entry point for order flow: Submit validates,
// crosses against the book and/or company inventory, and settles every
// resulting match in one transaction.
type Engine struct {
	db     *sql.DB
	locks  *locking.Manager
	books  *bookCache
	orders *OrderRepository
	trades *TradeRepository

	instruments *instruments.Repository
	ledger      *ledger.Repository
	calendar    *calendar.Repository
	regs        *regulations.Repository
	audit       auditLog
	notify      *notifications.Sink
	surveil     *surveillance.Monitor

	log zerolog.Logger
}

func New(
	db *sql.DB,
	locks *locking.Manager,
	orders *OrderRepository,
	trades *TradeRepository,
	instr *instruments.Repository,
	ldg *ledger.Repository,
	cal *calendar.Repository,
	regs *regulations.Repository,
	auditLog auditLog,
	notify *notifications.Sink,
	surveil *surveillance.Monitor,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		db:          db,
		locks:       locks,
		books:       newBookCache(orders),
		orders:      orders,
		trades:      trades,
		instruments: instr,
		ledger:      ldg,
		calendar:    cal,
		regs:        regs,
		audit:       auditLog,
		notify:      notify,
		surveil:     surveil,
		log:         log.With().Str("component", "matching").Logger(),
	}
}

// SubmitRequest is the validated intent behind POST /orders and the
// direct-buy path.
type SubmitRequest struct {
	UserID         int64
	InstrumentID   int64
	Side           domain.Side
	Kind           domain.OrderKind
	LimitPrice     *decimal.Decimal
	Qty            int64
	Administrative bool // skips the working-window check
}

type SubmitResult struct {
	Order  *domain.Order
	Trades []*domain.Trade
}

type pendingNotification struct {
	userID  int64
	kind    string
	message string
}

// Submit runs the full intake → crossing → company-fallback → residual
// pipeline, committing every write in one transaction.
func (e *Engine) Submit(req SubmitRequest) (*SubmitResult, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", domain.ErrValidation)
	}
	if req.Kind == domain.KindLimit && req.LimitPrice == nil {
		return nil, fmt.Errorf("%w: limit order requires limit_price", domain.ErrValidation)
	}

	instrumentKey := locking.InstrumentKey(req.InstrumentID)
	if err := e.locks.Acquire(instrumentKey); err != nil {
		return nil, err
	}
	defer e.locks.Release(instrumentKey)

	book, err := e.books.get(req.InstrumentID)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin submit tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	in, err := e.instruments.GetTx(tx, req.InstrumentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := e.intakeChecks(tx, req, in, now); err != nil {
		return nil, err
	}

	order := &domain.Order{
		UserID:       req.UserID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Kind:         req.Kind,
		LimitPrice:   req.LimitPrice,
		QtyOriginal:  req.Qty,
		QtyRemaining: req.Qty,
		FeeAccrued:   decimal.Zero,
		Status:       domain.StatusPending,
	}
	order, err = e.orders.Create(tx, order)
	if err != nil {
		return nil, err
	}
	// Ties the OrderCreated audit entry to the debug log line below; each
	// submission attempt draws a fresh id.
	submissionID := uuid.NewString()
	if err := e.audit.Append(tx, "OrderCreated", &order.ID, nil, map[string]interface{}{
		"submission_id": submissionID,
		"user_id":       order.UserID, "instrument_id": order.InstrumentID, "side": order.Side,
		"kind": order.Kind, "qty": order.QtyOriginal,
	}); err != nil {
		return nil, err
	}
	e.log.Debug().Str("submission_id", submissionID).Int64("order_id", order.ID).Msg("order accepted")

	var trades []*domain.Trade
	var pendingNotes []pendingNotification
	remaining := req.Qty

	remaining, trades, pendingNotes, err = e.cross(tx, book, order, in, remaining)
	if err != nil {
		return nil, err
	}

	if order.Side == domain.SideBuy && remaining > 0 {
		var companyTrade *domain.Trade
		var note *pendingNotification
		remaining, companyTrade, note, err = e.companyFallback(tx, order, in, remaining)
		if err != nil {
			return nil, err
		}
		if companyTrade != nil {
			trades = append(trades, companyTrade)
			pendingNotes = append(pendingNotes, *note)
		}
	}

	if err := e.resolveResidual(tx, book, order, remaining, len(trades) > 0); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit tx: %w", err)
	}
	committed = true

	for _, n := range pendingNotes {
		if err := e.notify.Notify(n.userID, n.kind, n.message); err != nil {
			e.log.Warn().Err(err).Msg("notification dispatch failed, continuing")
		}
	}
	for _, t := range trades {
		if err := e.surveil.Evaluate(t); err != nil {
			e.log.Warn().Err(err).Int64("trade_id", t.ID).Msg("surveillance evaluation failed, continuing")
		}
	}

	final, err := e.orders.Get(order.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Order: final, Trades: trades}, nil
}

func (e *Engine) intakeChecks(tx *sql.Tx, req SubmitRequest, in *domain.Instrument, now time.Time) error {
	suspended, err := e.regs.IsSuspended(req.UserID, req.InstrumentID)
	if err != nil {
		return err
	}
	if suspended {
		return fmt.Errorf("%w: user %d", domain.ErrSuspendedTrader, req.UserID)
	}

	if !req.Administrative {
		within, err := e.calendar.IsWithinWindow(now)
		if err != nil {
			return err
		}
		if !within {
			return fmt.Errorf("%w: %s", domain.ErrOutsideWindow, now.Format(time.RFC3339))
		}
	}

	dailyLimit, err := e.regs.GetInt("DailyTradeLimit", regulations.DefaultDailyTradeCount)
	if err != nil {
		return err
	}
	count, err := e.orders.DailyCount(req.UserID, now)
	if err != nil {
		return err
	}
	if count >= dailyLimit {
		return fmt.Errorf("%w: user %d has placed %d orders today", domain.ErrDailyCountExceeded, req.UserID, count)
	}

	amountLimit, err := e.regs.GetDecimal("DailyTradeAmountLimit", regulations.DefaultDailyTradedAmount)
	if err != nil {
		return err
	}
	traded, err := e.orders.DailyTradedAmount(req.UserID, now)
	if err != nil {
		return err
	}
	effectivePrice := in.CurrentPrice
	if req.LimitPrice != nil {
		effectivePrice = *req.LimitPrice
	}
	hypothetical := domain.Notional(decimal.NewFromInt(req.Qty), effectivePrice)
	if traded.Add(hypothetical).GreaterThan(amountLimit) {
		return fmt.Errorf("%w: user %d", domain.ErrDailyAmountExceed, req.UserID)
	}

	if req.Side == domain.SideBuy {
		user, err := e.ledger.GetUser(req.UserID)
		if err != nil {
			return err
		}
		required := domain.Notional(decimal.NewFromInt(req.Qty), effectivePrice)
		if user.CashBalance.LessThan(required) {
			return fmt.Errorf("%w: user %d", domain.ErrInsufficientCash, req.UserID)
		}
	} else {
		net, err := e.orders.NetLongPosition(req.UserID, req.InstrumentID)
		if err != nil {
			return err
		}
		if net < req.Qty {
			return fmt.Errorf("%w: user %d holds %d, order requests %d", domain.ErrInsufficientShares, req.UserID, net, req.Qty)
		}
	}
	return nil
}

// cross walks the opposite side of the book best-price-first, executing
// matches at the resting side's price until the aggressor is filled or
// no more eligible resting orders remain.
func (e *Engine) cross(tx *sql.Tx, book *orderbook.Book, order *domain.Order, in *domain.Instrument, remaining int64) (int64, []*domain.Trade, []pendingNotification, error) {
	var trades []*domain.Trade
	var notes []pendingNotification

	for remaining > 0 {
		opposite := book.BestOpposite(order.Side)
		if opposite == nil {
			break
		}
		if order.Kind == domain.KindLimit {
			if order.Side == domain.SideBuy && opposite.Price.GreaterThan(*order.LimitPrice) {
				break
			}
			if order.Side == domain.SideSell && opposite.Price.LessThan(*order.LimitPrice) {
				break
			}
		}

		fillQty := remaining
		if opposite.QtyRemaining < fillQty {
			fillQty = opposite.QtyRemaining
		}

		trade, note, err := e.settleAgainstResting(tx, order, opposite, fillQty)
		if err != nil {
			return 0, nil, nil, err
		}
		trades = append(trades, trade)
		notes = append(notes, note...)

		book.Reduce(opposite.OrderID, fillQty)
		remaining -= fillQty
	}
	return remaining, trades, notes, nil
}

// settleAgainstResting executes one match between the aggressor order
// and a resting book entry. The resting side dictates the trade price.
func (e *Engine) settleAgainstResting(tx *sql.Tx, order *domain.Order, resting *orderbook.Entry, qty int64) (*domain.Trade, []pendingNotification, error) {
	var buyOrderID, sellOrderID int64
	var buyerID, sellerID int64
	if order.Side == domain.SideBuy {
		buyOrderID, buyerID = order.ID, order.UserID
		sellOrderID, sellerID = resting.OrderID, resting.UserID
	} else {
		buyOrderID, buyerID = resting.OrderID, resting.UserID
		sellOrderID, sellerID = order.ID, order.UserID
	}

	release, err := e.locks.AcquireUsers(buyerID, sellerID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	price := resting.Price
	fee := domain.Fee(decimal.NewFromInt(qty), price)
	notional := domain.Notional(decimal.NewFromInt(qty), price)

	if err := e.ledger.AdjustCash(tx, buyerID, notional.Add(fee).Neg()); err != nil {
		return nil, nil, err
	}
	if err := e.ledger.AdjustCash(tx, sellerID, notional.Sub(fee)); err != nil {
		return nil, nil, err
	}
	if err := e.ledger.ApplyBuy(tx, buyerID, order.InstrumentID, qty, price); err != nil {
		return nil, nil, err
	}
	if err := e.ledger.ApplySell(tx, sellerID, order.InstrumentID, qty); err != nil {
		return nil, nil, err
	}

	trade, err := e.trades.Create(tx, &domain.Trade{
		BuyOrderID: buyOrderID, SellOrderID: &sellOrderID,
		BuyerID: buyerID, SellerID: &sellerID,
		InstrumentID: order.InstrumentID, Qty: qty, Price: price,
		BuyerFee: fee, SellerFee: fee,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := e.orders.ApplyFill(tx, order.ID, qty, fee); err != nil {
		return nil, nil, err
	}
	if err := e.orders.ApplyFill(tx, resting.OrderID, qty, fee); err != nil {
		return nil, nil, err
	}
	if err := e.audit.Append(tx, "TradeExecuted", &order.ID, &trade.ID, map[string]interface{}{
		"buyer_id": buyerID, "seller_id": sellerID, "instrument_id": order.InstrumentID,
		"qty": qty, "price": price.String(), "fee": fee.String(),
	}); err != nil {
		return nil, nil, err
	}
	if err := e.audit.Append(tx, "TradeExecuted", &resting.OrderID, &trade.ID, map[string]interface{}{
		"buyer_id": buyerID, "seller_id": sellerID, "instrument_id": order.InstrumentID,
		"qty": qty, "price": price.String(), "fee": fee.String(), "resting": true,
	}); err != nil {
		return nil, nil, err
	}

	notes := []pendingNotification{
		{userID: buyerID, kind: "trade_executed", message: fmt.Sprintf("bought %d @ %s", qty, price.String())},
		{userID: sellerID, kind: "trade_executed", message: fmt.Sprintf("sold %d @ %s", qty, price.String())},
	}
	return trade, notes, nil
}

// companyFallback executes the residual of a buy against company
// inventory at current_price. The trade prices at current_price even for
// a limit order whose limit_price is higher — the limit only gates
// eligibility, never the price the issuer sells at.
func (e *Engine) companyFallback(tx *sql.Tx, order *domain.Order, in *domain.Instrument, remaining int64) (int64, *domain.Trade, *pendingNotification, error) {
	eligible := order.Kind == domain.KindMarket
	if order.Kind == domain.KindLimit {
		eligible = order.LimitPrice.GreaterThanOrEqual(in.CurrentPrice)
	}
	if !eligible {
		return remaining, nil, nil, nil
	}

	fillQty := remaining
	if in.AvailableShares < fillQty {
		fillQty = in.AvailableShares
	}
	if fillQty <= 0 {
		return remaining, nil, nil, nil
	}

	release, err := e.locks.AcquireUsers(order.UserID, order.UserID)
	if err != nil {
		return 0, nil, nil, err
	}
	defer release()

	price := in.CurrentPrice
	fee := domain.Fee(decimal.NewFromInt(fillQty), price)
	notional := domain.Notional(decimal.NewFromInt(fillQty), price)

	if err := e.ledger.AdjustCash(tx, order.UserID, notional.Add(fee).Neg()); err != nil {
		return 0, nil, nil, err
	}
	if err := e.ledger.ApplyBuy(tx, order.UserID, order.InstrumentID, fillQty, price); err != nil {
		return 0, nil, nil, err
	}
	if err := e.instruments.DecrementInventory(tx, order.InstrumentID, fillQty); err != nil {
		return 0, nil, nil, err
	}

	trade, err := e.trades.Create(tx, &domain.Trade{
		BuyOrderID: order.ID, SellOrderID: nil,
		BuyerID: order.UserID, SellerID: nil,
		InstrumentID: order.InstrumentID, Qty: fillQty, Price: price,
		BuyerFee: fee, SellerFee: decimal.Zero,
	})
	if err != nil {
		return 0, nil, nil, err
	}
	if err := e.orders.ApplyFill(tx, order.ID, fillQty, fee); err != nil {
		return 0, nil, nil, err
	}
	if err := e.audit.Append(tx, "TradeExecuted", &order.ID, &trade.ID, map[string]interface{}{
		"buyer_id": order.UserID, "instrument_id": order.InstrumentID,
		"qty": fillQty, "price": price.String(), "fee": fee.String(), "counterparty": "company",
	}); err != nil {
		return 0, nil, nil, err
	}

	note := pendingNotification{userID: order.UserID, kind: "trade_executed", message: fmt.Sprintf("bought %d @ %s from inventory", fillQty, price.String())}
	return remaining - fillQty, trade, &note, nil
}

// resolveResidual decides what happens to whatever is left after
// crossing and company fallback: limit residuals rest, market-buy
// residuals are cancelled, market-sell residuals stay pending for the
// sweeper. The order row is re-read here because ApplyFill
// has been accruing fees on it during the match — writing the stale
// in-memory copy back would zero them.
func (e *Engine) resolveResidual(tx *sql.Tx, book *orderbook.Book, order *domain.Order, remaining int64, hadFills bool) error {
	if remaining <= 0 {
		return nil
	}

	current, err := e.orders.GetTx(tx, order.ID)
	if err != nil {
		return err
	}

	if order.Kind == domain.KindLimit {
		status := domain.StatusPending
		if hadFills {
			status = domain.StatusPartial
		}
		if err := e.orders.UpdateFill(tx, order.ID, remaining, current.FeeAccrued, status); err != nil {
			return err
		}
		book.Insert(order.Side, &orderbook.Entry{
			OrderID: order.ID, UserID: order.UserID, Price: *order.LimitPrice, QtyRemaining: remaining,
		})
		return nil
	}

	if order.Side == domain.SideBuy {
		if err := e.orders.UpdateFill(tx, order.ID, remaining, current.FeeAccrued, domain.StatusCancelled); err != nil {
			return err
		}
		return e.audit.Append(tx, "OrderStatusChanged", &order.ID, nil, map[string]interface{}{"reason": "unfilled-market-buy-residual"})
	}

	// Market sell residual: stays resting (not in the book, since it has
	// no price to rest at) until the session sweeper cancels it.
	status := domain.StatusPending
	if hadFills {
		status = domain.StatusPartial
	}
	return e.orders.UpdateFill(tx, order.ID, remaining, current.FeeAccrued, status)
}

// Cancel removes a resting order from the book and marks it Cancelled in
// the orders table, recording the cancellation. It takes the same instrument lock
// matching holds, so a cancel can never race a concurrent match on the
// same resting order.
func (e *Engine) Cancel(orderID int64) error {
	order, err := e.orders.Get(orderID)
	if err != nil {
		return err
	}
	if !order.Status.Resting() {
		return fmt.Errorf("%w: order %d is not resting", domain.ErrConflict, orderID)
	}

	instrumentKey := locking.InstrumentKey(order.InstrumentID)
	if err := e.locks.Acquire(instrumentKey); err != nil {
		return err
	}
	defer e.locks.Release(instrumentKey)

	// Re-read under the lock: a match may have filled it since the check above.
	if order, err = e.orders.Get(orderID); err != nil {
		return err
	}
	if !order.Status.Resting() {
		return fmt.Errorf("%w: order %d is not resting", domain.ErrConflict, orderID)
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cancel tx: %w", err)
	}
	if err := e.orders.Cancel(tx, orderID); err != nil {
		tx.Rollback()
		return err
	}
	if err := e.audit.Append(tx, "OrderStatusChanged", &orderID, nil, map[string]interface{}{"reason": "user-cancelled"}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel tx: %w", err)
	}

	book, err := e.books.get(order.InstrumentID)
	if err != nil {
		return err
	}
	book.Cancel(orderID)
	return nil
}

// Book exposes the instrument's in-memory book to the session sweeper,
// which needs to clear every resting order when a session closes.
func (e *Engine) Book(instrumentID int64) (*orderbook.Book, error) {
	return e.books.get(instrumentID)
}
