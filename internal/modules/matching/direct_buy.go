package matching

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/locking"
)

// DirectBuyRequest is the body of POST /direct_buy: a company sale
// straight from inventory, bypassing the book entirely.
type DirectBuyRequest struct {
	UserID         int64
	InstrumentID   int64
	Qty            int64
	Administrative bool
}

// DirectBuy reuses the settlement path with a synthetic, fully-filled
// Buy order and no sell order — the company is the seller — capped at
// the instrument's max_direct_buy per trader per order.
func (e *Engine) DirectBuy(req DirectBuyRequest) (*SubmitResult, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", domain.ErrValidation)
	}

	key := locking.InstrumentKey(req.InstrumentID)
	if err := e.locks.Acquire(key); err != nil {
		return nil, err
	}
	defer e.locks.Release(key)

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin direct buy tx: %w", err)
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
	if in.MaxDirectBuy > 0 && req.Qty > in.MaxDirectBuy {
		return nil, fmt.Errorf("%w: qty %d exceeds max_direct_buy %d", domain.ErrValidation, req.Qty, in.MaxDirectBuy)
	}
	if req.Qty > in.AvailableShares {
		return nil, fmt.Errorf("%w: instrument %d", domain.ErrInventoryExhausted, req.InstrumentID)
	}

	now := time.Now()
	if err := e.intakeChecks(tx, SubmitRequest{
		UserID: req.UserID, InstrumentID: req.InstrumentID, Side: domain.SideBuy, Kind: domain.KindMarket,
		Qty: req.Qty, Administrative: req.Administrative,
	}, in, now); err != nil {
		return nil, err
	}

	order := &domain.Order{
		UserID: req.UserID, InstrumentID: req.InstrumentID, Side: domain.SideBuy, Kind: domain.KindMarket,
		QtyOriginal: req.Qty, QtyRemaining: req.Qty, FeeAccrued: decimal.Zero, Status: domain.StatusPending,
	}
	order, err = e.orders.Create(tx, order)
	if err != nil {
		return nil, err
	}

	price := in.CurrentPrice
	fee := domain.Fee(decimal.NewFromInt(req.Qty), price)
	notional := domain.Notional(decimal.NewFromInt(req.Qty), price)

	if err := e.ledger.AdjustCash(tx, req.UserID, notional.Add(fee).Neg()); err != nil {
		return nil, err
	}
	if err := e.ledger.ApplyBuy(tx, req.UserID, req.InstrumentID, req.Qty, price); err != nil {
		return nil, err
	}
	if err := e.instruments.DecrementInventory(tx, req.InstrumentID, req.Qty); err != nil {
		return nil, err
	}

	trade, err := e.trades.Create(tx, &domain.Trade{
		BuyOrderID: order.ID, SellOrderID: nil, BuyerID: req.UserID, SellerID: nil,
		InstrumentID: req.InstrumentID, Qty: req.Qty, Price: price, BuyerFee: fee, SellerFee: decimal.Zero,
	})
	if err != nil {
		return nil, err
	}
	if err := e.orders.UpdateFill(tx, order.ID, 0, fee, domain.StatusFilled); err != nil {
		return nil, err
	}
	if err := e.audit.Append(tx, "TradeExecuted", &order.ID, &trade.ID, map[string]interface{}{
		"buyer_id": req.UserID, "instrument_id": req.InstrumentID, "qty": req.Qty,
		"price": price.String(), "fee": fee.String(), "counterparty": "company", "path": "direct_buy",
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit direct buy tx: %w", err)
	}
	committed = true

	if err := e.notify.Notify(req.UserID, "trade_executed", fmt.Sprintf("direct-bought %d @ %s", req.Qty, price.String())); err != nil {
		e.log.Warn().Err(err).Msg("notification dispatch failed, continuing")
	}
	if err := e.surveil.Evaluate(trade); err != nil {
		e.log.Warn().Err(err).Int64("trade_id", trade.ID).Msg("surveillance evaluation failed, continuing")
	}

	final, err := e.orders.Get(order.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Order: final, Trades: []*domain.Trade{trade}}, nil
}
