package matching

import (
	"fmt"

	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/locking"
	"github.com/aristath/exchange-sim/internal/modules/orderbook"
)

// MatchPending re-runs every resting limit order for an instrument
// through the crossing path, oldest first. Books can end up crossed when
// one side rested outside the other's window of eligibility — e.g. a bid
// inserted while the asks above it were still being validated — and the
// match_pending_orders job calls this to let those orders trade. Returns
// the number of trades executed.
func (e *Engine) MatchPending(instrumentID int64) (int, error) {
	key := locking.InstrumentKey(instrumentID)
	if err := e.locks.Acquire(key); err != nil {
		return 0, err
	}
	defer e.locks.Release(key)

	book, err := e.books.get(instrumentID)
	if err != nil {
		return 0, err
	}

	resting, err := e.orders.RestingByInstrument(instrumentID)
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, o := range resting {
		if o.LimitPrice == nil {
			continue // market residuals have no price to cross at; the sweeper owns them
		}
		n, err := e.rematchOne(book, o)
		if err != nil {
			return executed, err
		}
		executed += n
	}
	return executed, nil
}

// rematchOne lifts one resting order out of the book, plays it as the
// aggressor against the opposite side, and re-inserts any residual. The
// same settlement path as Submit runs underneath, so fees, portfolio
// updates, audit entries, and surveillance all behave identically.
func (e *Engine) rematchOne(book *orderbook.Book, o *domain.Order) (int, error) {
	book.Cancel(o.ID)

	tx, err := e.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin rematch tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	in, err := e.instruments.GetTx(tx, o.InstrumentID)
	if err != nil {
		return 0, err
	}

	remaining, trades, notes, err := e.cross(tx, book, o, in, o.QtyRemaining)
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		// Nothing crossed; put the entry back untouched and walk away.
		book.Insert(o.Side, &orderbook.Entry{
			OrderID: o.ID, UserID: o.UserID, Price: *o.LimitPrice, QtyRemaining: o.QtyRemaining,
		})
		return 0, nil
	}

	if err := e.resolveResidual(tx, book, o, remaining, true); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rematch tx: %w", err)
	}
	committed = true

	for _, n := range notes {
		if err := e.notify.Notify(n.userID, n.kind, n.message); err != nil {
			e.log.Warn().Err(err).Msg("notification dispatch failed, continuing")
		}
	}
	for _, t := range trades {
		if err := e.surveil.Evaluate(t); err != nil {
			e.log.Warn().Err(err).Int64("trade_id", t.ID).Msg("surveillance evaluation failed, continuing")
		}
	}
	return len(trades), nil
}
