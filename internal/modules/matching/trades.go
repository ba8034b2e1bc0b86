package matching

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
)

type TradeRepository struct {
	db *sql.DB
}

func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

func (r *TradeRepository) Create(tx *sql.Tx, t *domain.Trade) (*domain.Trade, error) {
	res, err := tx.Exec(`
		INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, instrument_id, qty, price, buyer_fee, seller_fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, t.InstrumentID, t.Qty,
		t.Price.String(), t.BuyerFee.String(), t.SellerFee.String())
	if err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("trade id: %w", err)
	}
	return r.GetTx(tx, id)
}

const tradeSelect = `SELECT id, buy_order_id, sell_order_id, buyer_id, seller_id, instrument_id, qty, price, buyer_fee, seller_fee, executed_at FROM trades`

func (r *TradeRepository) GetTx(tx *sql.Tx, id int64) (*domain.Trade, error) {
	return r.scanOne(tx.QueryRow(tradeSelect+` WHERE id = ?`, id))
}

func (r *TradeRepository) Get(id int64) (*domain.Trade, error) {
	return r.scanOne(r.db.QueryRow(tradeSelect+` WHERE id = ?`, id))
}

func (r *TradeRepository) scanOne(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var price, buyerFee, sellerFee string
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.InstrumentID,
		&t.Qty, &price, &buyerFee, &sellerFee, &t.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	var derr error
	if t.Price, derr = decimal.NewFromString(price); derr != nil {
		return nil, fmt.Errorf("parse trade price: %w", derr)
	}
	if t.BuyerFee, derr = decimal.NewFromString(buyerFee); derr != nil {
		return nil, fmt.Errorf("parse buyer fee: %w", derr)
	}
	if t.SellerFee, derr = decimal.NewFromString(sellerFee); derr != nil {
		return nil, fmt.Errorf("parse seller fee: %w", derr)
	}
	return &t, nil
}

// ByUser lists trades where userID was buyer or seller, most recent first.
func (r *TradeRepository) ByUser(userID int64) ([]*domain.Trade, error) {
	rows, err := r.db.Query(tradeSelect+` WHERE buyer_id = ? OR seller_id = ? ORDER BY executed_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list user trades: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *TradeRepository) scanAll(rows *sql.Rows) ([]*domain.Trade, error) {
	var out []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var price, buyerFee, sellerFee string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.InstrumentID,
			&t.Qty, &price, &buyerFee, &sellerFee, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		var derr error
		if t.Price, derr = decimal.NewFromString(price); derr != nil {
			return nil, fmt.Errorf("parse trade price: %w", derr)
		}
		if t.BuyerFee, derr = decimal.NewFromString(buyerFee); derr != nil {
			return nil, fmt.Errorf("parse buyer fee: %w", derr)
		}
		if t.SellerFee, derr = decimal.NewFromString(sellerFee); derr != nil {
			return nil, fmt.Errorf("parse seller fee: %w", derr)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ForInstrument lists every trade ever executed for an instrument,
// oldest first — used by surveillance and the dividend engine's FIFO
// reconstruction.
func (r *TradeRepository) ForInstrument(instrumentID int64) ([]*domain.Trade, error) {
	rows, err := r.db.Query(tradeSelect+` WHERE instrument_id = ? ORDER BY executed_at ASC`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list instrument trades: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ForInstrumentAndUser lists a single user's trades for an instrument,
// oldest first, for FIFO lot reconstruction.
func (r *TradeRepository) ForInstrumentAndUser(instrumentID, userID int64) ([]*domain.Trade, error) {
	rows, err := r.db.Query(tradeSelect+` WHERE instrument_id = ? AND (buyer_id = ? OR seller_id = ?) ORDER BY executed_at ASC`,
		instrumentID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list user instrument trades: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// DistinctHolders returns every user id that has ever bought instrumentID.
func (r *TradeRepository) DistinctHolders(instrumentID int64) ([]int64, error) {
	rows, err := r.db.Query(`SELECT DISTINCT buyer_id FROM trades WHERE instrument_id = ?`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list holders: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
