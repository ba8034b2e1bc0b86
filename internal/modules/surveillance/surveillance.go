// Package surveillance runs three post-trade checks (unusual volume,
// price deviation, trade frequency) against every newly created Trade.
// It is read-only aside from inserting SuspiciousActivity rows and never
// aborts settlement — an error here is logged and swallowed by the
// caller. Flag, don't block.
package surveillance

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/regulations"
)

type Monitor struct {
	db          *sql.DB
	instruments *instruments.Repository
	regs        *regulations.Repository
}

func New(db *sql.DB, instr *instruments.Repository, regs *regulations.Repository) *Monitor {
	return &Monitor{db: db, instruments: instr, regs: regs}
}

// Evaluate runs the three rules against a just-settled trade and records
// a SuspiciousActivity carrying every reason that fired. Thresholds come
// from the regulation store, falling back to the package defaults.
func (m *Monitor) Evaluate(t *domain.Trade) error {
	var reasons []string

	if r, err := m.checkVolume(t); err != nil {
		return err
	} else if r != "" {
		reasons = append(reasons, r)
	}

	if r, err := m.checkPriceDeviation(t); err != nil {
		return err
	} else if r != "" {
		reasons = append(reasons, r)
	}

	if r, err := m.checkFrequency(t); err != nil {
		return err
	} else if r != "" {
		reasons = append(reasons, r)
	}

	if len(reasons) == 0 {
		return nil
	}
	return m.record(t.ID, reasons)
}

func (m *Monitor) checkVolume(t *domain.Trade) (string, error) {
	ratio, err := m.regs.GetDecimal("VolumeRatio", regulations.DefaultVolumeRatio)
	if err != nil {
		return "", err
	}
	in, err := m.instruments.Get(t.InstrumentID)
	if err != nil {
		return "", err
	}
	var historical sql.NullInt64
	if err := m.db.QueryRow(`SELECT SUM(qty) FROM trades WHERE instrument_id = ?`, t.InstrumentID).Scan(&historical); err != nil {
		return "", fmt.Errorf("historical volume: %w", err)
	}
	base := decimal.NewFromInt(in.AvailableShares).Add(decimal.NewFromInt(historical.Int64))
	threshold := ratio.Mul(base)
	if decimal.NewFromInt(t.Qty).GreaterThan(threshold) {
		return fmt.Sprintf("unusual volume: qty %d exceeds %s%% of %s available+historical shares",
			t.Qty, ratio.Mul(decimal.NewFromInt(100)).String(), base.String()), nil
	}
	return "", nil
}

func (m *Monitor) checkPriceDeviation(t *domain.Trade) (string, error) {
	deviation, err := m.regs.GetDecimal("PriceDeviation", regulations.DefaultPriceDeviation)
	if err != nil {
		return "", err
	}
	rows, err := m.db.Query(`SELECT price FROM trades WHERE instrument_id = ?`, t.InstrumentID)
	if err != nil {
		return "", fmt.Errorf("list trade prices: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	var count int64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return "", fmt.Errorf("scan trade price: %w", err)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return "", fmt.Errorf("parse trade price: %w", err)
		}
		sum = sum.Add(price)
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if count == 0 {
		return "", nil
	}
	avg := sum.Div(decimal.NewFromInt(count))
	if avg.IsZero() {
		return "", nil
	}
	delta := t.Price.Sub(avg).Abs()
	threshold := deviation.Mul(avg)
	if delta.GreaterThan(threshold) {
		return fmt.Sprintf("price deviation: %s deviates more than %s%% from average %s",
			t.Price.String(), deviation.Mul(decimal.NewFromInt(100)).String(), avg.String()), nil
	}
	return "", nil
}

func (m *Monitor) checkFrequency(t *domain.Trade) (string, error) {
	threshold, err := m.regs.GetInt("FreqThreshold", regulations.DefaultFreqThreshold)
	if err != nil {
		return "", err
	}
	windowMinutes, err := m.regs.GetInt("FreqWindow", regulations.DefaultFreqWindowMinutes)
	if err != nil {
		return "", err
	}
	window := time.Duration(windowMinutes) * time.Minute
	since := t.ExecutedAt.Add(-window)

	count, err := m.countUserTradesSince(t.BuyerID, t.InstrumentID, since)
	if err != nil {
		return "", err
	}
	if t.SellerID != nil {
		sellerCount, err := m.countUserTradesSince(*t.SellerID, t.InstrumentID, since)
		if err != nil {
			return "", err
		}
		if sellerCount > count {
			count = sellerCount
		}
	}
	if count >= threshold {
		return fmt.Sprintf("frequency: %d trades of instrument %d within %d minutes", count, t.InstrumentID, windowMinutes), nil
	}
	return "", nil
}

func (m *Monitor) countUserTradesSince(userID, instrumentID int64, since time.Time) (int64, error) {
	var count int64
	err := m.db.QueryRow(`
		SELECT COUNT(*) FROM trades
		WHERE instrument_id = ? AND (buyer_id = ? OR seller_id = ?) AND executed_at >= ?
	`, instrumentID, userID, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count trades since: %w", err)
	}
	return count, nil
}

func (m *Monitor) record(tradeID int64, reasons []string) error {
	_, err := m.db.Exec(`INSERT INTO suspicious_activities (trade_id, reasons) VALUES (?, ?)`,
		tradeID, strings.Join(reasons, "; "))
	if err != nil {
		return fmt.Errorf("record suspicious activity: %w", err)
	}
	return nil
}
