package dividends

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/internal/locking"
	"github.com/aristath/exchange-sim/internal/modules/instruments"
	"github.com/aristath/exchange-sim/internal/modules/ledger"
	"github.com/aristath/exchange-sim/internal/modules/matching"
)

type Service struct {
	db          *sql.DB
	locks       *locking.Manager
	repo        *Repository
	trades      *matching.TradeRepository
	instruments *instruments.Repository
	ledger      *ledger.Repository
	log         zerolog.Logger
}

func NewService(
	db *sql.DB,
	locks *locking.Manager,
	repo *Repository,
	trades *matching.TradeRepository,
	instr *instruments.Repository,
	ldg *ledger.Repository,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:          db,
		locks:       locks,
		repo:        repo,
		trades:      trades,
		instruments: instr,
		ledger:      ldg,
		log:         log.With().Str("component", "dividends").Logger(),
	}
}

// Holding is one user's day-weighted holding value within a fiscal
// window — either computed from FIFO lots or supplied verbatim by the
// caller of POST /dividends.
type Holding struct {
	UserID        int64           `json:"user_id"`
	WeightedValue decimal.Decimal `json:"weighted_value"`
}

// Disburse computes holdings server-side for the dividend's fiscal
// window and credits each eligible user's profit balance. A dividend
// already Disbursed is rejected, making re-invocation a no-op at the
// caller.
func (s *Service) Disburse(dividendID int64) (*domain.Dividend, error) {
	d, err := s.repo.Get(dividendID)
	if err != nil {
		return nil, err
	}

	start, end, err := domain.FiscalYearWindow(d.BudgetYear)
	if err != nil {
		return nil, err
	}

	holdings, err := s.computeHoldings(d.CompanyID, start, end)
	if err != nil {
		return nil, err
	}
	return s.disburse(d, holdings)
}

// DisburseWith credits from caller-supplied holding rows instead of the
// server-side FIFO computation — the POST /dividends fast path.
func (s *Service) DisburseWith(dividendID int64, holdings []Holding) (*domain.Dividend, error) {
	d, err := s.repo.Get(dividendID)
	if err != nil {
		return nil, err
	}
	return s.disburse(d, holdings)
}

// computeHoldings walks every instrument of the company, reconstructs
// each holder's FIFO lots, and sums day-weighted values clipped to the
// window. The per-instrument locks are held throughout so no settlement
// mutates the trade history mid-reconstruction.
func (s *Service) computeHoldings(companyID int64, start, end time.Time) ([]Holding, error) {
	all, err := s.instruments.All()
	if err != nil {
		return nil, err
	}

	weights := make(map[int64]decimal.Decimal)
	for _, in := range all {
		if in.CompanyID != companyID {
			continue
		}
		if err := s.accumulateInstrument(in, start, end, weights); err != nil {
			return nil, err
		}
	}

	users := make([]int64, 0, len(weights))
	for id := range weights {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	holdings := make([]Holding, 0, len(users))
	for _, id := range users {
		holdings = append(holdings, Holding{UserID: id, WeightedValue: weights[id]})
	}
	return holdings, nil
}

func (s *Service) accumulateInstrument(in *domain.Instrument, start, end time.Time, weights map[int64]decimal.Decimal) error {
	key := locking.InstrumentKey(in.ID)
	if err := s.locks.Acquire(key); err != nil {
		return err
	}
	defer s.locks.Release(key)

	holders, err := s.trades.DistinctHolders(in.ID)
	if err != nil {
		return err
	}
	for _, userID := range holders {
		trades, err := s.trades.ForInstrumentAndUser(in.ID, userID)
		if err != nil {
			return err
		}
		lots := ReconstructLots(userID, trades)
		for _, lot := range lots {
			w := lot.WeightedValue(start, end, in.CurrentPrice)
			if w.IsPositive() {
				weights[userID] = weights[userID].Add(w)
			}
		}
	}
	return nil
}

// disburse allocates total_amount over the holdings in one transaction:
// ratio = total / Σ weights to eight decimals, each credit rounded to
// cents, the rounding residue retained by the issuer.
func (s *Service) disburse(d *domain.Dividend, holdings []Holding) (*domain.Dividend, error) {
	wTotal := decimal.Zero
	for _, h := range holdings {
		wTotal = wTotal.Add(h.WeightedValue)
	}
	if !wTotal.IsPositive() {
		return nil, fmt.Errorf("%w: company %d year %s", domain.ErrNoEligibleHoldings, d.CompanyID, d.BudgetYear)
	}

	ratio := domain.Round8(d.TotalAmount.Div(wTotal))

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin disbursal tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	// Re-check status under the transaction: two concurrent disbursals of
	// the same dividend must not both credit.
	current, err := s.repo.GetTx(tx, d.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.DividendDisbursed {
		return nil, fmt.Errorf("%w: dividend %d", domain.ErrAlreadyDisbursed, d.ID)
	}

	for _, h := range holdings {
		if !h.WeightedValue.IsPositive() {
			continue
		}
		amount := domain.Round2(h.WeightedValue.Mul(ratio))
		if err := s.repo.InsertDistribution(tx, d.ID, h.UserID, amount); err != nil {
			return nil, err
		}
		if err := s.ledger.AdjustProfit(tx, h.UserID, amount); err != nil {
			return nil, err
		}
	}

	if err := s.repo.MarkDisbursed(tx, d.ID, ratio); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit disbursal tx: %w", err)
	}
	committed = true

	s.log.Info().Int64("dividend_id", d.ID).Str("ratio", ratio.String()).
		Int("recipients", len(holdings)).Msg("dividend disbursed")
	return s.repo.Get(d.ID)
}

// HoldingProjection is one row of GET /stocks/{id}/fifonet_holdings: the
// user's FIFO net-long position and its weighted value at the supplied
// price, plus whether the oldest open lot has been held long enough to
// qualify for a dividend.
type HoldingProjection struct {
	UserID           int64           `json:"user_id"`
	NetQty           int64           `json:"net_qty"`
	WeightedValue    decimal.Decimal `json:"weighted_value"`
	DividendEligible bool            `json:"dividend_eligible"`
}

// FIFONetHoldings projects every holder's open lots as of asOf, valuing
// them at price. minDays is the deployment's DividendEligibleMinDays.
func (s *Service) FIFONetHoldings(instrumentID int64, price decimal.Decimal, asOf time.Time, minDays int) ([]HoldingProjection, error) {
	holders, err := s.trades.DistinctHolders(instrumentID)
	if err != nil {
		return nil, err
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })

	var out []HoldingProjection
	for _, userID := range holders {
		trades, err := s.trades.ForInstrumentAndUser(instrumentID, userID)
		if err != nil {
			return nil, err
		}
		lots := ReconstructLots(userID, trades)

		p := HoldingProjection{UserID: userID, WeightedValue: decimal.Zero}
		var oldestDays int64
		for _, lot := range lots {
			if lot.Closed() {
				continue
			}
			p.NetQty += lot.Qty
			days := lot.DaysHeld(lot.BuyDate, asOf)
			if days > oldestDays {
				oldestDays = days
			}
			p.WeightedValue = p.WeightedValue.Add(
				decimal.NewFromInt(days).Div(daysPerYear).Mul(decimal.NewFromInt(lot.Qty)).Mul(price))
		}
		if p.NetQty == 0 {
			continue
		}
		p.DividendEligible = oldestDays >= int64(minDays)
		p.WeightedValue = domain.Round2(p.WeightedValue)
		out = append(out, p)
	}
	return out, nil
}
