package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Hasnain410/forex-live-trader/internal/config"
	"github.com/Hasnain410/forex-live-trader/internal/forex"
)

// Open persists a new position with null outcome fields and returns its id.
func (s *Store) Open(t *Trade) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(t).Error; err != nil {
		return "", fmt.Errorf("open position: %w", err)
	}
	return t.ID, nil
}

// Get loads a trade by id.
func (s *Store) Get(id string) (*Trade, error) {
	var t Trade
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ActiveTrades returns positions without a terminal outcome.
func (s *Store) ActiveTrades() ([]Trade, error) {
	var trades []Trade
	err := s.db.Where("verified_at IS NULL").Order("created_at ASC").Find(&trades).Error
	return trades, err
}

// RecentTrades returns the latest closed and open positions.
func (s *Store) RecentTrades(limit int) ([]Trade, error) {
	var trades []Trade
	err := s.db.Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// Close finalizes a position and settles the account in one transaction.
//
// Stop exits fill 0.5 pips worse than the trigger, limit and timeout exits
// 0.1 pips worse. Cash P/L converts net pips through the pair's pip value
// and subtracts roundtrip commission. Calling Close on an already-closed
// position returns the stored trade with ErrPositionClosed and changes
// nothing.
func (s *Store) Close(id string, exitPrice float64, outcome Outcome, wasStopExit bool) (*Trade, error) {
	var closed *Trade

	run := func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var t Trade
			if err := tx.First(&t, "id = ?", id).Error; err != nil {
				return fmt.Errorf("load position: %w", err)
			}
			if t.Closed() {
				closed = &t
				return ErrPositionClosed
			}

			slippage := config.ExitTPSlippagePips
			if wasStopExit {
				slippage = config.ExitSLSlippagePips
			}

			rawPips := forex.PriceToPips(exitPrice-t.EntryPrice, t.Pair)
			if t.Direction == Short {
				rawPips = -rawPips
			}
			netPips := rawPips - slippage

			pipCash := forex.PipCashPerLot(t.Pair)
			gross := decimal.NewFromFloat(netPips).Mul(pipCash).Mul(t.LotSize)
			commission := s.commissionPerLot.Mul(t.LotSize).Mul(decimal.NewFromInt(2))
			netCash := gross.Sub(commission).Round(2)

			now := time.Now().UTC()
			t.ExitPrice = &exitPrice
			t.Outcome = outcome
			t.PnlPips = &netPips
			t.PnlCash = netCash
			t.Commission = commission.Round(2)
			t.VerifiedAt = &now
			if err := tx.Save(&t).Error; err != nil {
				return fmt.Errorf("save position: %w", err)
			}

			var acct Account
			if err := tx.First(&acct, 1).Error; err != nil {
				return fmt.Errorf("load account: %w", err)
			}

			acct.Balance = acct.Balance.Add(netCash)
			acct.TotalTrades++
			switch outcome {
			case OutcomeWin:
				acct.WinningTrades++
			case OutcomeLoss:
				acct.LosingTrades++
			}
			if acct.Balance.GreaterThan(acct.PeakBalance) {
				acct.PeakBalance = acct.Balance
			}
			if acct.PeakBalance.IsPositive() {
				dd := acct.PeakBalance.Sub(acct.Balance).
					Div(acct.PeakBalance).
					Mul(decimal.NewFromInt(100)).Round(4)
				if dd.GreaterThan(acct.MaxDrawdownPct) {
					acct.MaxDrawdownPct = dd
				}
			}
			acct.LastUpdated = now
			if err := tx.Save(&acct).Error; err != nil {
				return fmt.Errorf("save account: %w", err)
			}

			closed = &t
			return nil
		})
	}

	err := run()
	if err != nil && isTransient(err) {
		err = run()
	}
	if errors.Is(err, ErrPositionClosed) {
		return closed, ErrPositionClosed
	}
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// isTransient matches serialization conflicts worth one immediate retry.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "could not serialize")
}

// Snapshot is the account view served to the dashboard.
type Snapshot struct {
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	WinRatePct     decimal.Decimal `json:"win_rate_pct"`
	PnlCash        decimal.Decimal `json:"pnl_cash"`
	PnlPct         decimal.Decimal `json:"pnl_pct"`
	PeakBalance    decimal.Decimal `json:"peak_balance"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// AccountSnapshot returns the account with derived win rate and P/L percent.
// Win rate counts only decided trades; timeouts and breakevens are excluded.
func (s *Store) AccountSnapshot() (*Snapshot, error) {
	var acct Account
	if err := s.db.First(&acct, 1).Error; err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	snap := &Snapshot{
		Balance:        acct.Balance,
		InitialBalance: acct.InitialBalance,
		TotalTrades:    acct.TotalTrades,
		WinningTrades:  acct.WinningTrades,
		LosingTrades:   acct.LosingTrades,
		PeakBalance:    acct.PeakBalance,
		MaxDrawdownPct: acct.MaxDrawdownPct,
		LastUpdated:    acct.LastUpdated,
	}

	snap.PnlCash = acct.Balance.Sub(acct.InitialBalance)
	if acct.InitialBalance.IsPositive() {
		snap.PnlPct = snap.PnlCash.Div(acct.InitialBalance).Mul(decimal.NewFromInt(100)).Round(2)
	}
	if decided := acct.WinningTrades + acct.LosingTrades; decided > 0 {
		snap.WinRatePct = decimal.NewFromInt(int64(acct.WinningTrades)).
			Div(decimal.NewFromInt(int64(decided))).
			Mul(decimal.NewFromInt(100)).Round(2)
	}
	return snap, nil
}
