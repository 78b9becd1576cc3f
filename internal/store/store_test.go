package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(
		filepath.Join(t.TempDir(), "test.db"),
		decimal.NewFromInt(10000),
		decimal.NewFromFloat(3.50),
		6,
	)
	require.NoError(t, err)
	return s
}

func openTrade(t *testing.T, s *Store, pair string, dir Direction, entry float64) *Trade {
	t.Helper()
	tr := &Trade{
		Pair:        pair,
		SessionID:   "London_Open",
		SessionTime: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
		Direction:   dir,
		Conviction:  7,
		EntryPrice:  entry,
		LotSize:     decimal.NewFromFloat(1.00),
		RiskPct:     decimal.NewFromFloat(1.55),
	}
	id, err := s.Open(tr)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return tr
}

func TestCloseWinSettlesAccount(t *testing.T) {
	s := newTestStore(t)
	tr := openTrade(t, s, "EURUSD", Long, 1.1000)

	closed, err := s.Close(tr.ID, 1.1050, OutcomeWin, false)
	require.NoError(t, err)

	// 50 raw pips, 0.1 limit slippage, $10/pip at 1.00 lots, $7 commission.
	require.NotNil(t, closed.PnlPips)
	assert.InDelta(t, 49.9, *closed.PnlPips, 1e-9)
	assert.Equal(t, "492", closed.PnlCash.String())
	assert.Equal(t, "7", closed.Commission.String())
	assert.True(t, closed.Closed())

	snap, err := s.AccountSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "10492", snap.Balance.String())
	assert.Equal(t, 1, snap.TotalTrades)
	assert.Equal(t, 1, snap.WinningTrades)
	assert.Equal(t, "100", snap.WinRatePct.String())
	assert.Equal(t, "10492", snap.PeakBalance.String())
	assert.Equal(t, "4.92", snap.PnlPct.String())
}

func TestCloseStopExitSlippage(t *testing.T) {
	s := newTestStore(t)
	tr := openTrade(t, s, "EURUSD", Long, 1.1000)

	closed, err := s.Close(tr.ID, 1.0950, OutcomeLoss, true)
	require.NoError(t, err)

	// -50 raw pips, 0.5 stop slippage.
	assert.InDelta(t, -50.5, *closed.PnlPips, 1e-9)

	snap, err := s.AccountSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.LosingTrades)
	assert.True(t, snap.MaxDrawdownPct.IsPositive())
	// A losing trade never moves the peak.
	assert.Equal(t, "10000", snap.PeakBalance.String())
}

func TestCloseTimeoutPipMath(t *testing.T) {
	s := newTestStore(t)
	tr := openTrade(t, s, "USDJPY", Long, 149.85)

	closed, err := s.Close(tr.ID, 150.00, OutcomeTimeout, false)
	require.NoError(t, err)
	assert.InDelta(t, 14.9, *closed.PnlPips, 1e-9)

	// Timeout counts in total but decides nothing.
	snap, err := s.AccountSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalTrades)
	assert.Equal(t, 0, snap.WinningTrades)
	assert.Equal(t, 0, snap.LosingTrades)
	assert.True(t, snap.WinRatePct.IsZero())
}

func TestCloseShortDirection(t *testing.T) {
	s := newTestStore(t)
	tr := openTrade(t, s, "GBPUSD", Short, 1.2700)

	closed, err := s.Close(tr.ID, 1.2650, OutcomeWin, false)
	require.NoError(t, err)
	assert.InDelta(t, 49.9, *closed.PnlPips, 1e-9)
}

func TestCloseIdempotent(t *testing.T) {
	s := newTestStore(t)
	tr := openTrade(t, s, "EURUSD", Long, 1.1000)

	first, err := s.Close(tr.ID, 1.1050, OutcomeWin, false)
	require.NoError(t, err)

	second, err := s.Close(tr.ID, 1.0000, OutcomeLoss, true)
	require.ErrorIs(t, err, ErrPositionClosed)
	assert.Equal(t, first.PnlCash.String(), second.PnlCash.String())
	assert.Equal(t, OutcomeWin, second.Outcome)

	snap, err := s.AccountSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalTrades)
	assert.Equal(t, "10492", snap.Balance.String())
}

func TestActiveTrades(t *testing.T) {
	s := newTestStore(t)
	a := openTrade(t, s, "EURUSD", Long, 1.1000)
	openTrade(t, s, "GBPUSD", Short, 1.2700)

	active, err := s.ActiveTrades()
	require.NoError(t, err)
	assert.Len(t, active, 2)

	_, err = s.Close(a.ID, 1.1050, OutcomeWin, false)
	require.NoError(t, err)

	active, err = s.ActiveTrades()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "GBPUSD", active[0].Pair)
}

func TestDrawdownMonotone(t *testing.T) {
	s := newTestStore(t)

	lose := func(entry, exit float64) {
		tr := openTrade(t, s, "EURUSD", Long, entry)
		_, err := s.Close(tr.ID, exit, OutcomeLoss, true)
		require.NoError(t, err)
	}
	win := func(entry, exit float64) {
		tr := openTrade(t, s, "EURUSD", Long, entry)
		_, err := s.Close(tr.ID, exit, OutcomeWin, false)
		require.NoError(t, err)
	}

	lose(1.1000, 1.0950)
	snap1, err := s.AccountSnapshot()
	require.NoError(t, err)

	win(1.1000, 1.1100)
	snap2, err := s.AccountSnapshot()
	require.NoError(t, err)

	// Recovery does not shrink max drawdown.
	assert.True(t, snap2.MaxDrawdownPct.GreaterThanOrEqual(snap1.MaxDrawdownPct))
	assert.True(t, snap2.PeakBalance.GreaterThanOrEqual(snap2.Balance))
}
