// Package risk derives stop, target, and position size from the
// materialized excursion distributions.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Hasnain410/forex-live-trader/internal/config"
	"github.com/Hasnain410/forex-live-trader/internal/forex"
	"github.com/Hasnain410/forex-live-trader/internal/store"
)

// ErrInsufficientData means the excursion window has no materialized stats
// for the key, or fewer samples than the confidence minimum.
var ErrInsufficientData = errors.New("insufficient excursion data")

// MinSampleCount is the smallest sample size the engine will size from.
const MinSampleCount = 30

// MinPips floors TP and SL distances. Small windows can emit sub-pip
// targets that are indistinguishable from spread cost.
const MinPips = 5.0

// StatsSource yields materialized percentile stats. Satisfied by *store.Store.
type StatsSource interface {
	GetStats(pair, sessionID, predictorID string) (*store.PercentileStat, error)
}

// Parameters is a fully derived order plan.
type Parameters struct {
	EntryPrice      float64
	TakeProfitPrice float64
	StopLossPrice   float64
	TPPips          float64
	SLPips          float64
	LotSize         decimal.Decimal
	RiskCash        decimal.Decimal
	SpreadPips      float64
	TPPercentile    config.Percentile
	SLPercentile    config.Percentile
}

// Engine computes risk parameters from configuration and the stats source.
type Engine struct {
	stats StatsSource
	cfg   *config.Config
}

// New builds an engine over a stats source.
func New(stats StatsSource, cfg *config.Config) *Engine {
	return &Engine{stats: stats, cfg: cfg}
}

// Compute sizes a position for one instrument and session.
//
// TP comes from the MFE distribution and SL from the MAE, at the configured
// percentiles. Lot size risks RiskPercent of balance against the SL
// distance, rounded down to a 0.01 step and clamped to the lot bounds.
func (e *Engine) Compute(pair, sessionID, predictorID string, direction store.Direction, entryPrice float64, balance decimal.Decimal) (*Parameters, error) {
	stat, err := e.stats.GetStats(pair, sessionID, predictorID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInsufficientData
		}
		return nil, fmt.Errorf("risk: load stats: %w", err)
	}
	if stat.SampleCount < MinSampleCount {
		return nil, ErrInsufficientData
	}

	tpPips := pickPercentile(stat.MFEP25, stat.MFEP50, stat.MFEP75, e.cfg.TPPercentile)
	slPips := pickPercentile(stat.MAEP25, stat.MAEP50, stat.MAEP75, e.cfg.SLPercentile)
	if tpPips < MinPips {
		tpPips = MinPips
	}
	if slPips < MinPips {
		slPips = MinPips
	}

	pipSize := forex.PipSize(pair)
	p := &Parameters{
		EntryPrice:   entryPrice,
		TPPips:       tpPips,
		SLPips:       slPips,
		SpreadPips:   e.cfg.SpreadPips(pair),
		TPPercentile: e.cfg.TPPercentile,
		SLPercentile: e.cfg.SLPercentile,
	}

	switch direction {
	case store.Long:
		p.TakeProfitPrice = entryPrice + tpPips*pipSize
		p.StopLossPrice = entryPrice - slPips*pipSize
	case store.Short:
		p.TakeProfitPrice = entryPrice - tpPips*pipSize
		p.StopLossPrice = entryPrice + slPips*pipSize
	default:
		return nil, fmt.Errorf("risk: unknown direction %q", direction)
	}

	p.RiskCash = balance.Mul(e.cfg.RiskPercent).Div(decimal.NewFromInt(100)).Round(2)

	slCash := decimal.NewFromFloat(slPips).Mul(forex.PipCashPerLot(pair))
	lot := p.RiskCash.Div(slCash)

	// Round down to the broker's 0.01 lot step, then clamp.
	lot = lot.Mul(decimal.NewFromInt(100)).Floor().Div(decimal.NewFromInt(100))
	if lot.LessThan(e.cfg.MinLotSize) {
		lot = e.cfg.MinLotSize
	}
	if lot.GreaterThan(e.cfg.MaxLotSize) {
		lot = e.cfg.MaxLotSize
	}
	p.LotSize = lot

	return p, nil
}

func pickPercentile(p25, p50, p75 float64, which config.Percentile) float64 {
	switch which {
	case config.P25:
		return p25
	case config.P50:
		return p50
	default:
		return p75
	}
}
