// Package store persists positions, the account, and the rolling
// excursion window behind a single gorm-backed type.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrPositionClosed marks an idempotent close: the position already has an
// outcome and was not re-processed.
var ErrPositionClosed = errors.New("position already closed")

// Outcome classifies how a position ended.
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeBreakeven Outcome = "BREAKEVEN"
	OutcomeTimeout   Outcome = "TIMEOUT"
)

// Direction of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Models

// Trade is one simulated position. Entry fields are written once at open;
// outcome fields stay null until the close transaction and are terminal.
type Trade struct {
	ID          string    `gorm:"primaryKey"`
	Pair        string    `gorm:"index"`
	SessionID   string    `gorm:"index"`
	SessionTime time.Time `gorm:"index"`
	Direction   Direction
	Conviction  int

	EntryPrice      float64
	SpreadPips      float64
	StopLossPrice   float64
	TakeProfitPrice float64
	SLPips          float64
	TPPips          float64
	LotSize         decimal.Decimal `gorm:"type:decimal(10,2)"`
	RiskPct         decimal.Decimal `gorm:"type:decimal(10,4)"`
	RiskCash        decimal.Decimal `gorm:"type:decimal(20,2)"`
	TPPercentile    string
	SLPercentile    string

	ExitPrice  *float64
	Outcome    Outcome `gorm:"index"`
	PnlPips    *float64
	PnlCash    decimal.Decimal `gorm:"type:decimal(20,2)"`
	Commission decimal.Decimal `gorm:"type:decimal(20,2)"`
	VerifiedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Closed reports whether the trade has a terminal outcome.
func (t *Trade) Closed() bool { return t.VerifiedAt != nil }

// Account is the singleton balance row, mutated only inside the close
// transaction.
type Account struct {
	ID             uint            `gorm:"primaryKey"`
	Balance        decimal.Decimal `gorm:"type:decimal(20,2)"`
	InitialBalance decimal.Decimal `gorm:"type:decimal(20,2)"`
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	PeakBalance    decimal.Decimal `gorm:"type:decimal(20,2)"`
	MaxDrawdownPct decimal.Decimal `gorm:"type:decimal(10,4)"`
	LastUpdated    time.Time
}

// WindowRecord is one verified prediction with its price excursions,
// uniquely keyed by instrument, session and predictor. Old rows are
// flagged out of the window, never deleted.
type WindowRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Pair        string    `gorm:"uniqueIndex:idx_window_key"`
	SessionID   string    `gorm:"uniqueIndex:idx_window_key"`
	SessionTime time.Time `gorm:"uniqueIndex:idx_window_key"`
	PredictorID string    `gorm:"uniqueIndex:idx_window_key"`
	Direction   Direction
	Correct     bool
	MFEPips     float64
	MAEPips     float64
	InWindow    bool `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PercentileStat is the materialized excursion distribution per
// (instrument, session, predictor), refreshed by RefreshStats.
type PercentileStat struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Pair        string `gorm:"uniqueIndex:idx_stat_key"`
	SessionID   string `gorm:"uniqueIndex:idx_stat_key"`
	PredictorID string `gorm:"uniqueIndex:idx_stat_key"`
	SampleCount int
	AccuracyPct float64
	MFEP25      float64
	MFEP50      float64
	MFEP75      float64
	MAEP25      float64
	MAEP50      float64
	MAEP75      float64
	UpdatedAt   time.Time
}

// Store wraps the database plus the account constants the close
// transaction needs.
type Store struct {
	db               *gorm.DB
	commissionPerLot decimal.Decimal
	windowMonths     int
}

// New opens the database (PostgreSQL when the URL says so, SQLite file
// otherwise), migrates the schema, and seeds the account row when absent.
func New(databaseURL string, initialBalance, commissionPerLot decimal.Decimal, windowMonths int) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(databaseURL)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Trade{}, &Account{}, &WindowRecord{}, &PercentileStat{}); err != nil {
		return nil, err
	}

	s := &Store{db: db, commissionPerLot: commissionPerLot, windowMonths: windowMonths}
	if err := s.ensureAccount(initialBalance); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureAccount(initialBalance decimal.Decimal) error {
	var acct Account
	err := s.db.First(&acct, 1).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	acct = Account{
		ID:             1,
		Balance:        initialBalance,
		InitialBalance: initialBalance,
		PeakBalance:    initialBalance,
		MaxDrawdownPct: decimal.Zero,
		LastUpdated:    time.Now().UTC(),
	}
	return s.db.Create(&acct).Error
}
