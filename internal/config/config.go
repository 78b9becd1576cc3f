package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
)

// Percentile selects which percentile of the excursion distribution
// feeds a TP or SL distance.
type Percentile string

const (
	P25 Percentile = "P25"
	P50 Percentile = "P50"
	P75 Percentile = "P75"
)

// Config holds all configuration for the trading engine
type Config struct {
	// Database
	DatabaseURL string

	// API Keys
	AnthropicAPIKey string
	PolygonAPIKey   string

	// Account
	StartingBalance decimal.Decimal

	// Risk
	RiskPercent       decimal.Decimal
	MinLotSize        decimal.Decimal
	MaxLotSize        decimal.Decimal
	CommissionPerLot  decimal.Decimal
	DefaultSpreadPips decimal.Decimal

	// Rolling window
	RollingWindowMonths int

	// Percentile strategy: TP from the MFE distribution, SL from the MAE.
	TPPercentile Percentile
	SLPercentile Percentile

	// Pre-warm timing (seconds before session open)
	OHLCPrewarmSeconds  int
	InputPrewarmSeconds int

	// Charts
	ChartsDir string

	// Admin surface
	Host string
	Port int

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "data/forex-trader.db"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		PolygonAPIKey:   os.Getenv("POLYGON_API_KEY"),

		StartingBalance: getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(10000)),

		RiskPercent:       getEnvDecimal("RISK_PERCENT", decimal.NewFromFloat(1.55)),
		MinLotSize:        getEnvDecimal("MIN_LOT_SIZE", decimal.NewFromFloat(0.01)),
		MaxLotSize:        getEnvDecimal("MAX_LOT_SIZE", decimal.NewFromFloat(5.0)),
		CommissionPerLot:  getEnvDecimal("COMMISSION_PER_LOT", decimal.NewFromFloat(3.50)),
		DefaultSpreadPips: getEnvDecimal("DEFAULT_SPREAD_PIPS", decimal.NewFromFloat(0.3)),

		RollingWindowMonths: getEnvInt("ROLLING_WINDOW_MONTHS", 6),

		TPPercentile: Percentile(getEnv("TP_PERCENTILE", string(P75))),
		SLPercentile: Percentile(getEnv("SL_PERCENTILE", string(P50))),

		OHLCPrewarmSeconds:  getEnvInt("OHLC_PREWARM_SECONDS", 120),
		InputPrewarmSeconds: getEnvInt("INPUT_PREWARM_SECONDS", 60),

		ChartsDir: getEnv("CHARTS_DIR", "charts"),

		Host: getEnv("HOST", "0.0.0.0"),
		Port: getEnvInt("PORT", 8080),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug: getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !validPercentile(cfg.TPPercentile) {
		return nil, fmt.Errorf("invalid TP_PERCENTILE: %s", cfg.TPPercentile)
	}
	if !validPercentile(cfg.SLPercentile) {
		return nil, fmt.Errorf("invalid SL_PERCENTILE: %s", cfg.SLPercentile)
	}

	return cfg, nil
}

func validPercentile(p Percentile) bool {
	return p == P25 || p == P50 || p == P75
}

// TradingPairs are the 19 instruments the engine trades, CHF pairs excluded.
var TradingPairs = []string{
	// Majors
	"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "NZDUSD",
	// Crosses
	"EURGBP", "EURJPY", "GBPJPY", "EURAUD", "EURCAD", "EURNZD",
	"GBPAUD", "GBPCAD", "GBPNZD", "AUDJPY", "CADJPY",
	// Metals
	"XAUUSD", "XAGUSD",
}

// ECNSpreads are typical raw ECN spreads per pair, in pips.
var ECNSpreads = map[string]float64{
	"EURUSD": 0.1,
	"GBPUSD": 0.3,
	"USDJPY": 0.2,
	"AUDUSD": 0.3,
	"USDCAD": 0.4,
	"NZDUSD": 0.5,
	"EURGBP": 0.4,
	"EURJPY": 0.5,
	"GBPJPY": 0.8,
	"EURAUD": 0.6,
	"EURCAD": 0.6,
	"EURNZD": 0.8,
	"GBPAUD": 0.9,
	"GBPCAD": 0.8,
	"GBPNZD": 1.0,
	"AUDJPY": 0.5,
	"CADJPY": 0.5,
	"XAUUSD": 0.15,
	"XAGUSD": 0.02,
}

// SpreadPips returns the typical spread for a pair, falling back to the
// configured default when the pair is unknown.
func (c *Config) SpreadPips(pair string) float64 {
	if s, ok := ECNSpreads[pair]; ok {
		return s
	}
	f, _ := c.DefaultSpreadPips.Float64()
	return f
}

// Slippage model in pips. Stop orders fill worse than limit orders.
const (
	EntrySlippagePips  = 0.2
	ExitTPSlippagePips = 0.1
	ExitSLSlippagePips = 0.5
)

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
