// Package forex holds the instrument math shared across the engine:
// pip sizes, pip cash values per standard lot, and pair validation.
package forex

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MajorPairs are the USD majors tracked by the engine.
var MajorPairs = []string{
	"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "NZDUSD",
}

// CrossPairs are the non-USD crosses tracked by the engine.
var CrossPairs = []string{
	"EURGBP", "EURJPY", "GBPJPY", "EURAUD", "EURCAD", "EURNZD",
	"GBPAUD", "GBPCAD", "GBPNZD", "AUDJPY", "CADJPY",
}

// MetalPairs are the precious metals quoted against USD.
var MetalPairs = []string{"XAUUSD", "XAGUSD"}

// Reference USD conversion rates used for pip cash values on pairs whose
// quote currency is not USD. These are deliberately static: position sizing
// only needs the right order of magnitude, not a live cross rate.
var usdRates = map[string]float64{
	"USDJPY": 157.0,
	"USDCAD": 1.44,
	"USDCHF": 0.90,
	"GBPUSD": 1.26,
	"AUDUSD": 0.62,
	"NZDUSD": 0.58,
	"EURUSD": 1.08,
}

// PipSize returns the price increment of one pip for a pair.
//
// Most pairs quote to 4 decimals (pip = 0.0001), JPY quotes to 2
// (pip = 0.01). Gold moves in practical $1.00 pips and silver in $0.01,
// which keeps SL/TP pip distances comparable across instruments.
func PipSize(pair string) float64 {
	p := strings.ToUpper(pair)
	switch {
	case strings.Contains(p, "XAU"):
		return 1.00
	case strings.Contains(p, "XAG"):
		return 0.01
	case strings.Contains(p, "JPY"):
		return 0.01
	default:
		return 0.0001
	}
}

// PipMultiplier is the inverse of PipSize: price difference to pips.
func PipMultiplier(pair string) float64 {
	return 1.0 / PipSize(pair)
}

// PriceToPips converts a price difference to pips for a pair.
func PriceToPips(priceDiff float64, pair string) float64 {
	return priceDiff / PipSize(pair)
}

// PipCashPerLot returns the dollar value of one pip per standard lot
// (100,000 units of base currency; 100 oz for gold, 5,000 oz for silver).
//
// The value depends on the quote currency: USD quotes are always $10/pip,
// other quotes convert through the reference USD rate.
func PipCashPerLot(pair string) decimal.Decimal {
	p := strings.ToUpper(pair)

	if strings.Contains(p, "XAU") {
		return decimal.NewFromInt(100) // 100 oz x $1.00
	}
	if strings.Contains(p, "XAG") {
		return decimal.NewFromInt(50) // 5000 oz x $0.01
	}

	ten := decimal.NewFromInt(10)
	quote := p[len(p)-3:]
	switch quote {
	case "USD":
		return ten
	case "JPY":
		// $10 * (100 / USDJPY)
		r := decimal.NewFromFloat(usdRates["USDJPY"])
		return ten.Mul(decimal.NewFromInt(100)).Div(r).Round(2)
	case "CAD":
		return ten.Div(decimal.NewFromFloat(usdRates["USDCAD"])).Round(2)
	case "CHF":
		return ten.Div(decimal.NewFromFloat(usdRates["USDCHF"])).Round(2)
	case "GBP":
		return ten.Mul(decimal.NewFromFloat(usdRates["GBPUSD"])).Round(2)
	case "AUD":
		return ten.Mul(decimal.NewFromFloat(usdRates["AUDUSD"])).Round(2)
	case "NZD":
		return ten.Mul(decimal.NewFromFloat(usdRates["NZDUSD"])).Round(2)
	case "EUR":
		return ten.Mul(decimal.NewFromFloat(usdRates["EURUSD"])).Round(2)
	default:
		return ten
	}
}

// IsValidPair reports whether a symbol looks like a tradable pair.
func IsValidPair(pair string) bool {
	if len(pair) != 6 && len(pair) != 7 {
		return false
	}
	for _, r := range pair {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// NormalizePair uppercases a pair and strips common separators.
func NormalizePair(pair string) string {
	p := strings.ToUpper(pair)
	for _, sep := range []string{"/", "-", "_"} {
		p = strings.ReplaceAll(p, sep, "")
	}
	return p
}
