// Package market defines OHLC bar data and the clients that fetch it.
package market

import (
	"context"
	"sort"
	"time"
)

// Timeframe15Min is the candle resolution used for session analysis.
const Timeframe15Min = "15/minute"

// Bar is a single OHLC candle. Times are UTC.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Fetcher fetches candles for an instrument over a UTC range.
// Implementations handle pagination and upstream rate limits internally.
type Fetcher interface {
	FetchBars(ctx context.Context, pair string, start, end time.Time, timeframe string) ([]Bar, error)
}

// LastClose returns the close of the final bar, or false when empty.
func LastClose(bars []Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

// Extremes returns the highest high and lowest low across the bars,
// or false when empty.
func Extremes(bars []Bar) (high, low float64, ok bool) {
	if len(bars) == 0 {
		return 0, 0, false
	}
	high, low = bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low, true
}

// Slice returns the bars with Time in [start, end], preserving order.
func Slice(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if b.Time.Before(start) || b.Time.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func sortByTime(bars []Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
}
