package trading

import (
	"time"

	"github.com/Hasnain410/forex-live-trader/internal/session"
)

// Status is the orchestrator view served by the admin surface.
type Status struct {
	MarketState     session.MarketState `json:"market_state"`
	NextSessionID   string              `json:"next_session"`
	NextSessionAt   time.Time           `json:"next_session_at"`
	StreamConnected bool                `json:"stream_connected"`
	ActivePositions []ActivePosition    `json:"active_positions"`
	LivePrices      map[string]float64  `json:"live_prices"`
	PendingCount    int                 `json:"pending_excursions"`
	JournaledTrades []string            `json:"journaled_trades,omitempty"`
}

// Status snapshots the session cycle for the dashboard. Live prices are
// reported only for pairs with open positions.
func (o *Orchestrator) Status() Status {
	now := time.Now().UTC()
	st := o.clock.CurrentStatus(now)
	next := o.clock.NextSession(now)

	o.mu.Lock()
	positions := make([]ActivePosition, 0, len(o.active))
	for _, p := range o.active {
		positions = append(positions, *p)
	}
	pendingCount := len(o.pending)
	journal := append([]string(nil), o.journal...)
	o.mu.Unlock()

	prices := make(map[string]float64, len(positions))
	for _, p := range positions {
		if q, ok := o.quotes.GetQuote(p.Pair); ok {
			prices[p.Pair] = q.Mid()
		}
	}

	return Status{
		MarketState:     st.State,
		NextSessionID:   string(next.ID),
		NextSessionAt:   next.Open,
		StreamConnected: o.quotes.IsConnected(),
		ActivePositions: positions,
		LivePrices:      prices,
		PendingCount:    pendingCount,
		JournaledTrades: journal,
	}
}

// ActiveCount reports open positions tracked by the orchestrator.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
