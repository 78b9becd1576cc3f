// Package trading drives the session cycle: open positions at T+0, close
// them on stream alerts, and reconcile whatever is left at T+4h.
package trading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Hasnain410/forex-live-trader/internal/config"
	"github.com/Hasnain410/forex-live-trader/internal/forex"
	"github.com/Hasnain410/forex-live-trader/internal/market"
	"github.com/Hasnain410/forex-live-trader/internal/predict"
	"github.com/Hasnain410/forex-live-trader/internal/prewarm"
	"github.com/Hasnain410/forex-live-trader/internal/risk"
	"github.com/Hasnain410/forex-live-trader/internal/session"
	"github.com/Hasnain410/forex-live-trader/internal/store"
	"github.com/Hasnain410/forex-live-trader/internal/stream"
)

// imminentWindow is how close the next session open must be for the
// stream to stay connected after a reconcile finds no open positions.
const imminentWindow = 30 * time.Minute

// QuoteSource is the slice of the price stream the orchestrator uses.
// Satisfied by *stream.PriceStream.
type QuoteSource interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Subscribe(pairs []string) error
	GetQuote(pair string) (stream.Quote, bool)
	LatestQuotes() map[string]stream.Quote
	AddAlert(a stream.Alert)
	RemoveAlert(tradeID string)
}

// Notifier receives trade lifecycle events. May be nil.
type Notifier interface {
	TradeOpened(t *store.Trade)
	TradeClosed(t *store.Trade)
}

// ActivePosition is the orchestrator's record of an open position.
type ActivePosition struct {
	TradeID     string
	Pair        string
	SessionID   string
	SessionTime time.Time
	Direction   store.Direction
	PredictorID string
	EntryPrice  float64
	TakeProfit  float64
	StopLoss    float64
}

// pendingExcursion is a realtime-closed position awaiting its MFE/MAE
// computation at reconcile.
type pendingExcursion struct {
	ActivePosition
	Outcome store.Outcome
}

// Orchestrator sequences predictions into positions and settles them.
// All map state sits behind one mutex; handlers for different sessions
// may overlap in pathological cases and must not corrupt each other.
type Orchestrator struct {
	cfg       *config.Config
	st        *store.Store
	riskEng   *risk.Engine
	predictor predict.Predictor
	pipeline  *prewarm.Pipeline
	quotes    QuoteSource
	fetcher   market.Fetcher
	clock     *session.Clock
	notifier  Notifier

	// onUpdate fires after any position or account change, for the
	// dashboard broadcast. May be nil.
	onUpdate func()

	mu      sync.Mutex
	active  map[string]*ActivePosition
	pending []pendingExcursion
	// journal holds close failures that exhausted the retry and need
	// manual reconciliation.
	journal []string
}

// New wires the orchestrator. notifier may be nil.
func New(cfg *config.Config, st *store.Store, riskEng *risk.Engine, predictor predict.Predictor,
	pipeline *prewarm.Pipeline, quotes QuoteSource, fetcher market.Fetcher, clock *session.Clock,
	notifier Notifier) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		st:        st,
		riskEng:   riskEng,
		predictor: predictor,
		pipeline:  pipeline,
		quotes:    quotes,
		fetcher:   fetcher,
		clock:     clock,
		notifier:  notifier,
		active:    make(map[string]*ActivePosition),
	}
}

// SetOnUpdate registers the dashboard refresh hook.
func (o *Orchestrator) SetOnUpdate(fn func()) { o.onUpdate = fn }

func (o *Orchestrator) notifyUpdate() {
	if o.onUpdate != nil {
		o.onUpdate()
	}
}

// Execute runs the T+0 phase: one prediction per instrument, sequentially,
// opening positions where bias, data, and statistics line up. A single
// instrument failure never aborts the batch. Both pre-warm caches are
// cleared on the way out.
func (o *Orchestrator) Execute(ctx context.Context, sess session.Session) {
	defer o.pipeline.Clear()

	snap, err := o.st.AccountSnapshot()
	if err != nil {
		log.Error().Err(err).Msg("Execute aborted, account unavailable")
		return
	}

	log.Info().Str("session", sess.Key()).Str("balance", snap.Balance.String()).Msg("Session execute started")

	opened := 0
	for _, pair := range config.TradingPairs {
		if ctx.Err() != nil {
			log.Warn().Msg("Execute cancelled")
			break
		}
		if o.executeInstrument(ctx, sess, pair, snap.Balance) {
			opened++
		}
	}

	log.Info().Str("session", sess.Key()).Int("opened", opened).Msg("Session execute finished")
	o.notifyUpdate()
}

// executeInstrument runs the per-pair pipeline: artifact, prediction,
// entry price, risk, open, alert. Returns true when a position opened.
func (o *Orchestrator) executeInstrument(ctx context.Context, sess session.Session, pair string, balance decimal.Decimal) bool {
	chartPath, ok := o.pipeline.Input(pair)
	if !ok {
		log.Debug().Str("pair", pair).Msg("No input artifact, skipping")
		return false
	}

	pred, err := o.predictor.Predict(ctx, chartPath, pair, string(sess.ID))
	if err != nil {
		log.Warn().Str("pair", pair).Err(err).Msg("Prediction failed, skipping")
		return false
	}
	if pred.Direction == predict.Neutral {
		log.Debug().Str("pair", pair).Msg("Neutral bias, skipping")
		return false
	}

	direction := store.Long
	if pred.Direction == predict.Bearish {
		direction = store.Short
	}

	entry, ok := o.entryPrice(pair, direction)
	if !ok {
		log.Warn().Str("pair", pair).Msg("No entry price available, skipping")
		return false
	}

	params, err := o.riskEng.Compute(pair, string(sess.ID), o.predictor.ModelKey(), direction, entry, balance)
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientData) {
			log.Info().Str("pair", pair).Msg("Insufficient excursion data, skipping")
		} else {
			log.Error().Str("pair", pair).Err(err).Msg("Risk computation failed, skipping")
		}
		return false
	}

	// Simulated fills pay half the typical spread: longs buy a touch
	// above mid, shorts sell a touch below.
	halfSpread := params.SpreadPips / 2 * forex.PipSize(pair)
	adjustedEntry := entry + halfSpread
	if direction == store.Short {
		adjustedEntry = entry - halfSpread
	}

	trade := &store.Trade{
		Pair:            pair,
		SessionID:       string(sess.ID),
		SessionTime:     sess.Open,
		Direction:       direction,
		Conviction:      pred.Conviction,
		EntryPrice:      adjustedEntry,
		SpreadPips:      params.SpreadPips,
		StopLossPrice:   params.StopLossPrice,
		TakeProfitPrice: params.TakeProfitPrice,
		SLPips:          params.SLPips,
		TPPips:          params.TPPips,
		LotSize:         params.LotSize,
		RiskPct:         o.cfg.RiskPercent,
		RiskCash:        params.RiskCash,
		TPPercentile:    string(params.TPPercentile),
		SLPercentile:    string(params.SLPercentile),
	}

	tradeID, err := o.st.Open(trade)
	if err != nil {
		log.Error().Str("pair", pair).Err(err).Msg("Position open failed, skipping")
		return false
	}

	o.quotes.AddAlert(stream.Alert{
		TradeID:    tradeID,
		Pair:       pair,
		Direction:  direction,
		EntryPrice: adjustedEntry,
		TakeProfit: params.TakeProfitPrice,
		StopLoss:   params.StopLossPrice,
	})

	o.mu.Lock()
	o.active[tradeID] = &ActivePosition{
		TradeID:     tradeID,
		Pair:        pair,
		SessionID:   string(sess.ID),
		SessionTime: sess.Open,
		Direction:   direction,
		PredictorID: o.predictor.ModelKey(),
		EntryPrice:  adjustedEntry,
		TakeProfit:  params.TakeProfitPrice,
		StopLoss:    params.StopLossPrice,
	}
	o.mu.Unlock()

	log.Info().
		Str("pair", pair).
		Str("direction", string(direction)).
		Int("conviction", pred.Conviction).
		Float64("entry", adjustedEntry).
		Str("lots", params.LotSize.String()).
		Msg("Position opened")

	if o.notifier != nil {
		o.notifier.TradeOpened(trade)
	}
	return true
}

// entryPrice prefers the live quote (ask for longs, bid for shorts) and
// falls back to the last cached bar close.
func (o *Orchestrator) entryPrice(pair string, direction store.Direction) (float64, bool) {
	if q, ok := o.quotes.GetQuote(pair); ok {
		if direction == store.Long {
			return q.Ask, true
		}
		return q.Bid, true
	}
	if bars, ok := o.pipeline.Bars(pair); ok {
		if last, ok := market.LastClose(bars); ok {
			return last, true
		}
	}
	return 0, false
}

// OnAlert closes a position the stream reported at TP or SL. The close
// must not be dropped: after the store's internal retry fails, the trade
// id lands in the manual-reconciliation journal.
func (o *Orchestrator) OnAlert(a stream.Alert) {
	o.mu.Lock()
	pos, ok := o.active[a.TradeID]
	o.mu.Unlock()
	if !ok {
		log.Warn().Str("trade", a.TradeID).Msg("Alert for unknown position, ignoring")
		o.quotes.RemoveAlert(a.TradeID)
		return
	}

	outcome := store.OutcomeWin
	wasStop := false
	if a.TriggerKind == stream.TriggerSL {
		outcome = store.OutcomeLoss
		wasStop = true
	}

	closed, err := o.st.Close(a.TradeID, a.TriggerPrice, outcome, wasStop)
	if err != nil && !errors.Is(err, store.ErrPositionClosed) {
		log.Error().Str("trade", a.TradeID).Err(err).Msg("Close failed, journaling for manual reconciliation")
		o.mu.Lock()
		o.journal = append(o.journal, a.TradeID)
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	delete(o.active, a.TradeID)
	o.pending = append(o.pending, pendingExcursion{ActivePosition: *pos, Outcome: outcome})
	o.mu.Unlock()

	o.quotes.RemoveAlert(a.TradeID)

	log.Info().
		Str("pair", a.Pair).
		Str("outcome", string(outcome)).
		Float64("price", a.TriggerPrice).
		Msg("Position closed on alert")

	if o.notifier != nil && closed != nil {
		o.notifier.TradeClosed(closed)
	}
	o.notifyUpdate()
}

// Reconcile runs the T+4h phase: excursions for realtime-closed trades,
// timeout closes for the rest, then a stats refresh when anything was
// appended. The stream is released when nothing needs it.
func (o *Orchestrator) Reconcile(ctx context.Context, sess session.Session) {
	appended := 0

	o.mu.Lock()
	var duePending []pendingExcursion
	var rest []pendingExcursion
	for _, p := range o.pending {
		if p.SessionID == string(sess.ID) && p.SessionTime.Equal(sess.Open) {
			duePending = append(duePending, p)
		} else {
			rest = append(rest, p)
		}
	}
	o.pending = rest

	var dueActive []*ActivePosition
	for _, p := range o.active {
		if p.SessionID == string(sess.ID) && p.SessionTime.Equal(sess.Open) {
			dueActive = append(dueActive, p)
		}
	}
	o.mu.Unlock()

	// Step 1: excursions for positions already closed by alerts.
	for _, p := range duePending {
		bars, err := o.sessionBars(ctx, p.Pair, sess)
		if err != nil {
			log.Warn().Str("pair", p.Pair).Err(err).Msg("No bars for excursions, skipping append")
			continue
		}
		mfe, mae := excursions(p.Direction, p.Pair, p.EntryPrice, bars)
		if err := o.appendExcursion(p.ActivePosition, p.Outcome == store.OutcomeWin, mfe, mae); err == nil {
			appended++
		}
	}

	// Step 2: timeout-close whatever is still active for this session.
	for _, p := range dueActive {
		bars, err := o.sessionBars(ctx, p.Pair, sess)
		if err != nil {
			log.Warn().Str("pair", p.Pair).Err(err).Msg("No bars for timeout close, skipping")
			continue
		}
		exit, ok := market.LastClose(bars)
		if !ok {
			log.Warn().Str("pair", p.Pair).Msg("Empty bar range for timeout close, skipping")
			continue
		}

		closed, err := o.st.Close(p.TradeID, exit, store.OutcomeTimeout, false)
		if err != nil && !errors.Is(err, store.ErrPositionClosed) {
			log.Error().Str("trade", p.TradeID).Err(err).Msg("Timeout close failed, journaling")
			o.mu.Lock()
			o.journal = append(o.journal, p.TradeID)
			o.mu.Unlock()
			continue
		}

		o.mu.Lock()
		delete(o.active, p.TradeID)
		o.mu.Unlock()
		o.quotes.RemoveAlert(p.TradeID)

		correct := closed != nil && closed.PnlCash.IsPositive()
		mfe, mae := excursions(p.Direction, p.Pair, p.EntryPrice, bars)
		if err := o.appendExcursion(*p, correct, mfe, mae); err == nil {
			appended++
		}

		log.Info().Str("pair", p.Pair).Float64("exit", exit).Msg("Position timed out")
		if o.notifier != nil && closed != nil {
			o.notifier.TradeClosed(closed)
		}
	}

	// Step 3: refresh the materialization when the window moved.
	if appended > 0 {
		if err := o.st.RefreshStats(); err != nil {
			log.Error().Err(err).Msg("Stats refresh failed")
		}
	}

	// Step 4: drop the stream when nothing is open and no session is close.
	o.mu.Lock()
	idle := len(o.active) == 0
	o.mu.Unlock()
	if idle {
		next := o.clock.NextSession(time.Now().UTC())
		if time.Until(next.Open) > imminentWindow {
			log.Info().Msg("No open positions and no imminent session, releasing stream")
			o.quotes.Disconnect()
		}
	}

	log.Info().Str("session", sess.Key()).Int("appended", appended).Msg("Reconcile finished")
	o.notifyUpdate()
}

func (o *Orchestrator) appendExcursion(p ActivePosition, correct bool, mfe, mae float64) error {
	err := o.st.AppendExcursion(&store.WindowRecord{
		Pair:        p.Pair,
		SessionID:   p.SessionID,
		SessionTime: p.SessionTime,
		PredictorID: p.PredictorID,
		Direction:   p.Direction,
		Correct:     correct,
		MFEPips:     mfe,
		MAEPips:     mae,
	})
	if err != nil {
		log.Error().Str("pair", p.Pair).Err(err).Msg("Excursion append failed")
	}
	return err
}

// sessionBars fetches the monitoring window's bars for one pair.
func (o *Orchestrator) sessionBars(ctx context.Context, pair string, sess session.Session) ([]market.Bar, error) {
	return o.fetcher.FetchBars(ctx, pair, sess.Open, sess.End(), market.Timeframe15Min)
}

// excursions computes MFE and MAE in pips relative to entry, respecting
// direction. Both are clamped at zero.
func excursions(direction store.Direction, pair string, entry float64, bars []market.Bar) (mfe, mae float64) {
	high, low, ok := market.Extremes(bars)
	if !ok {
		return 0, 0
	}
	switch direction {
	case store.Long:
		mfe = forex.PriceToPips(high-entry, pair)
		mae = forex.PriceToPips(entry-low, pair)
	case store.Short:
		mfe = forex.PriceToPips(entry-low, pair)
		mae = forex.PriceToPips(high-entry, pair)
	}
	if mfe < 0 {
		mfe = 0
	}
	if mae < 0 {
		mae = 0
	}
	return mfe, mae
}
