package trading

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Hasnain410/forex-live-trader/internal/config"
	"github.com/Hasnain410/forex-live-trader/internal/market"
	"github.com/Hasnain410/forex-live-trader/internal/predict"
	"github.com/Hasnain410/forex-live-trader/internal/prewarm"
	"github.com/Hasnain410/forex-live-trader/internal/risk"
	"github.com/Hasnain410/forex-live-trader/internal/session"
	"github.com/Hasnain410/forex-live-trader/internal/store"
	"github.com/Hasnain410/forex-live-trader/internal/stream"
)

// fakeQuotes implements QuoteSource in memory.
type fakeQuotes struct {
	mu           sync.Mutex
	quotes       map[string]stream.Quote
	alerts       map[string]stream.Alert
	connected    bool
	disconnected bool
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{
		quotes:    make(map[string]stream.Quote),
		alerts:    make(map[string]stream.Alert),
		connected: true,
	}
}

func (f *fakeQuotes) Connect() error { f.connected = true; return nil }
func (f *fakeQuotes) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}
func (f *fakeQuotes) IsConnected() bool            { return f.connected }
func (f *fakeQuotes) Subscribe(pairs []string) error { return nil }
func (f *fakeQuotes) GetQuote(pair string) (stream.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[pair]
	return q, ok
}
func (f *fakeQuotes) LatestQuotes() map[string]stream.Quote { return f.quotes }
func (f *fakeQuotes) AddAlert(a stream.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts[a.TradeID] = a
}
func (f *fakeQuotes) RemoveAlert(tradeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alerts, tradeID)
}
func (f *fakeQuotes) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

// fakePredictor returns canned predictions per pair, Neutral otherwise.
type fakePredictor struct {
	predictions map[string]*predict.Prediction
}

func (f *fakePredictor) Predict(ctx context.Context, chartPath, pair, sessionID string) (*predict.Prediction, error) {
	if p, ok := f.predictions[pair]; ok {
		return p, nil
	}
	return &predict.Prediction{Direction: predict.Neutral, Conviction: 5}, nil
}
func (f *fakePredictor) ModelKey() string { return "claude_haiku_45" }

// fakeFetcher serves one canned bar series for every pair.
type fakeFetcher struct {
	bars []market.Bar
	err  error
}

func (f *fakeFetcher) FetchBars(ctx context.Context, pair string, start, end time.Time, timeframe string) ([]market.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(ctx context.Context, pair string, bars []market.Bar, sessionTime time.Time) (string, error) {
	return "/tmp/charts/" + pair + ".png", nil
}

type fakeStats struct{ stats map[string]*store.PercentileStat }

func (f *fakeStats) GetStats(pair, sessionID, predictorID string) (*store.PercentileStat, error) {
	if s, ok := f.stats[pair]; ok {
		return s, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func testConfig() *config.Config {
	return &config.Config{
		RiskPercent:       decimal.NewFromFloat(1.55),
		MinLotSize:        decimal.NewFromFloat(0.01),
		MaxLotSize:        decimal.NewFromFloat(5.0),
		DefaultSpreadPips: decimal.NewFromFloat(0.3),
		TPPercentile:      config.P75,
		SLPercentile:      config.P50,
	}
}

type fixture struct {
	orch     *Orchestrator
	st       *store.Store
	quotes   *fakeQuotes
	pipeline *prewarm.Pipeline
	sess     session.Session
	fetcher  *fakeFetcher
}

func newFixture(t *testing.T, predictions map[string]*predict.Prediction, stats map[string]*store.PercentileStat) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"),
		decimal.NewFromInt(10000), decimal.NewFromFloat(3.50), 6)
	require.NoError(t, err)

	sess := session.Session{ID: session.London, Open: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)}

	bars := []market.Bar{
		{Time: sess.Open.Add(-time.Hour), Open: 1.0990, High: 1.1010, Low: 1.0980, Close: 1.0995},
		{Time: sess.Open.Add(-30 * time.Minute), Open: 1.0995, High: 1.1005, Low: 1.0985, Close: 1.1000},
	}
	fetcher := &fakeFetcher{bars: bars}

	pipeline := prewarm.New(fetcher, fakeRenderer{}, config.TradingPairs)
	pipeline.PrewarmBars(context.Background(), sess)
	pipeline.PrewarmInputs(context.Background(), sess)

	clock, err := session.NewClock()
	require.NoError(t, err)

	quotes := newFakeQuotes()
	riskEng := risk.New(&fakeStats{stats: stats}, testConfig())
	orch := New(testConfig(), st, riskEng, &fakePredictor{predictions: predictions},
		pipeline, quotes, fetcher, clock, nil)

	return &fixture{orch: orch, st: st, quotes: quotes, pipeline: pipeline, sess: sess, fetcher: fetcher}
}

func goodStats() *store.PercentileStat {
	return &store.PercentileStat{
		SampleCount: 50,
		MFEP25:      15, MFEP50: 25, MFEP75: 40,
		MAEP25: 8, MAEP50: 20, MAEP75: 30,
	}
}

func TestExecuteOpensPositionFromLiveQuote(t *testing.T) {
	fx := newFixture(t,
		map[string]*predict.Prediction{
			"EURUSD": {Direction: predict.Bullish, Conviction: 8},
		},
		map[string]*store.PercentileStat{"EURUSD": goodStats()},
	)
	fx.quotes.quotes["EURUSD"] = stream.Quote{Pair: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	fx.orch.Execute(context.Background(), fx.sess)

	assert.Equal(t, 1, fx.orch.ActiveCount())
	assert.Equal(t, 1, fx.quotes.alertCount())

	active, err := fx.st.ActiveTrades()
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Long entry: ask plus half the 0.1-pip EURUSD spread.
	assert.InDelta(t, 1.1002+0.05*0.0001, active[0].EntryPrice, 1e-9)
	assert.Equal(t, store.Long, active[0].Direction)
	assert.Equal(t, 8, active[0].Conviction)
	assert.Equal(t, 40.0, active[0].TPPips)
	assert.Equal(t, 20.0, active[0].SLPips)

	// Caches cleared at the end of execute.
	assert.Zero(t, fx.pipeline.BarCount())
	assert.Zero(t, fx.pipeline.InputCount())
}

func TestExecuteFallsBackToBarClose(t *testing.T) {
	fx := newFixture(t,
		map[string]*predict.Prediction{
			"GBPUSD": {Direction: predict.Bearish, Conviction: 7},
		},
		map[string]*store.PercentileStat{"GBPUSD": goodStats()},
	)
	// No live quote for GBPUSD: entry falls back to the last cached close
	// minus half the 0.3-pip spread (short side).
	fx.orch.Execute(context.Background(), fx.sess)

	active, err := fx.st.ActiveTrades()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.Short, active[0].Direction)
	assert.InDelta(t, 1.1000-0.15*0.0001, active[0].EntryPrice, 1e-9)
}

func TestExecuteSkipsInsufficientData(t *testing.T) {
	thin := goodStats()
	thin.SampleCount = 29

	fx := newFixture(t,
		map[string]*predict.Prediction{
			"EURUSD": {Direction: predict.Bullish, Conviction: 9},
		},
		map[string]*store.PercentileStat{"EURUSD": thin},
	)
	fx.quotes.quotes["EURUSD"] = stream.Quote{Pair: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	fx.orch.Execute(context.Background(), fx.sess)

	assert.Zero(t, fx.orch.ActiveCount())
	active, err := fx.st.ActiveTrades()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExecuteSkipsNeutral(t *testing.T) {
	fx := newFixture(t, nil, map[string]*store.PercentileStat{"EURUSD": goodStats()})
	fx.orch.Execute(context.Background(), fx.sess)
	assert.Zero(t, fx.orch.ActiveCount())
}

func TestAlertClosesPosition(t *testing.T) {
	fx := newFixture(t,
		map[string]*predict.Prediction{
			"EURUSD": {Direction: predict.Bullish, Conviction: 8},
		},
		map[string]*store.PercentileStat{"EURUSD": goodStats()},
	)
	fx.quotes.quotes["EURUSD"] = stream.Quote{Pair: "EURUSD", Bid: 1.1000, Ask: 1.1002}
	fx.orch.Execute(context.Background(), fx.sess)

	var tradeID string
	for id := range fx.quotes.alerts {
		tradeID = id
	}
	require.NotEmpty(t, tradeID)

	fx.orch.OnAlert(stream.Alert{
		TradeID:      tradeID,
		Pair:         "EURUSD",
		Direction:    store.Long,
		Triggered:    true,
		TriggerKind:  stream.TriggerTP,
		TriggerPrice: 1.1042,
		TriggerTime:  fx.sess.Open.Add(time.Hour),
	})

	assert.Zero(t, fx.orch.ActiveCount())
	assert.Zero(t, fx.quotes.alertCount())

	trade, err := fx.st.Get(tradeID)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeWin, trade.Outcome)
	assert.True(t, trade.Closed())
}

func TestAlertForUnknownPositionIgnored(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.quotes.AddAlert(stream.Alert{TradeID: "ghost"})

	fx.orch.OnAlert(stream.Alert{TradeID: "ghost", TriggerKind: stream.TriggerTP})
	assert.Zero(t, fx.quotes.alertCount())
}

func TestReconcileTimesOutAndAppends(t *testing.T) {
	fx := newFixture(t,
		map[string]*predict.Prediction{
			"EURUSD": {Direction: predict.Bullish, Conviction: 8},
		},
		map[string]*store.PercentileStat{"EURUSD": goodStats()},
	)
	fx.quotes.quotes["EURUSD"] = stream.Quote{Pair: "EURUSD", Bid: 1.1000, Ask: 1.1002}
	fx.orch.Execute(context.Background(), fx.sess)
	require.Equal(t, 1, fx.orch.ActiveCount())

	// Session window bars the reconcile fetches for exit and excursions.
	fx.fetcher.bars = []market.Bar{
		{Time: fx.sess.Open, Open: 1.1002, High: 1.1030, Low: 1.0990, Close: 1.1010},
		{Time: fx.sess.Open.Add(time.Hour), Open: 1.1010, High: 1.1025, Low: 1.1000, Close: 1.1015},
	}

	fx.orch.Reconcile(context.Background(), fx.sess)

	assert.Zero(t, fx.orch.ActiveCount())
	assert.Zero(t, fx.quotes.alertCount())

	trades, err := fx.st.RecentTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, store.OutcomeTimeout, trades[0].Outcome)
	require.NotNil(t, trades[0].ExitPrice)
	assert.InDelta(t, 1.1015, *trades[0].ExitPrice, 1e-9)

	// Excursion appended and stats rebuilt from the single record.
	stats, err := fx.st.AllStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].SampleCount)
}

func TestReconcileAppendsPendingExcursions(t *testing.T) {
	fx := newFixture(t,
		map[string]*predict.Prediction{
			"EURUSD": {Direction: predict.Bullish, Conviction: 8},
		},
		map[string]*store.PercentileStat{"EURUSD": goodStats()},
	)
	fx.quotes.quotes["EURUSD"] = stream.Quote{Pair: "EURUSD", Bid: 1.1000, Ask: 1.1002}
	fx.orch.Execute(context.Background(), fx.sess)

	var tradeID string
	for id := range fx.quotes.alerts {
		tradeID = id
	}
	fx.orch.OnAlert(stream.Alert{
		TradeID: tradeID, Pair: "EURUSD", Direction: store.Long,
		TriggerKind: stream.TriggerTP, TriggerPrice: 1.1042,
	})

	fx.fetcher.bars = []market.Bar{
		{Time: fx.sess.Open, Open: 1.1002, High: 1.1045, Low: 1.0995, Close: 1.1040},
	}
	fx.orch.Reconcile(context.Background(), fx.sess)

	stats, err := fx.st.AllStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].SampleCount)
	assert.Equal(t, 100.0, stats[0].AccuracyPct)
}

func TestReconcileSkipsWhenBarsUnavailable(t *testing.T) {
	fx := newFixture(t,
		map[string]*predict.Prediction{
			"EURUSD": {Direction: predict.Bullish, Conviction: 8},
		},
		map[string]*store.PercentileStat{"EURUSD": goodStats()},
	)
	fx.quotes.quotes["EURUSD"] = stream.Quote{Pair: "EURUSD", Bid: 1.1000, Ask: 1.1002}
	fx.orch.Execute(context.Background(), fx.sess)

	fx.fetcher.err = fmt.Errorf("upstream down")
	fx.orch.Reconcile(context.Background(), fx.sess)

	// Position survives for a later manual pass; nothing appended.
	assert.Equal(t, 1, fx.orch.ActiveCount())
	stats, err := fx.st.AllStats()
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestStatusReportsPositionsAndPrices(t *testing.T) {
	fx := newFixture(t,
		map[string]*predict.Prediction{
			"EURUSD": {Direction: predict.Bullish, Conviction: 8},
		},
		map[string]*store.PercentileStat{"EURUSD": goodStats()},
	)
	fx.quotes.quotes["EURUSD"] = stream.Quote{Pair: "EURUSD", Bid: 1.1000, Ask: 1.1002}
	fx.orch.Execute(context.Background(), fx.sess)

	st := fx.orch.Status()
	require.Len(t, st.ActivePositions, 1)
	assert.Equal(t, "EURUSD", st.ActivePositions[0].Pair)
	assert.InDelta(t, 1.1001, st.LivePrices["EURUSD"], 1e-9)
	assert.True(t, st.StreamConnected)
	assert.NotEmpty(t, st.NextSessionID)
}
