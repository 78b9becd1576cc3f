// Package engine composes the session clock, scheduler, pre-warm
// pipeline, price stream and orchestrator into one running trader.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Hasnain410/forex-live-trader/internal/chart"
	"github.com/Hasnain410/forex-live-trader/internal/config"
	"github.com/Hasnain410/forex-live-trader/internal/market"
	"github.com/Hasnain410/forex-live-trader/internal/predict"
	"github.com/Hasnain410/forex-live-trader/internal/prewarm"
	"github.com/Hasnain410/forex-live-trader/internal/risk"
	"github.com/Hasnain410/forex-live-trader/internal/schedule"
	"github.com/Hasnain410/forex-live-trader/internal/session"
	"github.com/Hasnain410/forex-live-trader/internal/store"
	"github.com/Hasnain410/forex-live-trader/internal/stream"
	"github.com/Hasnain410/forex-live-trader/internal/trading"
)

// Engine owns the session cycle: pre-warm, execute, monitor, reconcile,
// then arm the next session.
type Engine struct {
	cfg      *config.Config
	st       *store.Store
	clock    *session.Clock
	sched    *schedule.Scheduler
	pipeline *prewarm.Pipeline
	stream   *stream.PriceStream
	orch     *trading.Orchestrator

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the full stack. notifier may be nil.
func New(cfg *config.Config, st *store.Store, notifier trading.Notifier) (*Engine, error) {
	clock, err := session.NewClock()
	if err != nil {
		return nil, err
	}

	fetcher := market.NewPolygonClient(cfg.PolygonAPIKey)
	renderer := chart.NewCandlestick(cfg.ChartsDir)
	pipeline := prewarm.New(fetcher, renderer, config.TradingPairs)
	predictor := predict.NewAnthropicClient(cfg.AnthropicAPIKey)

	e := &Engine{
		cfg:      cfg,
		st:       st,
		clock:    clock,
		pipeline: pipeline,
	}
	e.stream = stream.New(cfg.PolygonAPIKey, func(a stream.Alert) { e.orch.OnAlert(a) })
	e.orch = trading.New(cfg, st, risk.New(st, cfg), predictor, pipeline,
		e.stream, fetcher, clock, notifier)

	e.sched = schedule.New(
		time.Duration(cfg.OHLCPrewarmSeconds)*time.Second,
		time.Duration(cfg.InputPrewarmSeconds)*time.Second,
		e.dailyMaintenance,
	)
	return e, nil
}

// Orchestrator exposes the orchestrator for the admin surface.
func (e *Engine) Orchestrator() *trading.Orchestrator { return e.orch }

// Start arms the scheduler and schedules the next session.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.sched.Start()

	next := e.clock.NextSession(time.Now().UTC())
	log.Info().
		Str("session", string(next.ID)).
		Time("open", next.Open).
		Msg("Engine started, next session armed")
	e.sched.Schedule(next, e.handlers())
}

// Stop cancels timers, running handlers, and the price stream.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.sched.Stop()
	e.stream.Disconnect()
	log.Info().Msg("Engine stopped")
}

func (e *Engine) handlers() schedule.Handlers {
	return schedule.Handlers{
		PrewarmBars:   e.prewarmBars,
		PrewarmInputs: e.prewarmInputs,
		Execute:       e.execute,
		Reconcile:     e.reconcile,
	}
}

func (e *Engine) prewarmBars(sess session.Session) {
	e.pipeline.PrewarmBars(e.ctx, sess)
}

// prewarmInputs renders charts and brings the price stream up so quotes
// are flowing before the open.
func (e *Engine) prewarmInputs(sess session.Session) {
	e.pipeline.PrewarmInputs(e.ctx, sess)

	if !e.stream.IsConnected() {
		if err := e.stream.Connect(); err != nil {
			log.Error().Err(err).Msg("Price stream connect failed, entries fall back to bar closes")
			return
		}
	}
	if err := e.stream.Subscribe(config.TradingPairs); err != nil {
		log.Error().Err(err).Msg("Price stream subscribe failed")
	}
}

// execute runs the session, then arms the following one. Scheduling from
// here keeps exactly one upcoming session armed at all times.
func (e *Engine) execute(sess session.Session) {
	e.orch.Execute(e.ctx, sess)

	next := e.clock.NextSession(sess.Open.Add(time.Minute))
	e.sched.Schedule(next, e.handlers())
}

func (e *Engine) reconcile(sess session.Session) {
	e.orch.Reconcile(e.ctx, sess)
}

// dailyMaintenance ages out rolling-window rows and rebuilds the
// percentile table. Runs at 00:00 UTC.
func (e *Engine) dailyMaintenance() {
	expired, err := e.st.ExpireOld(time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("Window expiry failed")
		return
	}
	if expired == 0 {
		return
	}
	log.Info().Int64("expired", expired).Msg("Rolling window aged out")
	if err := e.st.RefreshStats(); err != nil {
		log.Error().Err(err).Msg("Percentile refresh failed")
	}
}
