// Package prewarm fetches bar data and renders analysis inputs ahead of a
// session open, feeding the caches the execute phase consumes.
package prewarm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Hasnain410/forex-live-trader/internal/chart"
	"github.com/Hasnain410/forex-live-trader/internal/market"
	"github.com/Hasnain410/forex-live-trader/internal/session"
)

// RenderWorkers bounds concurrent chart renders. Rendering is CPU-bound
// and not worth parallelizing beyond a moderate width.
const RenderWorkers = 4

// BarLookback is how much history feeds each session chart.
const BarLookback = 7 * 24 * time.Hour

// Pipeline owns the bar and input caches. Both are written only by the
// pipeline's own phases; readers get copies.
type Pipeline struct {
	fetcher  market.Fetcher
	renderer chart.Renderer
	pairs    []string

	mu     sync.RWMutex
	bars   map[string][]market.Bar
	inputs map[string]string
}

// New builds a pipeline over the configured instruments.
func New(fetcher market.Fetcher, renderer chart.Renderer, pairs []string) *Pipeline {
	return &Pipeline{
		fetcher:  fetcher,
		renderer: renderer,
		pairs:    pairs,
		bars:     make(map[string][]market.Bar),
		inputs:   make(map[string]string),
	}
}

// PrewarmBars fetches the lookback window of 15-minute bars for every
// instrument concurrently. Fetches are pure I/O and the upstream paces
// itself, so concurrency is unbounded. Failures are logged and dropped;
// a missing instrument degrades to a skipped prediction.
func (p *Pipeline) PrewarmBars(ctx context.Context, s session.Session) {
	start := time.Now()
	var g errgroup.Group

	for _, pair := range p.pairs {
		pair := pair
		g.Go(func() error {
			bars, err := p.fetcher.FetchBars(ctx, pair, s.Open.Add(-BarLookback), s.Open, market.Timeframe15Min)
			if err != nil {
				log.Warn().Str("pair", pair).Err(err).Msg("Bar pre-warm failed")
				return nil
			}
			p.mu.Lock()
			p.bars[pair] = bars
			p.mu.Unlock()
			return nil
		})
	}
	g.Wait()

	log.Info().
		Int("fetched", p.BarCount()).
		Int("requested", len(p.pairs)).
		Dur("elapsed", time.Since(start)).
		Msg("Bar pre-warm complete")
}

// PrewarmInputs renders a chart for every instrument that has cached bars,
// in a worker pool of fixed width. Render failures are logged and dropped.
func (p *Pipeline) PrewarmInputs(ctx context.Context, s session.Session) {
	start := time.Now()

	p.mu.RLock()
	pending := make(map[string][]market.Bar, len(p.bars))
	for pair, bars := range p.bars {
		pending[pair] = bars
	}
	p.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(RenderWorkers)

	for pair, bars := range pending {
		pair, bars := pair, bars
		g.Go(func() error {
			path, err := p.renderer.Render(ctx, pair, bars, s.Open)
			if err != nil {
				log.Warn().Str("pair", pair).Err(err).Msg("Input render failed")
				return nil
			}
			p.mu.Lock()
			p.inputs[pair] = path
			p.mu.Unlock()
			return nil
		})
	}
	g.Wait()

	log.Info().
		Int("rendered", p.InputCount()).
		Dur("elapsed", time.Since(start)).
		Msg("Input pre-warm complete")
}

// Bars returns the cached bar series for a pair.
func (p *Pipeline) Bars(pair string) ([]market.Bar, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bars, ok := p.bars[pair]
	return bars, ok
}

// Input returns the cached artifact path for a pair.
func (p *Pipeline) Input(pair string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	path, ok := p.inputs[pair]
	return path, ok
}

// BarCount reports how many instruments have cached bars.
func (p *Pipeline) BarCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bars)
}

// InputCount reports how many instruments have rendered inputs.
func (p *Pipeline) InputCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.inputs)
}

// Clear empties both caches. Called at the end of execute; feeds go stale
// quickly and freeing them keeps the steady-state footprint bounded.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars = make(map[string][]market.Bar)
	p.inputs = make(map[string]string)
}
