// Package schedule arms the per-session deadline timers and the daily
// maintenance trigger.
package schedule

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Hasnain410/forex-live-trader/internal/session"
)

// Handlers are the four per-session callbacks. Each fires at most once per
// scheduled session; handlers run on their own goroutine and may be slow.
type Handlers struct {
	PrewarmBars   func(session.Session)
	PrewarmInputs func(session.Session)
	Execute       func(session.Session)
	Reconcile     func(session.Session)
}

// Scheduler owns one-shot timers keyed by session and phase, plus a daily
// 00:00 UTC cleanup trigger.
type Scheduler struct {
	barsLead   time.Duration
	inputsLead time.Duration
	cleanup    func()

	now func() time.Time

	mu      sync.Mutex
	running bool
	timers  map[string]*time.Timer
	quit    chan struct{}
}

// New builds a scheduler. barsLead and inputsLead are how far before the
// open the two pre-warm phases fire.
func New(barsLead, inputsLead time.Duration, cleanup func()) *Scheduler {
	return &Scheduler{
		barsLead:   barsLead,
		inputsLead: inputsLead,
		cleanup:    cleanup,
		now:        time.Now,
		timers:     make(map[string]*time.Timer),
	}
}

// Start arms the daily cleanup trigger.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.quit = make(chan struct{})
	go s.dailyLoop(s.quit)
	log.Info().Msg("Trading scheduler started")
}

// Stop cancels every pending timer and the daily trigger.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.quit)
	s.cancelAllLocked()
	log.Info().Msg("Trading scheduler stopped")
}

// Schedule arms the four deadlines for one session. Deadlines already in
// the past are skipped, never back-fired.
func (s *Scheduler) Schedule(sess session.Session, h Handlers) {
	type deadline struct {
		phase string
		at    time.Time
		fn    func(session.Session)
	}
	deadlines := []deadline{
		{"prewarm_bars", sess.Open.Add(-s.barsLead), h.PrewarmBars},
		{"prewarm_inputs", sess.Open.Add(-s.inputsLead), h.PrewarmInputs},
		{"execute", sess.Open, h.Execute},
		{"reconcile", sess.End(), h.Reconcile},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, d := range deadlines {
		if d.fn == nil {
			continue
		}
		if !d.at.After(now) {
			log.Warn().
				Str("session", sess.Key()).
				Str("phase", d.phase).
				Time("deadline", d.at).
				Msg("Deadline already past, skipping")
			continue
		}

		key := sess.Key() + "/" + d.phase
		phase, fn := d.phase, d.fn
		timer := time.AfterFunc(d.at.Sub(now), func() {
			s.mu.Lock()
			delete(s.timers, key)
			s.mu.Unlock()

			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("phase", phase).Interface("panic", r).Msg("Handler panicked")
				}
			}()
			fn(sess)
		})
		s.timers[key] = timer

		log.Info().
			Str("session", sess.Key()).
			Str("phase", phase).
			Time("at", d.at).
			Msg("Scheduled")
	}
}

// CancelAll stops every pending timer without stopping the scheduler.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

func (s *Scheduler) cancelAllLocked() {
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}

// PendingCount reports how many deadlines are still armed.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// dailyLoop fires the cleanup handler at every 00:00 UTC.
func (s *Scheduler) dailyLoop(quit chan struct{}) {
	for {
		now := s.now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			if s.cleanup != nil {
				go s.cleanup()
			}
		case <-quit:
			timer.Stop()
			return
		}
	}
}
