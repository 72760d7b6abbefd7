package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"accord/api/internal/logger"
)

const (
	DefaultAutoPushDelay = 30 * time.Second
	DefaultWatchInterval = 60 * time.Second
)

// Scheduler runs the trailing-debounce auto-push and the watchdog that
// polls the remote branch for teammates' commits.
type Scheduler struct {
	engine   *Engine
	clock    clock.Clock
	delay    time.Duration
	interval time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	timer  *clock.Timer
	gen    uint64
	armed  bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewScheduler(engine *Engine, clk clock.Clock, delay, interval time.Duration, log *logger.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if delay <= 0 {
		delay = DefaultAutoPushDelay
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine:   engine,
		clock:    clk,
		delay:    delay,
		interval: interval,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	engine.attach(s)
	return s
}

// Schedule (re)arms the auto-push timer. Calls inside the delay coalesce
// into a single push.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.delay, func() { s.fire(gen) })
	wasArmed := s.armed
	s.armed = true
	ctx := s.ctx
	s.mu.Unlock()

	if !wasArmed {
		s.engine.setPending(ctx, true)
	}
}

// Cancel stops a pending auto-push.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.armed = false
}

// Pending reports whether an auto-push timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.armed = false
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.engine.Push(ctx, true); err != nil {
		s.log.Warn("auto-push failed", "error", err)
	}

	// A failed or skipped push leaves nothing armed; the next Schedule re-arms.
	s.mu.Lock()
	rearmed := s.armed
	s.mu.Unlock()
	if !rearmed && s.engine.PendingAutoSync() {
		s.engine.setPending(ctx, false)
	}
}

// Start launches the watchdog. A push left pending by a previous run is re-armed.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.done != nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	done := make(chan struct{})
	s.done = done
	ticker := s.clock.Ticker(s.interval)
	s.mu.Unlock()

	go s.watch(runCtx, ticker, done)

	if s.engine.PendingAutoSync() {
		s.Schedule()
	}
}

func (s *Scheduler) watch(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.CheckForUpdates(ctx); err != nil {
				s.log.Warn("watchdog check failed", "error", err)
			}
		}
	}
}

// Close stops the timer and the watchdog and waits for the watchdog to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	s.cancel()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}
