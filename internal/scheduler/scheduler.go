// Package scheduler runs named periodic refresh tasks.
//
// A tick that fires while the previous run of the same task is still in flight
// is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
)

// Scheduler errors.
var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrUnknownTask    = errors.New("unknown task")
	ErrTaskExists     = errors.New("task already registered")
	ErrInvalidTask    = errors.New("task needs a name, a positive interval and a func")
)

// Task is a named function run every Interval.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Stats describes a task's history.
type Stats struct {
	Runs     int
	Skipped  int
	Failures int
	LastRun  time.Time
	LastErr  error
}

// Config wires a Scheduler.
type Config struct {
	Clock   clock.Clock
	Metrics *metrics.Sync
}

type task struct {
	Task
	stats Stats
}

// Scheduler owns one ticker per task.
type Scheduler struct {
	clock   clock.Clock
	metrics *metrics.Sync
	logger  zerolog.Logger
	busy    Coalescer

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tasks   map[string]*task
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{
		clock:   c,
		metrics: cfg.Metrics,
		logger:  logging.Component("scheduler"),
		tasks:   make(map[string]*task),
	}
}

// Add registers a task. Tasks added while running start on the next Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Interval <= 0 || t.Run == nil {
		return ErrInvalidTask
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Name]; exists {
		return ErrTaskExists
	}
	s.tasks[t.Name] = &task{Task: t}
	return nil
}

// Tasks lists registered task names, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins ticking every task. Tickers exist when Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, t := range s.tasks {
		ticker := s.clock.NewTicker(t.Interval)
		s.logger.Info().Str("task", t.Name).Dur("interval", t.Interval).Msg("task scheduled")
		s.wg.Add(1)
		go s.loop(s.ctx, t, ticker)
	}
	return nil
}

// Stop halts every loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// IsRunning returns true between Start and Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// TriggerNow runs a task immediately unless it is already in flight.
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tasks[name]
	if t == nil {
		return ErrUnknownTask
	}
	if !s.running {
		return ErrNotRunning
	}
	// Holding the read lock keeps Stop from waiting before this run is counted.
	s.dispatch(s.ctx, t)
	return nil
}

// Stats returns a snapshot of a task's counters.
func (s *Scheduler) Stats(name string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.tasks[name]
	if t == nil {
		return Stats{}, false
	}
	return t.stats, true
}

func (s *Scheduler) loop(ctx context.Context, t *task, ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.dispatch(ctx, t)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, t *task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ran := s.busy.TryRun(t.Name, func() { s.run(ctx, t) })
		if !ran {
			s.mu.Lock()
			t.stats.Skipped++
			s.mu.Unlock()
			s.metrics.Coalesced(t.Name)
			s.logger.Debug().Str("task", t.Name).Msg("tick skipped, previous run in flight")
		}
	}()
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	err := t.Run(ctx)

	s.mu.Lock()
	t.stats.Runs++
	t.stats.LastRun = s.clock.Now()
	t.stats.LastErr = err
	if err != nil {
		t.stats.Failures++
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("task", t.Name).Msg("task failed")
	}
}

// Coalescer admits one run per key at a time. The zero value is ready to use.
type Coalescer struct {
	mu   sync.Mutex
	busy map[string]bool
}

// TryRun calls fn unless a run for key is in flight, and reports whether it ran.
func (c *Coalescer) TryRun(key string, fn func()) bool {
	c.mu.Lock()
	if c.busy[key] {
		c.mu.Unlock()
		return false
	}
	if c.busy == nil {
		c.busy = make(map[string]bool)
	}
	c.busy[key] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.busy, key)
		c.mu.Unlock()
	}()
	fn()
	return true
}

// Busy reports whether a run for key is in flight.
func (c *Coalescer) Busy(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[key]
}
