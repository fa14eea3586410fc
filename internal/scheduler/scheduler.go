// Package scheduler runs the periodic sweeps. Each task is single-flight:
// a tick that arrives while the previous run is still going is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrBusy is returned by RunNow while the task is already running.
	ErrBusy = errors.New("scheduler: task already running")
	// ErrUnknownTask is returned by RunNow for a name that was never added.
	ErrUnknownTask = errors.New("scheduler: unknown task")
)

// Task is a named periodic job.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Fn         func(ctx context.Context) error
}

type task struct {
	Task
	running atomic.Bool
	skipped atomic.Int64
}

// Supervisor owns the sweep goroutines and stops them on shutdown.
type Supervisor struct {
	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	logger  zerolog.Logger
}

// New creates an empty supervisor.
func New(logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		tasks:  make(map[string]*task),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers a task. Tasks cannot be added after Start.
func (s *Supervisor) Add(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Fn == nil {
		return fmt.Errorf("task %s: function is required", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %s: supervisor already started", t.Name)
	}
	if _, dup := s.tasks[t.Name]; dup {
		return fmt.Errorf("task %s: already registered", t.Name)
	}
	s.tasks[t.Name] = &task{Task: t}
	s.order = append(s.order, t.Name)
	return nil
}

// Start launches one loop per task. The loops end when ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.group = &errgroup.Group{}

	for _, name := range s.order {
		t := s.tasks[name]
		s.group.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
		s.logger.Info().Str("task", t.Name).Dur("interval", t.Interval).Bool("run_on_start", t.RunOnStart).Msg("Sweep scheduled")
	}
}

// Stop cancels every loop and waits for in-flight runs to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
	s.logger.Info().Msg("Sweeps stopped")
}

// RunNow runs the named task once on the caller's goroutine.
func (s *Supervisor) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !t.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer t.running.Store(false)
	return s.execute(ctx, t)
}

// Skipped returns how many ticks of the named task were skipped.
func (s *Supervisor) Skipped(name string) int64 {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return t.skipped.Load()
}

// Names lists registered tasks in the order they were added.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Supervisor) loop(ctx context.Context, t *task) {
	if t.RunOnStart {
		s.trigger(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, t)
		}
	}
}

// trigger starts a run unless one is already in progress.
func (s *Supervisor) trigger(ctx context.Context, t *task) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		metrics.SweepSkipped.WithLabelValues(t.Name).Inc()
		s.logger.Debug().Str("task", t.Name).Msg("Previous run still in progress, skipping tick")
		return
	}
	s.group.Go(func() error {
		defer t.running.Store(false)
		_ = s.execute(ctx, t)
		return nil
	})
}

func (s *Supervisor) execute(ctx context.Context, t *task) error {
	start := time.Now()
	err := t.Fn(ctx)
	metrics.SweepDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.SweepRuns.WithLabelValues(t.Name, "ok").Inc()
	case errors.Is(err, context.Canceled):
		metrics.SweepRuns.WithLabelValues(t.Name, "cancelled").Inc()
	default:
		metrics.SweepRuns.WithLabelValues(t.Name, "error").Inc()
		s.logger.Error().Err(err).Str("task", t.Name).Msg("Sweep failed, retrying next tick")
	}
	return err
}
