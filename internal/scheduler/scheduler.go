package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc performs one scheduled run.
type JobFunc func(ctx context.Context) error

// TimeoutFunc is told about a run that was abandoned after the job timeout.
type TimeoutFunc func(ctx context.Context, elapsed time.Duration)

// Planner picks run times. Policy is the production planner.
type Planner interface {
	InWindow(t time.Time) bool
	Next(now time.Time, rnd *rand.Rand) time.Time
}

// Options tune scheduler behaviour.
type Options struct {
	Planner Planner
	// StartupDelay applies to the first run when starting inside the window.
	StartupDelay time.Duration
	JobTimeout   time.Duration
	// ShutdownGrace bounds how long cancellation waits for an in-flight run to return.
	ShutdownGrace time.Duration
	Rand          *rand.Rand
	Now           func() time.Time
}

// Scheduler runs a job at planned times, one at a time, each under a hard timeout.
type Scheduler struct {
	opts      Options
	job       JobFunc
	onTimeout TimeoutFunc
	logger    zerolog.Logger

	mu      sync.Mutex
	next    time.Time
	cancel  context.CancelFunc
	stopped chan struct{}

	busy atomic.Bool
}

// New constructs a Scheduler instance.
func New(opts Options, job JobFunc, logger zerolog.Logger) *Scheduler {
	if opts.Planner == nil {
		panic("scheduler planner must be set")
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.StartupDelay < 0 {
		opts.StartupDelay = 0
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, job: job, logger: logger.With().Str("component", "scheduler").Logger()}
}

// OnTimeout registers fn for abandoned runs. Call before Run.
func (s *Scheduler) OnTimeout(fn TimeoutFunc) {
	s.onTimeout = fn
}

// NextRun reports the stored next run time.
func (s *Scheduler) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, !s.next.IsZero()
}

// Start runs the loop in the background until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler stopped with error")
		}
	}(s.stopped)
}

// Stop cancels a started loop and waits for it to return. An in-flight run gets up
// to ShutdownGrace to finish; a job already abandoned after its timeout is not waited for.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks, dispatching the job at each planned time until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.opts.Now()
	var next time.Time
	if s.opts.Planner.InWindow(now) {
		next = now.Add(s.opts.StartupDelay)
	} else {
		next = s.opts.Planner.Next(now, s.opts.Rand)
	}

	for {
		s.setNext(next)
		delay := next.Sub(s.opts.Now())
		if delay < 0 {
			delay = 0
		}

		s.logger.Info().Time("next_run", next).Dur("delay", delay).Msg("waiting for next run")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setNext(time.Time{})
			return ctx.Err()
		case <-timer.C:
		}

		if s.busy.Load() {
			s.logger.Warn().Msg("previous run still executing; skipping this tick")
		} else {
			s.dispatch(ctx)
		}
		if ctx.Err() != nil {
			s.setNext(time.Time{})
			return ctx.Err()
		}

		next = s.opts.Planner.Next(s.opts.Now(), s.opts.Rand)
	}
}

// dispatch runs the job in a worker goroutine and waits for it or the timeout.
func (s *Scheduler) dispatch(ctx context.Context) {
	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	s.busy.Store(true)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panic: %v", r)
			}
			s.busy.Store(false)
			done <- err
		}()
		err = s.job(jobCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("scheduled run failed")
			return
		}
		s.logger.Info().Dur("elapsed", time.Since(started)).Msg("scheduled run finished")
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			s.drain(done, started)
			return
		}
		elapsed := time.Since(started)
		s.logger.Error().Dur("timeout", s.opts.JobTimeout).Msg("scheduled run timed out")
		if s.onTimeout != nil {
			s.onTimeout(ctx, elapsed)
		}
	}
}

// drain waits for a cancelled run so it can release its resources before shutdown.
func (s *Scheduler) drain(done <-chan error, started time.Time) {
	grace := time.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		s.logger.Info().Dur("elapsed", time.Since(started)).Msg("in-flight run returned after cancellation")
	case <-grace.C:
		s.logger.Warn().Dur("grace", s.opts.ShutdownGrace).Msg("in-flight run still executing at shutdown")
	}
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}
