// Package background runs fire-and-forget side effects (durable memory
// writes, task creation) off the request path. Failures are logged and
// published on a buffered channel; they never reach the caller that queued
// the work.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultJobTimeout = 15 * time.Second
	defaultFailureBuf = 32
)

// ErrClosed is returned by Go after Close has been called.
var ErrClosed = errors.New("background: scheduler closed")

// Job is one unit of side-effect work.
type Job func(ctx context.Context) error

// Failure describes a job that returned an error or panicked.
type Failure struct {
	Name string
	Err  error
	At   time.Time
}

// Scheduler runs jobs on their own goroutines under a shared cancellable
// context.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	jobTimeout time.Duration
	failures   chan Failure

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJobTimeout bounds each job's context.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		ctx:        ctx,
		cancel:     cancel,
		logger:     slog.Default(),
		jobTimeout: defaultJobTimeout,
		failures:   make(chan Failure, defaultFailureBuf),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Go queues fn under name. It never blocks on fn.
func (s *Scheduler) Go(name string, fn Job) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
		defer cancel()
		if err := run(ctx, fn); err != nil {
			s.report(name, err)
		}
	}()
	return nil
}

func run(ctx context.Context, fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background: panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) report(name string, err error) {
	s.logger.Warn("background job failed", "job", name, "err", err)
	select {
	case s.failures <- Failure{Name: name, Err: err, At: time.Now()}:
	default:
		// nobody draining; the log line is the record
	}
}

// Failures exposes job failures. The channel is never closed.
func (s *Scheduler) Failures() <-chan Failure {
	return s.failures
}

// Wait blocks until every queued job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Drain waits for in-flight jobs until ctx is done. Unlike Close it leaves
// the scheduler open and running jobs untouched.
func (s *Scheduler) Drain(ctx context.Context) error {
	select {
	case <-s.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight ones until ctx is done,
// then cancels whatever is still running.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := s.idle()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) idle() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return done
}
