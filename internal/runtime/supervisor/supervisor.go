package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "chatrelay/pkg/logx"
)

// Supervisor runs named goroutines under one shared context. It
// recovers panics, remembers the first failure, and can cancel the
// whole group when any member errors out.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64

	errMu    sync.Mutex
	firstErr error

	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context as soon as any
// goroutine returns a non-nil error or panics.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals all goroutines to stop without waiting for them.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// Counters are rough operational numbers, not a sync primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (s *Supervisor) Stats() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Go starts fn under the supervisor context. A non-nil return other
// than context.Canceled counts as a failure; panics are recovered and
// recorded the same way.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.log.Debug("goroutine started", logx.String("name", name))
		err, pan, stack := runOnce(s.ctx, fn)
		if pan != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
			s.fail(fmt.Errorf("panic in %s: %v", name, pan))
			if s.cancelOnErr {
				s.cancel()
			}
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
			if s.cancelOnErr {
				s.cancel()
			}
			return
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for functions with nothing to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minDelay        time.Duration
	maxDelay        time.Duration
	maxRestarts     int // <=0 means unlimited
	fatalOnFinalErr bool
	publishFirstErr bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minDelay = min
		}
		if max > 0 {
			p.maxDelay = max
		}
	}
}

// WithMaxRestarts caps how many times a failing function is restarted.
// The initial run does not count.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithFatalOnFinalError records the last error as the supervisor
// failure once restarts are exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatalOnFinalErr = enabled }
}

// WithPublishFirstError records the first error via Err while the
// function keeps being restarted. Status output can then show the
// failure without the worker giving up.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// GoRestart keeps fn alive: errors and panics trigger a restart after
// a jittered exponential delay, until the context ends or fn returns
// nil. Meant for long-running loops that should ride out transient
// trouble instead of taking the process down.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{minDelay: 250 * time.Millisecond, maxDelay: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	if pol.maxDelay < pol.minDelay {
		pol.maxDelay = pol.minDelay
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		delay := pol.minDelay
		restarts := 0
		for ctx.Err() == nil {
			began := time.Now()
			err, pan, stack := runOnce(ctx, fn)
			if pan != nil {
				s.log.Error("goroutine panicked (restart)",
					logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pan)
			}

			// A run that ends during shutdown is a clean stop even if it
			// surfaced an error from a torn-down dependency.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				return
			}

			named := fmt.Errorf("%s: %w", name, err)
			if pol.publishFirstErr {
				s.fail(named)
			}

			restarts++
			if pol.maxRestarts > 0 && restarts > pol.maxRestarts {
				s.log.Error("goroutine gave up after restarts",
					logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				if pol.fatalOnFinalErr {
					s.fail(named)
					if s.cancelOnErr {
						s.cancel()
					}
				}
				return
			}

			// A run that survived a while earns a fresh backoff window.
			if time.Since(began) >= 30*time.Second {
				delay = pol.minDelay
			}
			wait := jitter(delay)
			s.log.Warn("goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if delay *= 2; delay > pol.maxDelay {
				delay = pol.maxDelay
			}
		}
	})
}

// runOnce invokes fn, converting a panic into (pan, stack) instead of
// unwinding past the caller.
func runOnce(ctx context.Context, fn func(context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

// jitter adds up to 20% on top of d so synchronized failures don't
// restart in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// Stop cancels the group and waits for it to drain.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx ends. It may be
// called more than once.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}
