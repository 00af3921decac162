// Package runctx owns the lifecycle of one run: signal observation, state
// transitions and the finalizers that must run exactly once however the run
// ends.
package runctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/util/signalctx"
)

// State of a run.
type State int

const (
	Running State = iota
	Interrupted
	Failed
	Completed
	Cleaned
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Interrupted:
		return "INTERRUPTED"
	case Failed:
		return "FAILED"
	case Completed:
		return "COMPLETED"
	case Cleaned:
		return "CLEANED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type finalizer struct {
	name string
	fn   func(context.Context) error
}

// Controller drives a run from RUNNING to CLEANED.
type Controller struct {
	mu         sync.Mutex
	state      State
	ctx        context.Context
	stop       func()
	finalizers []finalizer
	once       sync.Once
	start      time.Time
}

// New returns a controller in the RUNNING state.
func New() *Controller {
	return &Controller{state: Running, ctx: context.Background(), stop: func() {}, start: time.Now()}
}

// Watch starts observing SIGINT/SIGTERM and returns the context that is
// cancelled when one arrives.
func (c *Controller) Watch(parent context.Context) context.Context {
	ctx, stop := signalctx.WithSignals(parent)
	c.mu.Lock()
	c.ctx, c.stop = ctx, stop
	c.mu.Unlock()
	return ctx
}

// Context returns the signal-aware context of the run.
func (c *Controller) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Check returns an Interrupted error once a signal has been received.
// Callers invoke it between steps.
func (c *Controller) Check() error {
	ctx := c.Context()
	if ctx.Err() == nil {
		return nil
	}
	if r, ok := signalctx.Cause(ctx); ok {
		c.transition(Interrupted)
		return errclass.Wrap(errclass.Interrupted, r, "run interrupted")
	}
	return errclass.Wrap(errclass.Interrupted, context.Cause(ctx), "run cancelled")
}

// Defer registers a finalizer. Finalizers run in reverse registration order.
func (c *Controller) Defer(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizers = append(c.finalizers, finalizer{name: name, fn: fn})
}

func (c *Controller) transition(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		c.state = s
	}
}

// Finish records how the run ended, runs the finalizers once and returns
// err unchanged. Finalizer failures are logged only. Calls after the first
// run no finalizers.
func (c *Controller) Finish(err error) error {
	c.once.Do(func() {
		switch {
		case err == nil:
			c.transition(Completed)
		case errors.Is(err, errclass.ErrInterrupted):
			c.transition(Interrupted)
		default:
			c.transition(Failed)
		}
		state := c.State()
		slog.Debug("run finishing", "state", state.String(), "elapsed", time.Since(c.start).Truncate(time.Millisecond))

		c.mu.Lock()
		fins := c.finalizers
		c.finalizers = nil
		ctx := context.WithoutCancel(c.ctx)
		c.mu.Unlock()

		for i := len(fins) - 1; i >= 0; i-- {
			f := fins[i]
			if ferr := f.fn(ctx); ferr != nil {
				slog.Error("cleanup step failed", "step", f.name, "err", ferr)
				continue
			}
			slog.Debug("cleanup step done", "step", f.name)
		}

		c.mu.Lock()
		c.state = Cleaned
		stop := c.stop
		c.mu.Unlock()
		stop()
		slog.Debug("run cleaned", "from", state.String())
	})
	return err
}
