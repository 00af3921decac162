// Package signalctx turns SIGINT and SIGTERM into context cancellation.
package signalctx

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Signals interrupt a run.
var Signals = []os.Signal{unix.SIGINT, unix.SIGTERM}

// Received is the cancellation cause of a context stopped by a signal.
type Received struct {
	Signal os.Signal
}

func (r *Received) Error() string { return "received signal " + r.Signal.String() }

// ExitCode follows the shell convention of 128 + signal number.
func (r *Received) ExitCode() int {
	if s, ok := r.Signal.(unix.Signal); ok {
		return 128 + int(s)
	}
	return 130
}

// WithSignals returns a context cancelled with a *Received cause on the first
// INT or TERM. The handler only records the signal; later signals are logged
// and ignored so cleanup is not cut short. stop releases the handler.
func WithSignals(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancelCause(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, Signals...)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case s := <-c:
				if ctx.Err() == nil {
					cancel(&Received{Signal: s})
					continue
				}
				slog.Warn("signal ignored, cleanup in progress", "signal", s.String())
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(c)
			close(done)
			cancel(context.Canceled)
		})
	}
}

// Cause returns the signal that cancelled ctx, if any.
func Cause(ctx context.Context) (*Received, bool) {
	var r *Received
	if errors.As(context.Cause(ctx), &r) {
		return r, true
	}
	return nil, false
}
