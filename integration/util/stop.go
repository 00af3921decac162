//go:build integration
// +build integration

package util

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StopWatcher collects the stderr of an rbdsync run started with
// RBDSYNC_TEST_STOP and reports when the stop point marker shows up.
type StopWatcher struct {
	marker string

	mu   sync.Mutex
	buf  bytes.Buffer
	hit  chan struct{}
	once sync.Once
}

// NewStopWatcher watches for the marker of the stop point label.
func NewStopWatcher(label string) *StopWatcher {
	return &StopWatcher{marker: "TEST_stop_point_" + label, hit: make(chan struct{})}
}

func (w *StopWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, _ := w.buf.Write(p)
	if strings.Contains(w.buf.String(), w.marker) {
		w.once.Do(func() { close(w.hit) })
	}
	return n, nil
}

// Wait blocks until the marker was written.
func (w *StopWatcher) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-w.hit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("stop point %s not reached after %s:\n%s", w.marker, timeout, w.String())
	}
}

func (w *StopWatcher) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
