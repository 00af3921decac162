package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Toggles records which gates had scrubbing paused by this run.
// Restore re-enables each of them exactly once.
type Toggles struct {
	mu       sync.Mutex
	disabled []*Gate
}

// Mark records g before its flags are changed, so a disable that fails
// halfway is still restored.
func (t *Toggles) Mark(g *Gate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.disabled {
		if d == g {
			return
		}
	}
	t.disabled = append(t.disabled, g)
}

// Pending reports how many gates still await restoration.
func (t *Toggles) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.disabled)
}

// Restore re-enables scrubbing on every marked gate and clears the set.
// A second call is a no-op.
func (t *Toggles) Restore(ctx context.Context) error {
	t.mu.Lock()
	gates := t.disabled
	t.disabled = nil
	t.mu.Unlock()

	var errs []error
	for _, g := range gates {
		if err := g.EnableMaintenance(ctx); err != nil {
			slog.Error("re-enable scrubbing failed", "site", g.Cluster.String(), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
