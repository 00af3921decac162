package gate

import (
	"context"
	"fmt"
)

// Options selects which checks run before a transfer.
type Options struct {
	WaitHealthy   bool
	NoMaintenance bool // implies WaitHealthy
}

// Enabled reports whether any gating is requested.
func (o Options) Enabled() bool { return o.WaitHealthy || o.NoMaintenance }

// Prepare gates every cluster in turn: wait healthy, then, when
// NoMaintenance is set, pause scrubbing and wait for running scrubs to end.
// Gates sharing a site are only processed once.
func Prepare(ctx context.Context, gates []*Gate, opts Options, toggles *Toggles) error {
	if !opts.Enabled() {
		return nil
	}
	seen := map[string]bool{}
	for _, g := range gates {
		key := g.Cluster.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		if err := g.AwaitHealthy(ctx); err != nil {
			return fmt.Errorf("await healthy on %s: %w", key, err)
		}
		if !opts.NoMaintenance {
			continue
		}
		toggles.Mark(g)
		if err := g.DisableMaintenance(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("disable scrubbing on %s: %w", key, err)
		}
		if err := g.AwaitMaintenanceIdle(ctx); err != nil {
			return fmt.Errorf("await scrubbing idle on %s: %w", key, err)
		}
	}
	return nil
}
