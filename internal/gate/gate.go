// Package gate holds a replication run until a cluster is fit for the
// transfer: not in HEALTH_ERR and, on request, with scrubbing paused and
// drained.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vbp1/rbdsync/internal/ceph"
)

// DefaultInterval between health and status polls.
const DefaultInterval = 5 * time.Second

// Gate checks and toggles one cluster.
type Gate struct {
	Cluster  *ceph.Cluster
	Interval time.Duration
}

// New returns a Gate polling at DefaultInterval.
func New(c *ceph.Cluster) *Gate {
	return &Gate{Cluster: c, Interval: DefaultInterval}
}

func (g *Gate) interval() time.Duration {
	if g.Interval <= 0 {
		return DefaultInterval
	}
	return g.Interval
}

// wait sleeps one interval or returns early when ctx is done.
func (g *Gate) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.interval()):
		return nil
	}
}

// AwaitHealthy blocks until `ceph health` stops reporting HEALTH_ERR.
// There is no deadline: recovery may take arbitrarily long.
func (g *Gate) AwaitHealthy(ctx context.Context) error {
	slog.Info("waiting for cluster to become healthy", "site", g.Cluster.String())
	for polls := 0; ; polls++ {
		health, err := g.Cluster.Health(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
		if !strings.HasPrefix(health, "HEALTH_ERR") {
			slog.Info("cluster healthy enough", "site", g.Cluster.String(), "health", firstLine(health), "polls", polls)
			return nil
		}
		slog.Warn("cluster in error state, waiting", "site", g.Cluster.String(), "health", firstLine(health))
		if err := g.wait(ctx); err != nil {
			return err
		}
	}
}

// AwaitMaintenanceIdle blocks until `ceph status` no longer mentions scrubbing.
func (g *Gate) AwaitMaintenanceIdle(ctx context.Context) error {
	slog.Info("waiting for scrubbing to complete", "site", g.Cluster.String())
	for {
		status, err := g.Cluster.Status(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
		if !strings.Contains(status, "scrubbing") {
			return nil
		}
		slog.Debug("scrubbing still active", "site", g.Cluster.String())
		if err := g.wait(ctx); err != nil {
			return err
		}
	}
}

// DisableMaintenance pauses shallow and deep scrubbing.
func (g *Gate) DisableMaintenance(ctx context.Context) error {
	slog.Info("disable scrubbing", "site", g.Cluster.String())
	return errors.Join(
		g.Cluster.SetFlag(ctx, ceph.FlagNoDeepScrub),
		g.Cluster.SetFlag(ctx, ceph.FlagNoScrub),
	)
}

// EnableMaintenance resumes scrubbing. Both flags are always unset, so the
// call is safe when scrubbing was never paused.
func (g *Gate) EnableMaintenance(ctx context.Context) error {
	slog.Info("enable scrubbing", "site", g.Cluster.String())
	return errors.Join(
		g.Cluster.UnsetFlag(ctx, ceph.FlagNoDeepScrub),
		g.Cluster.UnsetFlag(ctx, ceph.FlagNoScrub),
	)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
