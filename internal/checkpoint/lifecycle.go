package checkpoint

import (
	"context"
	"log/slog"
	"slices"

	"github.com/vbp1/rbdsync/internal/ceph"
	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/volume"
)

// Lifecycle creates and removes checkpoints on one cluster.
type Lifecycle struct {
	Cluster *ceph.Cluster
	Namer   Namer
}

// List returns the owned checkpoints of ref.
func (l *Lifecycle) List(ctx context.Context, ref volume.Ref) ([]Checkpoint, error) {
	snaps, err := l.Cluster.ListSnapshots(ctx, ref)
	if err != nil {
		return nil, err
	}
	return l.Namer.Owned(ref, snaps), nil
}

// Create snapshots ref under a fresh name. Failures are not retried.
func (l *Lifecycle) Create(ctx context.Context, ref volume.Ref) (Checkpoint, error) {
	name, err := l.Namer.New()
	if err != nil {
		return Checkpoint{}, errclass.Wrap(errclass.CheckpointCreate, err, "%s", ref)
	}
	return l.create(ctx, ref, name)
}

func (l *Lifecycle) create(ctx context.Context, ref volume.Ref, name string) (Checkpoint, error) {
	cp := Checkpoint{Name: name, Volume: ref}
	slog.Info("creating checkpoint", "checkpoint", cp.String(), "site", l.Cluster.String())
	if err := l.Cluster.CreateSnapshot(ctx, ref, name); err != nil {
		return Checkpoint{}, errclass.Wrap(errclass.CheckpointCreate, err, "create %s on %s", cp, l.Cluster)
	}
	slog.Info("checkpoint created", "checkpoint", cp.String())
	return cp, nil
}

// Ensure makes sure ref carries a checkpoint called name, creating it when
// missing. import-diff already creates the end snapshot on the target, so
// after a transfer this is normally a lookup only.
func (l *Lifecycle) Ensure(ctx context.Context, ref volume.Ref, name string) (Checkpoint, error) {
	snaps, err := l.Cluster.ListSnapshots(ctx, ref)
	if err != nil {
		return Checkpoint{}, errclass.Wrap(errclass.CheckpointCreate, err, "ensure %s", ref.Snap(name))
	}
	if slices.ContainsFunc(snaps, func(s ceph.Snapshot) bool { return s.Name == name }) {
		return Checkpoint{Name: name, Volume: ref}, nil
	}
	return l.create(ctx, ref, name)
}

// Remove deletes a checkpoint.
func (l *Lifecycle) Remove(ctx context.Context, cp Checkpoint) error {
	slog.Info("removing checkpoint", "checkpoint", cp.String(), "site", l.Cluster.String())
	if err := l.Cluster.RemoveSnapshot(ctx, cp.Volume, cp.Name); err != nil {
		return errclass.Wrap(errclass.CheckpointRemove, err, "remove %s on %s", cp, l.Cluster)
	}
	return nil
}

// Prune removes every owned checkpoint of ref except keep. All removals are
// attempted; the first error is returned.
func (l *Lifecycle) Prune(ctx context.Context, ref volume.Ref, keep string) error {
	cps, err := l.List(ctx, ref)
	if err != nil {
		return errclass.Wrap(errclass.CheckpointRemove, err, "list %s", ref)
	}
	var first error
	for _, cp := range cps {
		if cp.Name == keep {
			continue
		}
		if err := l.Remove(ctx, cp); err != nil && first == nil {
			first = err
		}
	}
	return first
}
