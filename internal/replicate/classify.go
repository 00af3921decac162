package replicate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/vbp1/rbdsync/internal/checkpoint"
	"github.com/vbp1/rbdsync/internal/errclass"
)

// Inventory is the set of reads a classification is based on. It is taken
// once per run.
type Inventory struct {
	SourceExists      bool
	DestinationExists bool
	Owned             []checkpoint.Checkpoint
	// DestinationOwned are checkpoints a previous run left on the replica.
	DestinationOwned []checkpoint.Checkpoint
}

// Policy adjusts how an inventory maps to a mode.
type Policy struct {
	// ResetDestination lets a full transfer replace a destination that
	// still carries owned checkpoints while the source has none.
	ResetDestination bool
}

// TakeInventory reads volume existence on both sides and the owned
// checkpoints of each existing volume.
func TakeInventory(ctx context.Context, src, dst Endpoint, namer checkpoint.Namer) (Inventory, error) {
	var inv Inventory
	var err error
	if inv.SourceExists, err = src.Cluster.ImageExists(ctx, src.Volume); err != nil {
		return inv, errclass.Wrap(errclass.Precondition, err, "source inventory")
	}
	if inv.DestinationExists, err = dst.Cluster.ImageExists(ctx, dst.Volume); err != nil {
		return inv, errclass.Wrap(errclass.Precondition, err, "destination inventory")
	}
	if inv.SourceExists {
		snaps, err := src.Cluster.ListSnapshots(ctx, src.Volume)
		if err != nil {
			return inv, errclass.Wrap(errclass.Precondition, err, "source checkpoints")
		}
		inv.Owned = namer.Owned(src.Volume, snaps)
	}
	if inv.DestinationExists {
		snaps, err := dst.Cluster.ListSnapshots(ctx, dst.Volume)
		if err != nil {
			return inv, errclass.Wrap(errclass.Precondition, err, "destination checkpoints")
		}
		inv.DestinationOwned = namer.Owned(dst.Volume, snaps)
	}
	return inv, nil
}

// Decide maps an inventory to a mode. Both volumes must exist and the
// source may carry at most one owned checkpoint. A source without one
// means a full transfer, which is refused over a destination that already
// holds a replica chain unless p.ResetDestination is set.
func (inv Inventory) Decide(src, dst Endpoint, p Policy) (Mode, error) {
	switch {
	case !inv.SourceExists:
		return nil, errclass.New(errclass.Precondition, "source volume %s does not exist", src)
	case !inv.DestinationExists:
		return nil, errclass.New(errclass.Precondition, "destination volume %s does not exist", dst)
	case len(inv.Owned) > 1:
		return nil, errclass.New(errclass.Precondition,
			"source volume %s carries %d owned checkpoints (%s), expected at most one",
			src, len(inv.Owned), names(inv.Owned))
	case len(inv.Owned) == 1:
		return Incremental{Base: inv.Owned[0]}, nil
	case len(inv.DestinationOwned) > 0 && !p.ResetDestination:
		return nil, errclass.New(errclass.Precondition,
			"destination volume %s carries checkpoints (%s) but source volume %s has none; "+
				"rerun with --reset-destination to replace the replica with a full copy",
			dst, names(inv.DestinationOwned), src)
	case len(inv.DestinationOwned) > 0:
		slog.Warn("replacing destination replica with a full copy", "destination", dst.String(),
			"checkpoints", names(inv.DestinationOwned))
	}
	return Full{}, nil
}

func names(cps []checkpoint.Checkpoint) string {
	out := make([]string, len(cps))
	for i, cp := range cps {
		out[i] = cp.Name
	}
	return strings.Join(out, ", ")
}

// Classify takes one inventory and decides the mode. It mutates nothing.
func Classify(ctx context.Context, src, dst Endpoint, namer checkpoint.Namer, p Policy) (Mode, error) {
	inv, err := TakeInventory(ctx, src, dst, namer)
	if err != nil {
		return nil, err
	}
	mode, err := inv.Decide(src, dst, p)
	if err != nil {
		return nil, err
	}
	attrs := []any{"mode", mode.String(), "source", src.String(), "destination", dst.String()}
	if inc, ok := mode.(Incremental); ok {
		attrs = append(attrs, "base", inc.Base.Name)
	}
	slog.Info("replication mode", attrs...)
	return mode, nil
}
