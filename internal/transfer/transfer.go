// Package transfer streams RBD snapshot deltas from one cluster to another.
//
// A transfer is a three stage pipeline: `rbd export-diff` on the source
// site, an in-process meter that reports throughput, and `rbd import-diff`
// on the destination site. import-diff creates the exported snapshot on the
// destination image when it succeeds.
package transfer

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/vbp1/rbdsync/internal/ceph"
	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/volume"
)

// Progress configures the meter of every transfer.
type Progress struct {
	Mode     string
	Interval time.Duration
	Output   io.Writer
}

// Transfer moves checkpoints between a source and a destination cluster.
type Transfer struct {
	Source      *ceph.Cluster
	Destination *ceph.Cluster
	WholeObject bool
	Progress    Progress
}

// RunFull streams the entire content of src at snap into dst. dst must
// already exist. It is discarded first, so afterwards it matches src at snap
// byte for byte.
func (t *Transfer) RunFull(ctx context.Context, src, dst volume.Ref, snap string) (Stats, error) {
	if err := t.Destination.Discard(ctx, dst); err != nil {
		return Stats{}, errclass.Wrap(errclass.Transfer, err, "full transfer of %s", src)
	}
	var total int64
	info, err := t.Source.Info(ctx, src)
	if err != nil {
		slog.Warn("cannot estimate transfer size", "volume", src.String(), "err", err)
	} else {
		total = int64(info.Size)
	}
	slog.Info("full transfer", "source", src.Snap(snap), "destination", dst.String())
	return t.run(ctx, "full "+src.String(), total,
		t.Source.ExportDiffArgs(src, "", snap, false), t.Destination.ImportDiffArgs(dst))
}

// RunIncremental streams the changes of src between base and snap into dst.
// dst must carry base.
func (t *Transfer) RunIncremental(ctx context.Context, src, dst volume.Ref, base, snap string) (Stats, error) {
	slog.Info("incremental transfer", "source", src.Snap(snap), "base", base, "destination", dst.String(),
		"whole_object", t.WholeObject)
	return t.run(ctx, "incr "+src.String(), 0,
		t.Source.ExportDiffArgs(src, base, snap, t.WholeObject), t.Destination.ImportDiffArgs(dst))
}

func (t *Transfer) run(ctx context.Context, label string, total int64, exportArgs, importArgs []string) (Stats, error) {
	p := &Pipeline{
		Producer: Stage{Name: "export-diff", Site: t.Source.Site, Argv: exportArgs},
		Meter: &Meter{
			Label:    label,
			Total:    total,
			Mode:     t.Progress.Mode,
			Interval: t.Progress.Interval,
			Output:   t.Progress.Output,
		},
		Consumer: Stage{Name: "import-diff", Site: t.Destination.Site, Argv: importArgs},
	}
	stats, err := p.Run(ctx)
	if err != nil {
		return stats, errclass.Wrap(errclass.Transfer, err, "transfer %s", label)
	}
	slog.Info("transfer complete", "label", label, "bytes", stats.Bytes, "elapsed", stats.Elapsed, "summary", stats.Summary())
	return stats, nil
}
