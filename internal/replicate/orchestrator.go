// Package replicate runs one replication cycle of an RBD image: gate the
// clusters, classify the mode, checkpoint the source, stream the data and
// roll the checkpoints forward.
package replicate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vbp1/rbdsync/internal/checkpoint"
	"github.com/vbp1/rbdsync/internal/debug"
	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/gate"
	"github.com/vbp1/rbdsync/internal/lock"
	"github.com/vbp1/rbdsync/internal/metrics"
	"github.com/vbp1/rbdsync/internal/runctx"
	"github.com/vbp1/rbdsync/internal/transfer"
)

// Result summarises a finished run.
type Result struct {
	Mode       Mode
	Checkpoint checkpoint.Checkpoint
	Stats      transfer.Stats
	// RemoveErrors are checkpoint removals that failed after a successful
	// transfer. They leave extra checkpoints for the next run to refuse.
	RemoveErrors []error
}

// Orchestrator keeps state across replication steps.
type Orchestrator struct {
	cfg  *Config
	ctrl *runctx.Controller
	src  Endpoint
	dst  Endpoint

	// Metrics is optional.
	Metrics *metrics.Recorder

	toggles *gate.Toggles
	srcLife *checkpoint.Lifecycle
	dstLife *checkpoint.Lifecycle

	mode        Mode
	created     *checkpoint.Checkpoint
	transferred bool
	result      Result
}

// New prepares an orchestrator. Finalizers are registered on ctrl; the
// caller ends the run with ctrl.Finish.
func New(cfg *Config, ctrl *runctx.Controller, src, dst Endpoint) *Orchestrator {
	namer := cfg.namer()
	return &Orchestrator{
		cfg:     cfg,
		ctrl:    ctrl,
		src:     src,
		dst:     dst,
		toggles: &gate.Toggles{},
		srcLife: &checkpoint.Lifecycle{Cluster: src.Cluster, Namer: namer},
		dstLife: &checkpoint.Lifecycle{Cluster: dst.Cluster, Namer: namer},
	}
}

// Toggles exposes the maintenance toggle state of the run.
func (o *Orchestrator) Toggles() *gate.Toggles { return o.toggles }

// Run executes one replication cycle. ctx is the signal-aware context of
// the controller; a signal takes effect between steps.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.ctrl.Defer("restore scrubbing", o.toggles.Restore)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"lock", o.stepLock},
		{"gate", o.stepGate},
		{"classify", o.stepClassify},
		{"checkpoint", o.stepCheckpoint},
		{"transfer", o.stepTransfer},
	}
	for _, s := range steps {
		debug.StopIf(ctx, "before-"+s.name)
		if err := o.ctrl.Check(); err != nil {
			o.rollback(ctx)
			return o.result, err
		}
		if err := s.fn(ctx); err != nil {
			if ierr := o.ctrl.Check(); ierr != nil {
				err = errors.Join(ierr, err)
			}
			o.rollback(ctx)
			return o.result, err
		}
	}

	// past a successful transfer the roll always completes, so the
	// cardinality of both volumes stays valid
	if err := o.stepRoll(context.WithoutCancel(ctx)); err != nil {
		return o.result, err
	}
	slog.Info("replication completed", "mode", o.mode.String(), "source", o.src.String(),
		"destination", o.dst.String(), "checkpoint", o.result.Checkpoint.Name)
	return o.result, nil
}

func (o *Orchestrator) stepLock(ctx context.Context) error {
	if !o.cfg.Lock {
		return nil
	}
	l := lock.New(o.cfg.LockDir, o.src.String(), o.dst.String())
	ok, err := l.TryLock()
	if err != nil {
		return errclass.Wrap(errclass.Precondition, err, "lock %s", l.Path())
	}
	if !ok {
		return errclass.New(errclass.Precondition, "another run holds %s", l.Path())
	}
	slog.Debug("lock acquired", "path", l.Path())
	o.ctrl.Defer("release lock", func(context.Context) error { return l.Unlock() })
	return nil
}

func (o *Orchestrator) stepGate(ctx context.Context) error {
	opts := gate.Options{WaitHealthy: o.cfg.WaitHealthy, NoMaintenance: o.cfg.NoScrubbing}
	if !opts.Enabled() {
		return nil
	}
	gates := []*gate.Gate{gate.New(o.src.Cluster), gate.New(o.dst.Cluster)}
	for _, g := range gates {
		if o.cfg.GateInterval > 0 {
			g.Interval = o.cfg.GateInterval
		}
	}
	if err := gate.Prepare(ctx, gates, opts, o.toggles); err != nil {
		return errclass.Wrap(errclass.Precondition, err, "cluster gate")
	}
	return nil
}

func (o *Orchestrator) stepClassify(ctx context.Context) error {
	mode, err := Classify(context.WithoutCancel(ctx), o.src, o.dst, o.cfg.namer(),
		Policy{ResetDestination: o.cfg.ResetDestination})
	if err != nil {
		return err
	}
	o.mode = mode
	o.result.Mode = mode
	return nil
}

func (o *Orchestrator) stepCheckpoint(ctx context.Context) error {
	cp, err := o.srcLife.Create(context.WithoutCancel(ctx), o.src.Volume)
	if err != nil {
		return err
	}
	o.created = &cp
	o.result.Checkpoint = cp
	return nil
}

type transferOutcome struct {
	stats transfer.Stats
	err   error
}

func (o *Orchestrator) stepTransfer(ctx context.Context) error {
	t := &transfer.Transfer{
		Source:      o.src.Cluster,
		Destination: o.dst.Cluster,
		WholeObject: o.cfg.WholeObject,
		Progress:    o.cfg.Progress,
	}
	tctx := context.WithoutCancel(ctx)
	snap := o.created.Name
	out := Match(o.mode,
		func(Full) transferOutcome {
			stats, err := t.RunFull(tctx, o.src.Volume, o.dst.Volume, snap)
			return transferOutcome{stats, err}
		},
		func(m Incremental) transferOutcome {
			stats, err := t.RunIncremental(tctx, o.src.Volume, o.dst.Volume, m.Base.Name, snap)
			return transferOutcome{stats, err}
		})
	if out.err != nil {
		return out.err
	}
	stats := out.stats
	o.transferred = true
	o.result.Stats = stats
	if o.Metrics != nil {
		o.Metrics.ObserveTransfer(o.mode.String(), stats.Bytes, stats.Elapsed)
	}
	return nil
}

// stepRoll moves both volumes onto the new checkpoint. Only a missing
// destination checkpoint is fatal; failed removals are recorded as warnings.
func (o *Orchestrator) stepRoll(ctx context.Context) error {
	cp := *o.created
	if _, err := o.dstLife.Ensure(ctx, o.dst.Volume, cp.Name); err != nil {
		return err
	}
	if err := o.dstLife.Prune(ctx, o.dst.Volume, cp.Name); err != nil {
		o.removeFailed(err)
	}

	var drop *checkpoint.Checkpoint
	Match(o.mode,
		func(Full) any {
			if !o.cfg.RetainBase {
				drop = &cp
			}
			return nil
		},
		func(m Incremental) any {
			base := m.Base
			drop = &base
			return nil
		})
	if drop == nil {
		return nil
	}
	if err := o.srcLife.Remove(ctx, *drop); err != nil {
		o.removeFailed(err)
	}
	return nil
}

func (o *Orchestrator) removeFailed(err error) {
	slog.Warn("checkpoint roll incomplete, next run will refuse until resolved", "err", err)
	o.result.RemoveErrors = append(o.result.RemoveErrors, err)
	if o.Metrics != nil {
		o.Metrics.RemoveFailed()
	}
}

// rollback drops the source checkpoint of a run that did not transfer, so
// the source keeps its previous checkpoint count. Best effort.
func (o *Orchestrator) rollback(ctx context.Context) {
	if o.created == nil || o.transferred {
		return
	}
	cp := *o.created
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	if err := o.srcLife.Remove(rctx, cp); err != nil {
		slog.Error("rollback failed, remove the checkpoint manually", "checkpoint", cp.String(), "err", err)
		return
	}
	slog.Info("rolled back checkpoint", "checkpoint", cp.String())
	o.created = nil
}
