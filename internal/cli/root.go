package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/vbp1/rbdsync/internal/ceph"
	"github.com/vbp1/rbdsync/internal/errclass"
	rlog "github.com/vbp1/rbdsync/internal/log"
	"github.com/vbp1/rbdsync/internal/metrics"
	"github.com/vbp1/rbdsync/internal/process"
	"github.com/vbp1/rbdsync/internal/replicate"
	"github.com/vbp1/rbdsync/internal/runctx"
	"github.com/vbp1/rbdsync/internal/transfer"
	"github.com/vbp1/rbdsync/internal/util/signalctx"
)

// App runs the rbdsync command. Sites may be replaced in tests.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	Sites  SiteFunc

	opts     Options
	reported bool
}

// Execute runs the command with the process arguments and returns the exit
// status, invoked from cmd/rbdsync.
func Execute() int {
	app := &App{Stdout: os.Stdout, Stderr: os.Stderr}
	return app.Run(context.Background(), os.Args[1:])
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbdsync",
		Short: "Replicate a Ceph RBD image to another pool or cluster with export-diff/import-diff",
		Long: `rbdsync performs one replication cycle of an RBD image: a full copy when the
source carries no rbdsync snapshot, otherwise an incremental copy from that
snapshot. The destination image must already exist.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd)
		},
	}
	a.opts.register(cmd)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errclass.Wrap(errclass.Usage, err, "flags")
	})
	return cmd
}

// Run executes the command with args and returns the exit status.
func (a *App) Run(ctx context.Context, args []string) int {
	cmd := a.Command()
	cmd.SetArgs(args)
	cmd.SetOut(a.Stdout)
	cmd.SetErr(a.Stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ce *errclass.Error
	if !errors.As(err, &ce) {
		// cobra's own argument errors
		err = errclass.Wrap(errclass.Usage, err, "arguments")
	}
	if !a.reported {
		_ = a.report(nil, err)
	}
	code := errclass.ExitCode(err)
	var r *signalctx.Received
	if errors.As(err, &r) {
		code = r.ExitCode()
	}
	return code
}

func (a *App) run(cmd *cobra.Command) (err error) {
	o := &a.opts
	if o.ConfigFile != "" {
		fc, err := loadFile(o.ConfigFile)
		if err != nil {
			return a.report(nil, err)
		}
		if err := o.applyFile(cmd, fc); err != nil {
			return a.report(nil, err)
		}
	}
	rlog.SetupWriter(a.Stderr, o.Verbose, o.Debug)

	cfg, srcLoc, dstLoc, err := o.resolve()
	if err != nil {
		return a.report(nil, err)
	}
	out, _ := a.Stderr.(*os.File)
	cfg.Progress.Mode = transfer.ResolveProgress(cfg.Progress.Mode, out)
	cfg.Progress.Output = a.Stderr

	var rec *metrics.Recorder
	if o.MetricsFile != "" {
		rec = metrics.New(srcLoc.String(), dstLoc.String())
	}

	ctrl := runctx.New()
	ctx := ctrl.Watch(cmd.Context())
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic", "panic", r, "stack", string(debug.Stack()))
			err = errclass.New(errclass.Unexpected, "panic: %v", r)
		}
		err = ctrl.Finish(err)
		if rec != nil {
			rec.Finish(time.Now(), errclass.ExitCode(err))
			if werr := rec.WriteFile(o.MetricsFile); werr != nil {
				slog.Error("write metrics", "path", o.MetricsFile, "err", werr)
			}
		}
		err = a.report(&reportInfo{src: srcLoc.String(), dst: dstLoc.String(), elapsed: time.Since(started)}, err)
	}()

	sites := a.Sites
	if sites == nil {
		f := &siteFactory{opts: o, ctrl: ctrl}
		sites = f.site
	}
	srcSite, err := sites(ctx, srcLoc.Target)
	if err != nil {
		return err
	}
	dstSite, err := sites(ctx, dstLoc.Target)
	if err != nil {
		return err
	}
	src := replicate.Endpoint{Volume: srcLoc.Ref, Cluster: o.cluster(srcSite)}
	dst := replicate.Endpoint{Volume: dstLoc.Ref, Cluster: o.cluster(dstSite)}

	orch := replicate.New(cfg, ctrl, src, dst)
	orch.Metrics = rec
	res, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	slog.Info("run summary", "mode", res.Mode.String(), "checkpoint", res.Checkpoint.Name, "transferred", res.Stats.Summary())
	for _, rerr := range res.RemoveErrors {
		fmt.Fprintf(a.Stderr, "warning: %v\n", rerr)
	}
	return nil
}

func (o *Options) cluster(site process.Site) *ceph.Cluster {
	c := ceph.New(site)
	c.RBD, c.Ceph = o.RBDBin, o.CephBin
	return c
}

type reportInfo struct {
	src, dst string
	elapsed  time.Duration
}

// report prints the final status line and returns err unchanged.
func (a *App) report(info *reportInfo, err error) error {
	a.reported = true
	r := lipgloss.NewRenderer(a.Stderr)
	if err == nil {
		if info != nil {
			ok := r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
			fmt.Fprintln(a.Stdout, ok.Render(fmt.Sprintf("Done with %s -> %s", info.src, info.dst))+
				fmt.Sprintf(" (%s)", info.elapsed.Truncate(time.Second)))
		}
		return nil
	}
	class := errclass.Of(err)
	switch class {
	case errclass.Unexpected:
		slog.Error("unexpected failure", "class", string(class), "err", fmt.Sprintf("%+v", err))
	case errclass.Interrupted:
		slog.Warn("interrupted", "class", string(class), "err", err)
	default:
		slog.Error(errclass.Describe(class), "class", string(class), "err", err)
	}
	bad := r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	fmt.Fprintln(a.Stderr, bad.Render("Failed: "+errclass.Describe(class))+": "+err.Error())
	return err
}
