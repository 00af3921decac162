package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vbp1/rbdsync/internal/process"
)

// Stage is one external command of a pipeline.
type Stage struct {
	Name string
	Site process.Site
	Argv []string
}

// StageStatus is the outcome of one pipeline stage.
type StageStatus struct {
	Name     string
	Site     string
	ExitCode int
	Stderr   string
	Err      error
}

func (s StageStatus) String() string {
	if s.Err == nil {
		return s.Name + "@" + s.Site + ": ok"
	}
	msg := fmt.Sprintf("%s@%s: code %d: %v", s.Name, s.Site, s.ExitCode, s.Err)
	if s.Stderr != "" {
		msg += " (" + s.Stderr + ")"
	}
	return msg
}

// PipelineError reports a pipeline in which at least one stage failed.
type PipelineError struct {
	Stages []StageStatus
}

func (e *PipelineError) Error() string {
	parts := make([]string, 0, len(e.Stages))
	for _, s := range e.Stages {
		parts = append(parts, s.String())
	}
	return "pipeline failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes every failed stage error.
func (e *PipelineError) Unwrap() []error {
	var errs []error
	for _, s := range e.Stages {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errs
}

// Pipeline runs Producer | Meter | Consumer. Producer and consumer may run
// on different sites; the meter runs in this process between them.
type Pipeline struct {
	Producer Stage
	Meter    *Meter
	Consumer Stage
}

// Run executes the pipeline. It succeeds only if every stage succeeds; the
// first failing stage cancels the others.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	upR, upW, err := os.Pipe()
	if err != nil {
		return Stats{}, err
	}
	downR, downW, err := os.Pipe()
	if err != nil {
		_ = upR.Close()
		_ = upW.Close()
		return Stats{}, err
	}

	var (
		statuses [3]StageStatus
		stats    Stats
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		statuses[0] = runStage(gctx, p.Producer, process.Stdio{Stdout: upW})
		_ = upW.Close()
		return statuses[0].Err
	})
	g.Go(func() error {
		var err error
		stats, err = p.Meter.Copy(downW, upR)
		// closing upR makes a producer that is still writing fail with EPIPE
		_ = upR.Close()
		_ = downW.Close()
		statuses[1] = StageStatus{Name: "observe", Site: "local", Err: err}
		if err != nil {
			statuses[1].ExitCode = -1
		}
		return err
	})
	g.Go(func() error {
		statuses[2] = runStage(gctx, p.Consumer, process.Stdio{Stdin: downR})
		_ = downR.Close()
		return statuses[2].Err
	})

	first := g.Wait()
	for _, s := range statuses {
		slog.Debug("pipeline stage done", "stage", s.Name, "site", s.Site, "code", s.ExitCode, "err", s.Err)
	}
	if first != nil || anyFailed(statuses[:]) {
		return stats, &PipelineError{Stages: statuses[:]}
	}
	return stats, nil
}

func anyFailed(ss []StageStatus) bool {
	for _, s := range ss {
		if s.Err != nil {
			return true
		}
	}
	return false
}

func runStage(ctx context.Context, st Stage, stdio process.Stdio) StageStatus {
	tail := &tailBuffer{max: 4096}
	stdio.Stderr = tail
	slog.Info("stage start", "stage", st.Name, "site", st.Site.String(), "args", st.Argv)
	err := st.Site.Run(ctx, st.Argv, stdio)
	return StageStatus{
		Name:     st.Name,
		Site:     st.Site.String(),
		ExitCode: process.ExitCode(err),
		Stderr:   strings.TrimSpace(tail.String()),
		Err:      err,
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

var _ io.Writer = (*tailBuffer)(nil)
