package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxCapture bounds captured control-plane output.
const maxCapture = 16 << 20

// Result holds the outcome of a captured command.
type Result struct {
	Site     string
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error
}

// RunLogged executes argv on site, logging start/finish and capturing output.
func RunLogged(ctx context.Context, site Site, argv ...string) Result {
	outBuf := &limitedBuffer{N: maxCapture}
	errBuf := &limitedBuffer{N: maxCapture}

	slog.Info("exec start", "site", site.String(), "args", argv)
	start := time.Now()

	err := site.Run(ctx, argv, Stdio{Stdout: outBuf, Stderr: errBuf})
	duration := time.Since(start)

	code := ExitCode(err)
	slog.Info("exec done", "site", site.String(), "code", code, "dur", duration, "err", err)

	return Result{
		Site:     site.String(),
		Args:     argv,
		Stdout:   outBuf.Bytes(),
		Stderr:   errBuf.Bytes(),
		ExitCode: code,
		Duration: duration,
		Err:      err,
	}
}

// Output runs argv and returns its stdout. Any failure, including a
// non-zero exit, is returned as *CommandError.
func Output(ctx context.Context, site Site, argv ...string) ([]byte, error) {
	res := RunLogged(ctx, site, argv...)
	if res.Err != nil {
		return nil, &CommandError{
			Site:     res.Site,
			Args:     res.Args,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
			Err:      res.Err,
		}
	}
	return res.Stdout, nil
}

// JSON runs argv and decodes its stdout into v.
func JSON(ctx context.Context, site Site, v any, argv ...string) error {
	out, err := Output(ctx, site, argv...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("decode output of %q on %s: %w", strings.Join(argv, " "), site, err)
	}
	return nil
}

// CommandError describes a failed command invocation.
type CommandError struct {
	Site     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%q on %s exited with code %d", strings.Join(e.Args, " "), e.Site, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitStatusError is implemented by remote and fake sites that report a
// numeric exit status (golang.org/x/crypto/ssh.ExitError has the same method).
type ExitStatusError interface {
	error
	ExitStatus() int
}

// ExitCode extracts the exit status from a Site.Run error: 0 for nil,
// -1 when the command did not report one (start failure, killed, ...).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	var se ExitStatusError
	if errors.As(err, &se) {
		return se.ExitStatus()
	}
	return -1
}

// StatusError is a plain exit status, returned by in-process sites.
type StatusError struct{ Code int }

func (e *StatusError) Error() string   { return fmt.Sprintf("exit status %d", e.Code) }
func (e *StatusError) ExitStatus() int { return e.Code }

// limitedBuffer prevents unbounded memory when capturing command output.
type limitedBuffer struct {
	buf bytes.Buffer
	N   int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.N > 0 && b.buf.Len()+len(p) > b.N {
		return 0, fmt.Errorf("command output exceeds %d bytes", b.N)
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }
