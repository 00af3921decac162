package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"slices"

	"github.com/alessio/shellescape"
)

// Stdio carries the streams attached to a command. Nil fields are
// connected to the null device (local) or left unattached (remote).
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Site executes an argument vector on the local host or on a remote host.
// Run blocks until the command exits; a non-zero exit is returned as an
// error from which ExitCode can recover the status.
type Site interface {
	Run(ctx context.Context, argv []string, stdio Stdio) error
	String() string
}

// Local runs commands on this host.
type Local struct{}

func (Local) Run(ctx context.Context, argv []string, stdio Stdio) error {
	if len(argv) == 0 {
		return errors.New("process: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	return cmd.Run()
}

func (Local) String() string { return "local" }

// Login runs commands on a remote host by prefixing them with a login
// wrapper, typically the ssh binary. The remote command line is shell-quoted
// because the login command hands it to the remote user's shell.
type Login struct {
	Wrapper []string
	Target  string
}

// NewSSHLogin returns a Login that reaches target with the ssh binary.
// Options are passed as "-o" pairs; BatchMode keeps ssh from prompting.
func NewSSHLogin(target string, options []string) Login {
	w := []string{"ssh", "-o", "BatchMode=yes"}
	for _, o := range options {
		w = append(w, "-o", o)
	}
	return Login{Wrapper: w, Target: target}
}

// Argv returns the local argument vector that executes argv remotely.
func (l Login) Argv(argv []string) []string {
	out := slices.Clone(l.Wrapper)
	return append(out, l.Target, shellescape.QuoteCommand(argv))
}

func (l Login) Run(ctx context.Context, argv []string, stdio Stdio) error {
	if len(argv) == 0 {
		return errors.New("process: empty command")
	}
	return Local{}.Run(ctx, l.Argv(argv), stdio)
}

func (l Login) String() string { return l.Target }
