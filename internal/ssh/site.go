package ssh

import (
	"context"
	"errors"

	"github.com/alessio/shellescape"

	"github.com/vbp1/rbdsync/internal/process"
)

// Site runs commands over an established native SSH connection.
type Site struct {
	Target string
	Client *Client
}

func (s Site) Run(ctx context.Context, argv []string, stdio process.Stdio) error {
	if len(argv) == 0 {
		return errors.New("ssh: empty command")
	}
	return s.Client.Run(ctx, shellescape.QuoteCommand(argv), stdio)
}

func (s Site) String() string { return s.Target }
