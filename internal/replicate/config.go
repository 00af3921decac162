package replicate

import (
	"time"

	"github.com/vbp1/rbdsync/internal/ceph"
	"github.com/vbp1/rbdsync/internal/checkpoint"
	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/transfer"
	"github.com/vbp1/rbdsync/internal/volume"
)

// Config collects parameters required by the orchestrator.
// It lives apart from the CLI package so the CLI only translates flags.
type Config struct {
	SnapshotPrefix string
	WholeObject    bool

	WaitHealthy  bool
	NoScrubbing  bool // implies WaitHealthy
	GateInterval time.Duration

	// RetainBase keeps the checkpoint of a full transfer on the source so
	// the next run can be incremental.
	RetainBase bool
	// ResetDestination allows a full transfer over a destination that
	// still holds checkpoints of an earlier chain.
	ResetDestination bool

	Lock    bool
	LockDir string

	Progress transfer.Progress
}

// Validate checks values the CLI cannot express through flag types.
func (c *Config) Validate() error {
	if c.SnapshotPrefix == "" {
		return errclass.New(errclass.Usage, "snapshot prefix must not be empty")
	}
	if c.GateInterval < 0 {
		return errclass.New(errclass.Usage, "gate interval must not be negative")
	}
	switch c.Progress.Mode {
	case "", transfer.ProgressAuto, transfer.ProgressBar, transfer.ProgressPlain, transfer.ProgressNone:
	default:
		return errclass.New(errclass.Usage, "unknown progress mode %q", c.Progress.Mode)
	}
	return nil
}

func (c *Config) namer() checkpoint.Namer {
	prefix := c.SnapshotPrefix
	if prefix == "" {
		prefix = checkpoint.DefaultPrefix
	}
	return checkpoint.Namer{Prefix: prefix}
}

// Endpoint is one side of a replication: a volume and the cluster that
// holds it.
type Endpoint struct {
	Volume  volume.Ref
	Cluster *ceph.Cluster
}

func (e Endpoint) String() string { return e.Cluster.String() + ":" + e.Volume.String() }
