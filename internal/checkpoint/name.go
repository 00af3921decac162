package checkpoint

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vbp1/rbdsync/internal/ceph"
	"github.com/vbp1/rbdsync/internal/volume"
)

// DefaultPrefix marks checkpoints created by rbdsync.
const DefaultPrefix = "backup_snapshot_"

// idLen is the number of hex characters after the prefix.
const idLen = 16

// Checkpoint is a tool-owned snapshot of a volume.
type Checkpoint struct {
	Name   string
	Volume volume.Ref
}

func (c Checkpoint) String() string { return c.Volume.Snap(c.Name) }

// Namer generates and recognizes checkpoint names for one prefix.
type Namer struct {
	Prefix string
}

// New returns prefix + 16 random lowercase hex characters.
func (n Namer) New() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate checkpoint id: %w", err)
	}
	return n.Prefix + hex.EncodeToString(id[:idLen/2]), nil
}

// Owns reports whether a snapshot name belongs to this tool. Only a leading
// prefix counts; the prefix appearing elsewhere in the name does not.
func (n Namer) Owns(name string) bool {
	return n.Prefix != "" && strings.HasPrefix(name, n.Prefix)
}

// Owned filters the snapshots of ref down to owned checkpoints.
func (n Namer) Owned(ref volume.Ref, snaps []ceph.Snapshot) []Checkpoint {
	var out []Checkpoint
	for _, s := range snaps {
		if n.Owns(s.Name) {
			out = append(out, Checkpoint{Name: s.Name, Volume: ref})
		}
	}
	return out
}
