// Package ceph wraps the rbd and ceph command-line tools of one cluster,
// reached through a process.Site.
package ceph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/vbp1/rbdsync/internal/process"
	"github.com/vbp1/rbdsync/internal/volume"
)

// Cluster is the control plane of one Ceph cluster at one execution site.
type Cluster struct {
	Site process.Site
	RBD  string // rbd binary, default "rbd"
	Ceph string // ceph binary, default "ceph"
}

// New returns a Cluster using the default binaries.
func New(site process.Site) *Cluster {
	return &Cluster{Site: site, RBD: "rbd", Ceph: "ceph"}
}

func (c *Cluster) String() string { return c.Site.String() }

func (c *Cluster) rbd(args ...string) []string {
	bin := c.RBD
	if bin == "" {
		bin = "rbd"
	}
	return append([]string{bin}, args...)
}

func (c *Cluster) ceph(args ...string) []string {
	bin := c.Ceph
	if bin == "" {
		bin = "ceph"
	}
	return append([]string{bin}, args...)
}

// Snapshot is one entry of `rbd snap ls --format json`.
type Snapshot struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// ImageInfo is the subset of `rbd info --format json` we use.
type ImageInfo struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// ListImages returns the image names of a pool.
func (c *Cluster) ListImages(ctx context.Context, pool string) ([]string, error) {
	var names []string
	if err := process.JSON(ctx, c.Site, &names, c.rbd("-p", pool, "ls", "--format", "json")...); err != nil {
		return nil, fmt.Errorf("list images in pool %s on %s: %w", pool, c, err)
	}
	return names, nil
}

// ImageExists reports whether ref is present in its pool.
func (c *Cluster) ImageExists(ctx context.Context, ref volume.Ref) (bool, error) {
	names, err := c.ListImages(ctx, ref.Pool)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, ref.Name), nil
}

// ListSnapshots returns all snapshots of an image, owned or not.
func (c *Cluster) ListSnapshots(ctx context.Context, ref volume.Ref) ([]Snapshot, error) {
	var snaps []Snapshot
	if err := process.JSON(ctx, c.Site, &snaps, c.rbd("-p", ref.Pool, "snap", "ls", "--format", "json", ref.Name)...); err != nil {
		return nil, fmt.Errorf("list snapshots of %s on %s: %w", ref, c, err)
	}
	return snaps, nil
}

// Info fetches image metadata.
func (c *Cluster) Info(ctx context.Context, ref volume.Ref) (ImageInfo, error) {
	var info ImageInfo
	if err := process.JSON(ctx, c.Site, &info, c.rbd("-p", ref.Pool, "--format", "json", "info", ref.Name)...); err != nil {
		return ImageInfo{}, fmt.Errorf("info %s on %s: %w", ref, c, err)
	}
	return info, nil
}

// CreateSnapshot runs `rbd snap create`.
func (c *Cluster) CreateSnapshot(ctx context.Context, ref volume.Ref, name string) error {
	_, err := process.Output(ctx, c.Site, c.rbd("-p", ref.Pool, "snap", "create", ref.Name+"@"+name)...)
	return err
}

// RemoveSnapshot runs `rbd snap rm`.
func (c *Cluster) RemoveSnapshot(ctx context.Context, ref volume.Ref, name string) error {
	_, err := process.Output(ctx, c.Site, c.rbd("-p", ref.Pool, "snap", "rm", ref.Name+"@"+name)...)
	return err
}

// Discard shrinks an image to zero bytes. A following full import-diff
// grows it back to the source size, so no extent of the old content
// survives where the source is unallocated.
func (c *Cluster) Discard(ctx context.Context, ref volume.Ref) error {
	if _, err := process.Output(ctx, c.Site, c.rbd("-p", ref.Pool, "resize", "--allow-shrink", "--size", "0", ref.Name)...); err != nil {
		return fmt.Errorf("discard %s on %s: %w", ref, c, err)
	}
	return nil
}

// ExportDiffArgs builds the export-diff producer of a transfer. An empty
// fromSnap exports the whole image content up to snap.
func (c *Cluster) ExportDiffArgs(ref volume.Ref, fromSnap, snap string, wholeObject bool) []string {
	args := []string{"export-diff", "--no-progress"}
	if fromSnap != "" {
		args = append(args, "--from-snap", fromSnap)
		if wholeObject {
			args = append(args, "--whole-object")
		}
	}
	return c.rbd(append(args, ref.Snap(snap), "-")...)
}

// ImportDiffArgs builds the import-diff consumer of a transfer.
func (c *Cluster) ImportDiffArgs(ref volume.Ref) []string {
	return c.rbd("import-diff", "--no-progress", "-", ref.String())
}

// Health returns the `ceph health` summary line.
func (c *Cluster) Health(ctx context.Context) (string, error) {
	out, err := process.Output(ctx, c.Site, c.ceph("health")...)
	if err != nil {
		return "", fmt.Errorf("ceph health on %s: %w", c, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Status returns the `ceph status` text.
func (c *Cluster) Status(ctx context.Context) (string, error) {
	out, err := process.Output(ctx, c.Site, c.ceph("status")...)
	if err != nil {
		return "", fmt.Errorf("ceph status on %s: %w", c, err)
	}
	return string(out), nil
}

// OSD flags controlling background scrubbing.
const (
	FlagNoScrub     = "noscrub"
	FlagNoDeepScrub = "nodeep-scrub"
)

// SetFlag runs `ceph osd set FLAG`. Setting a flag that is already set is
// not an error for ceph.
func (c *Cluster) SetFlag(ctx context.Context, flag string) error {
	if _, err := process.Output(ctx, c.Site, c.ceph("osd", "set", flag)...); err != nil {
		return fmt.Errorf("set %s on %s: %w", flag, c, err)
	}
	return nil
}

// UnsetFlag runs `ceph osd unset FLAG`.
func (c *Cluster) UnsetFlag(ctx context.Context, flag string) error {
	if _, err := process.Output(ctx, c.Site, c.ceph("osd", "unset", flag)...); err != nil {
		return fmt.Errorf("unset %s on %s: %w", flag, c, err)
	}
	return nil
}
