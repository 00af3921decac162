//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vbp1/rbdsync/integration/util"
)

func TestHappyPath(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	bin := filepath.Join(t.TempDir(), "rbdsync")
	build := exec.CommandContext(ctx, "go", "build", "-o", bin, "../cmd/rbdsync")
	build.Env = append(build.Environ(), "CGO_ENABLED=0")
	out, err := build.CombinedOutput()
	require.NoErrorf(err, "build: %s", string(out))

	project := "rbdsync"
	teardown, err := util.StartCompose(ctx, "compose.yml", project)
	require.NoError(err)
	defer teardown()

	ceph := fmt.Sprintf("%s-ceph-1", project)
	require.NoError(util.WaitCephReady(ctx, ceph, 5*time.Minute))
	require.NoError(util.CopyInto(ctx, ceph, bin, "/usr/local/bin/rbdsync"))

	sh := func(cmd string) string {
		out, err := util.Exec(ctx, ceph, "sh", "-c", cmd)
		require.NoError(err)
		return strings.TrimSpace(out)
	}
	for _, pool := range []string{"rbd", "backup"} {
		sh("ceph osd pool create " + pool + " 8 && rbd pool init " + pool)
	}
	sh("rbd create rbd/vm-1 --size 16M && rbd create backup/vm-1 --size 16M")
	sh("rbd bench --io-type write --io-size 4K --io-total 2M --io-pattern rand rbd/vm-1")

	rbdsync := func(extra ...string) {
		args := append([]string{"exec", ceph, "rbdsync", "-s", "rbd/vm-1", "-d", "backup/vm-1",
			"--progress", "plain", "--no-scrubbing", "-v"}, extra...)
		out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
		require.NoErrorf(err, "rbdsync failed: %s", string(out))
		require.Contains(string(out), "Done with rbd/vm-1 -> backup/vm-1")
	}
	checksum := func(image string) string {
		return sh("rbd export " + image + " - 2>/dev/null | md5sum")
	}
	owned := func(image string) int {
		n := 0
		for _, line := range strings.Split(sh("rbd snap ls "+image), "\n") {
			if strings.Contains(line, "backup_snapshot_") {
				n++
			}
		}
		return n
	}

	// first run: full, base retained for the next one
	rbdsync("--retain-base")
	require.Equal(checksum("rbd/vm-1"), checksum("backup/vm-1"))
	require.Equal(1, owned("rbd/vm-1"))
	require.Equal(1, owned("backup/vm-1"))

	// second run: incremental
	sh("rbd bench --io-type write --io-size 4K --io-total 1M --io-pattern rand rbd/vm-1")
	rbdsync()
	require.Equal(checksum("rbd/vm-1"), checksum("backup/vm-1"))
	require.Equal(1, owned("rbd/vm-1"))
	require.Equal(1, owned("backup/vm-1"))

	// interrupted run: held at the stop point after the checkpoint is taken,
	// SIGINT rolls the checkpoint back and unsets the scrubbing flags
	stop := util.NewStopWatcher("before-transfer")
	held := exec.CommandContext(ctx, "docker", "exec", "-e", "RBDSYNC_TEST_STOP=before-transfer", ceph,
		"rbdsync", "-s", "rbd/vm-1", "-d", "backup/vm-1", "--progress", "none", "--no-scrubbing")
	held.Stderr = stop
	require.NoError(held.Start())
	require.NoError(stop.Wait(ctx, 5*time.Minute))
	require.Contains(sh("ceph osd dump | grep flags"), "noscrub")
	require.Equal(2, owned("rbd/vm-1"))
	sh("pkill -INT -x rbdsync")
	err = held.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(err, &exitErr, stop.String())
	require.Equal(130, exitErr.ExitCode(), stop.String())
	require.Equal(1, owned("rbd/vm-1"))
	require.Equal(1, owned("backup/vm-1"))

	// scrubbing flags restored
	require.NotContains(sh("ceph osd dump | grep flags"), "noscrub")
}
