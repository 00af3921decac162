package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/rbdsync/internal/ceph/cephtest"
	"github.com/vbp1/rbdsync/internal/process"
	"github.com/vbp1/rbdsync/internal/runctx"
)

type harness struct {
	src, dst       *cephtest.Cluster
	stdout, stderr bytes.Buffer
}

func newHarness() *harness {
	h := &harness{src: cephtest.New("src"), dst: cephtest.New("dst")}
	h.src.AddImage("rbd", "vm-1", []byte("payload"))
	h.dst.AddImage("backup", "vm-1", nil)
	return h
}

func (h *harness) run(args ...string) int {
	app := &App{
		Stdout: &h.stdout,
		Stderr: &h.stderr,
		Sites: func(_ context.Context, target string) (process.Site, error) {
			switch target {
			case "src":
				return h.src, nil
			case "dst":
				return h.dst, nil
			}
			panic("unexpected target " + target)
		},
	}
	return app.Run(context.Background(), args)
}

var pair = []string{"-s", "src:rbd/vm-1", "-d", "dst:backup/vm-1", "--progress", "none"}

func TestRunSuccess(t *testing.T) {
	h := newHarness()
	code := h.run(pair...)
	require.Equal(t, 0, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "Done with src:rbd/vm-1 -> dst:backup/vm-1")
	assert.Equal(t, []byte("payload"), h.dst.Data("backup", "vm-1"))
	require.Len(t, h.dst.Snapshots("backup", "vm-1"), 1)
	assert.True(t, strings.HasPrefix(h.dst.Snapshots("backup", "vm-1")[0], "backup_snapshot_"))
}

func TestUsageErrors(t *testing.T) {
	h := newHarness()
	assert.Equal(t, 1, h.run("-s", "src:rbd/vm-1"))
	assert.Equal(t, 1, newHarness().run("--no-such-flag"))
	assert.Equal(t, 1, newHarness().run(append(pair, "extra")...))
	assert.Equal(t, 1, newHarness().run(append(pair, "--ssh-mode", "telnet")...))
	assert.Equal(t, 1, newHarness().run("-s", "src:rbd/vm-1", "-d", "src:rbd/vm-1"))
	assert.Zero(t, h.src.Called("snap create"))
}

func TestPreconditionExitCode(t *testing.T) {
	h := newHarness()
	code := h.run("-s", "src:rbd/vm-1", "-d", "dst:backup/vm-9", "--progress", "none")
	assert.Equal(t, 2, code)
	assert.Contains(t, h.stderr.String(), "destination volume")
}

func TestSecondFullRunNeedsResetDestination(t *testing.T) {
	h := newHarness()
	require.Equal(t, 0, h.run(pair...), h.stderr.String())
	first := h.dst.Snapshots("backup", "vm-1")

	h.stderr.Reset()
	assert.Equal(t, 2, h.run(pair...))
	assert.Contains(t, h.stderr.String(), "--reset-destination")
	assert.Equal(t, first, h.dst.Snapshots("backup", "vm-1"))

	require.Equal(t, 0, h.run(append(pair, "--reset-destination")...), h.stderr.String())
	second := h.dst.Snapshots("backup", "vm-1")
	require.Len(t, second, 1)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []byte("payload"), h.dst.Data("backup", "vm-1"))
}

func TestTransferFailureExitCode(t *testing.T) {
	h := newHarness()
	h.src.FailOn("export-diff", 1)
	assert.Equal(t, 4, h.run(pair...))
	assert.Zero(t, h.dst.Called("snap create"))
}

func TestPanicIsUnexpected(t *testing.T) {
	h := newHarness()
	code := h.run("-s", "elsewhere:rbd/vm-1", "-d", "dst:backup/vm-1", "--progress", "none")
	assert.Equal(t, 70, code)
}

func TestConfigFileAndOverride(t *testing.T) {
	h := newHarness()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rbdsync.yaml")
	metricsPath := filepath.Join(dir, "rbdsync.prom")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
source: src:rbd/vm-1
destination: dst:backup/vm-1
snapshot_prefix: from_file_
retain_base: true
progress:
  mode: none
metrics_file: `+metricsPath+`
`), 0o600))

	code := h.run("--config", cfgPath, "-p", "from_flag_")
	require.Equal(t, 0, code, h.stderr.String())

	srcSnaps := h.src.Snapshots("rbd", "vm-1")
	require.Len(t, srcSnaps, 1, "retain_base keeps the source checkpoint")
	assert.True(t, strings.HasPrefix(srcSnaps[0], "from_flag_"))

	raw, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "rbdsync_last_run_success")
}

func TestBadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source: [unclosed"), 0o600))
	assert.Equal(t, 1, newHarness().run("--config", path))
	assert.Equal(t, 1, newHarness().run("--config", filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestNoScrubbingImpliesWait(t *testing.T) {
	o := &Options{Source: "rbd/a", Destination: "rbd/b", SnapshotPrefix: "p_", SSHMode: SSHExec,
		ProgressInt: 1, NoScrubbing: true}
	cfg, src, dst, err := o.resolve()
	require.NoError(t, err)
	assert.True(t, cfg.WaitHealthy)
	assert.False(t, src.Remote())
	assert.Equal(t, "rbd/b", dst.Ref.String())
}

func TestExecSiteOptions(t *testing.T) {
	f := &siteFactory{
		opts: &Options{SSHMode: SSHExec, SSHKey: "/k", InsecureSSH: true, SSHOptions: []string{"Port=2222"}},
		ctrl: runctx.New(),
	}
	s, err := f.site(context.Background(), "root@ceph1")
	require.NoError(t, err)
	login, ok := s.(process.Login)
	require.True(t, ok)
	assert.Equal(t, []string{"ssh", "-o", "BatchMode=yes", "-o", "IdentityFile=/k",
		"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null", "-o", "Port=2222",
		"root@ceph1", "rbd ls"}, login.Argv([]string{"rbd", "ls"}))

	local, err := f.site(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local", local.String())
}
