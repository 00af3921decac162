package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/rbdsync/internal/ceph"
	"github.com/vbp1/rbdsync/internal/ceph/cephtest"
	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/volume"
)

var (
	srcRef = volume.Ref{Pool: "rbd", Name: "vm-1"}
	dstRef = volume.Ref{Pool: "backup", Name: "vm-1"}
)

func newTransfer(t *testing.T) (*Transfer, *cephtest.Cluster, *cephtest.Cluster) {
	t.Helper()
	src, dst := cephtest.New("src"), cephtest.New("dst")
	tr := &Transfer{
		Source:      ceph.New(src),
		Destination: ceph.New(dst),
		WholeObject: true,
		Progress:    Progress{Mode: ProgressNone, Output: io.Discard},
	}
	return tr, src, dst
}

func TestRunFull(t *testing.T) {
	tr, src, dst := newTransfer(t)
	src.AddImage("rbd", "vm-1", []byte("hello world"))
	src.AddSnapshot("rbd", "vm-1", "cp1")
	dst.AddImage("backup", "vm-1", nil)

	stats, err := tr.RunFull(context.Background(), srcRef, dstRef, "cp1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), dst.Data("backup", "vm-1"))
	assert.Equal(t, []string{"cp1"}, dst.Snapshots("backup", "vm-1"))
	assert.Greater(t, stats.Bytes, int64(len("hello world")))

	require.Equal(t, 1, src.Called("export-diff"))
	for _, call := range src.Calls() {
		if strings.Contains(strings.Join(call, " "), "export-diff") {
			assert.NotContains(t, call, "--from-snap")
			assert.NotContains(t, call, "--whole-object")
		}
	}
}

func TestRunFullDiscardsStaleDestination(t *testing.T) {
	tr, src, dst := newTransfer(t)
	// the zero run is unallocated on the source and absent from the stream
	want := []byte("new\x00\x00\x00\x00tail")
	src.AddImage("rbd", "vm-1", want)
	src.AddSnapshot("rbd", "vm-1", "cp2")
	dst.AddImage("backup", "vm-1", []byte("old replica content from an earlier chain"))
	dst.AddSnapshot("backup", "vm-1", "cp1")

	_, err := tr.RunFull(context.Background(), srcRef, dstRef, "cp2")
	require.NoError(t, err)
	assert.Equal(t, want, dst.Data("backup", "vm-1"))
	assert.Equal(t, []string{"cp1", "cp2"}, dst.Snapshots("backup", "vm-1"))

	calls := dst.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"rbd", "-p", "backup", "resize", "--allow-shrink", "--size", "0", "vm-1"}, calls[0])
	assert.Equal(t, "import-diff", calls[1][1])
}

func TestRunFullDiscardFailure(t *testing.T) {
	tr, src, dst := newTransfer(t)
	src.AddImage("rbd", "vm-1", []byte("data"))
	src.AddSnapshot("rbd", "vm-1", "cp1")
	dst.AddImage("backup", "vm-1", []byte("old"))
	dst.FailOn("resize", 1)

	_, err := tr.RunFull(context.Background(), srcRef, dstRef, "cp1")
	require.Error(t, err)
	assert.Equal(t, errclass.Transfer, errclass.Of(err))
	assert.Zero(t, src.Called("export-diff"))
	assert.Equal(t, []byte("old"), dst.Data("backup", "vm-1"))
}

func TestRunIncremental(t *testing.T) {
	tr, src, dst := newTransfer(t)
	src.AddImage("rbd", "vm-1", []byte("v1"))
	src.AddSnapshot("rbd", "vm-1", "base")
	src.Write("rbd", "vm-1", []byte("v2"))
	src.AddSnapshot("rbd", "vm-1", "next")
	dst.AddImage("backup", "vm-1", []byte("v1"))
	dst.AddSnapshot("backup", "vm-1", "base")

	_, err := tr.RunIncremental(context.Background(), srcRef, dstRef, "base", "next")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), dst.Data("backup", "vm-1"))
	assert.Equal(t, []string{"base", "next"}, dst.Snapshots("backup", "vm-1"))

	var export []string
	for _, call := range src.Calls() {
		if strings.Contains(strings.Join(call, " "), "export-diff") {
			export = call
		}
	}
	assert.Equal(t, []string{"rbd", "export-diff", "--no-progress", "--from-snap", "base", "--whole-object", "rbd/vm-1@next", "-"}, export)
}

func TestIncrementalWithoutBaseOnDestinationFails(t *testing.T) {
	tr, src, dst := newTransfer(t)
	src.AddImage("rbd", "vm-1", []byte("v1"))
	src.AddSnapshot("rbd", "vm-1", "base")
	src.AddSnapshot("rbd", "vm-1", "next")
	dst.AddImage("backup", "vm-1", nil)

	_, err := tr.RunIncremental(context.Background(), srcRef, dstRef, "base", "next")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrTransfer))
	assert.Empty(t, dst.Snapshots("backup", "vm-1"))
}

func TestProducerFailureFailsTransfer(t *testing.T) {
	tr, src, dst := newTransfer(t)
	src.AddImage("rbd", "vm-1", []byte("data"))
	src.AddSnapshot("rbd", "vm-1", "cp1")
	dst.AddImage("backup", "vm-1", nil)
	src.FailOn("export-diff", 1)

	_, err := tr.RunFull(context.Background(), srcRef, dstRef, "cp1")
	require.Error(t, err)
	assert.Equal(t, errclass.Transfer, errclass.Of(err))

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	require.Len(t, pe.Stages, 3)
	assert.Equal(t, "export-diff", pe.Stages[0].Name)
	assert.Equal(t, 1, pe.Stages[0].ExitCode)
	assert.Empty(t, dst.Snapshots("backup", "vm-1"))
	assert.Empty(t, dst.Data("backup", "vm-1"))
}

func TestConsumerExitingEarlyFailsTransfer(t *testing.T) {
	tr, src, dst := newTransfer(t)
	// larger than any pipe buffer so the meter has to block on the consumer
	src.AddImage("rbd", "vm-1", bytes.Repeat([]byte{0xab}, 8<<20))
	src.AddSnapshot("rbd", "vm-1", "cp1")
	dst.AddImage("backup", "vm-1", nil)
	dst.ExitEarlyOn("import-diff")

	_, err := tr.RunFull(context.Background(), srcRef, dstRef, "cp1")
	require.Error(t, err)
	assert.Equal(t, errclass.Transfer, errclass.Of(err))

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.NoError(t, pe.Stages[2].Err, "consumer itself reported success")
	assert.Error(t, pe.Stages[1].Err, "meter must see the broken pipe")
}

func TestMissingSizeDoesNotBlockFullTransfer(t *testing.T) {
	tr, src, dst := newTransfer(t)
	src.AddImage("rbd", "vm-1", []byte("abc"))
	src.AddSnapshot("rbd", "vm-1", "cp1")
	dst.AddImage("backup", "vm-1", nil)
	src.FailOn(" info ", 1)

	_, err := tr.RunFull(context.Background(), srcRef, dstRef, "cp1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), dst.Data("backup", "vm-1"))
}

func TestMeterCopyPlain(t *testing.T) {
	var out, dst bytes.Buffer
	m := &Meter{Label: "test", Total: 4, Mode: ProgressPlain, Output: &out}
	stats, err := m.Copy(&dst, strings.NewReader("abcd"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", dst.String())
	assert.Equal(t, int64(4), stats.Bytes)
	assert.Equal(t, int64(4), m.Bytes())
	assert.Contains(t, out.String(), "test: 4 B / ~4 B (100 %)")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, os.ErrClosed }

func TestMeterCopyWriteError(t *testing.T) {
	m := &Meter{Label: "test", Mode: ProgressNone}
	_, err := m.Copy(failingWriter{}, strings.NewReader("abcd"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestResolveProgress(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	assert.Equal(t, ProgressPlain, ResolveProgress(ProgressAuto, w))
	assert.Equal(t, ProgressNone, ResolveProgress(ProgressNone, w))
	assert.Equal(t, ProgressBar, ResolveProgress(ProgressBar, w))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("def"))
	assert.Equal(t, "cdef", b.String())
}
