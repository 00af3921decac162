// Package cephtest provides an in-memory Ceph cluster that understands the
// rbd and ceph invocations issued by rbdsync. It implements process.Site so
// the whole replication flow can run against it without a real cluster.
package cephtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/vbp1/rbdsync/internal/process"
)

const diffMagic = "rbdsync-fake-diff"

type snapshot struct {
	id   uint64
	name string
	data []byte
}

type image struct {
	data  []byte
	snaps []snapshot
}

// Cluster is a fake cluster. The zero value is not usable; call New.
type Cluster struct {
	name string

	mu     sync.Mutex
	pools  map[string]map[string]*image
	flags  map[string]bool
	nextID uint64
	calls  [][]string

	health []string
	status []string
	fail   []failRule
	early  []string
}

type failRule struct {
	match string
	code  int
}

// New returns an empty cluster reported under name.
func New(name string) *Cluster {
	return &Cluster{
		name:  name,
		pools: map[string]map[string]*image{},
		flags: map[string]bool{},
	}
}

func (c *Cluster) String() string { return c.name }

// AddImage creates pool/name with content.
func (c *Cluster) AddImage(pool, name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pools[pool] == nil {
		c.pools[pool] = map[string]*image{}
	}
	c.pools[pool][name] = &image{data: slices.Clone(data)}
}

// AddSnapshot adds a snapshot of the image's current content.
func (c *Cluster) AddSnapshot(pool, name, snap string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img := c.pools[pool][name]
	c.nextID++
	img.snaps = append(img.snaps, snapshot{id: c.nextID, name: snap, data: slices.Clone(img.data)})
}

// Write replaces the head content of an image.
func (c *Cluster) Write(pool, name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[pool][name].data = slices.Clone(data)
}

// Data returns the head content of an image.
func (c *Cluster) Data(pool, name string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pools[pool][name].data)
}

// Snapshots returns the snapshot names of an image in creation order.
func (c *Cluster) Snapshots(pool, name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.pools[pool][name].snaps {
		out = append(out, s.name)
	}
	return out
}

// Flag reports whether an OSD flag is set.
func (c *Cluster) Flag(flag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[flag]
}

// SetHealth queues `ceph health` answers; the last one repeats.
func (c *Cluster) SetHealth(answers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = answers
}

// SetStatus queues `ceph status` answers; the last one repeats.
func (c *Cluster) SetStatus(answers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = answers
}

// FailOn makes every command whose joined argv contains match exit with code.
func (c *Cluster) FailOn(match string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = append(c.fail, failRule{match: match, code: code})
}

// ExitEarlyOn makes matching commands exit 0 without touching stdin.
func (c *Cluster) ExitEarlyOn(match string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.early = append(c.early, match)
}

// Calls returns every argv run so far.
func (c *Cluster) Calls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// Called counts invocations whose joined argv contains match.
func (c *Cluster) Called(match string) int {
	n := 0
	for _, argv := range c.Calls() {
		if strings.Contains(strings.Join(argv, " "), match) {
			n++
		}
	}
	return n
}

// Run implements process.Site.
func (c *Cluster) Run(_ context.Context, argv []string, stdio process.Stdio) error {
	stdout, stderr := writerOr(stdio.Stdout), writerOr(stdio.Stderr)
	line := strings.Join(argv, " ")

	c.mu.Lock()
	c.calls = append(c.calls, slices.Clone(argv))
	for _, f := range c.fail {
		if strings.Contains(line, f.match) {
			c.mu.Unlock()
			fmt.Fprintf(stderr, "injected failure for %q\n", f.match)
			return &process.StatusError{Code: f.code}
		}
	}
	for _, m := range c.early {
		if strings.Contains(line, m) {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	if len(argv) == 0 {
		return &process.StatusError{Code: 127}
	}
	switch argv[0] {
	case "rbd":
		return c.rbd(argv[1:], stdio.Stdin, stdout, stderr)
	case "ceph":
		return c.ceph(argv[1:], stdout, stderr)
	}
	fmt.Fprintf(stderr, "%s: command not found\n", argv[0])
	return &process.StatusError{Code: 127}
}

func (c *Cluster) rbd(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var pool, format, fromSnap, size string
	var allowShrink bool
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p":
			i++
			pool = args[i]
		case "--format":
			i++
			format = args[i]
		case "--from-snap":
			i++
			fromSnap = args[i]
		case "--size":
			i++
			size = args[i]
		case "--allow-shrink":
			allowShrink = true
		case "--no-progress", "--whole-object":
		default:
			rest = append(rest, args[i])
		}
	}
	if len(rest) == 0 {
		return usage(stderr, "rbd")
	}

	switch {
	case rest[0] == "ls":
		return c.ls(pool, format, stdout, stderr)
	case rest[0] == "info" && len(rest) == 2:
		return c.info(pool, rest[1], stdout, stderr)
	case rest[0] == "resize" && len(rest) == 2 && size != "":
		return c.resize(pool, rest[1], size, allowShrink, stderr)
	case rest[0] == "snap" && len(rest) == 3 && rest[1] == "ls":
		return c.snapLs(pool, rest[2], stdout, stderr)
	case rest[0] == "snap" && len(rest) == 3 && rest[1] == "create":
		return c.snapCreate(pool, rest[2], stderr)
	case rest[0] == "snap" && len(rest) == 3 && rest[1] == "rm":
		return c.snapRm(pool, rest[2], stderr)
	case rest[0] == "export-diff" && len(rest) == 3 && rest[2] == "-":
		return c.exportDiff(rest[1], fromSnap, stdout, stderr)
	case rest[0] == "import-diff" && len(rest) == 3 && rest[1] == "-":
		return c.importDiff(rest[2], stdin, stderr)
	}
	return usage(stderr, "rbd "+strings.Join(rest, " "))
}

func (c *Cluster) ls(pool, format string, stdout, stderr io.Writer) error {
	c.mu.Lock()
	images, ok := c.pools[pool]
	var names []string
	for n := range images {
		names = append(names, n)
	}
	c.mu.Unlock()
	if !ok {
		return fail(stderr, 2, "rbd: error opening pool '%s': (2) No such file or directory", pool)
	}
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	if format != "json" {
		_, err := fmt.Fprintln(stdout, strings.Join(names, "\n"))
		return err
	}
	return json.NewEncoder(stdout).Encode(names)
}

func (c *Cluster) lookup(pool, name string) *image {
	if c.pools[pool] == nil {
		return nil
	}
	return c.pools[pool][name]
}

func (c *Cluster) info(pool, name string, stdout, stderr io.Writer) error {
	c.mu.Lock()
	img := c.lookup(pool, name)
	c.mu.Unlock()
	if img == nil {
		return fail(stderr, 2, "rbd: error opening image %s: (2) No such file or directory", name)
	}
	return json.NewEncoder(stdout).Encode(map[string]any{"name": name, "size": len(img.data)})
}

func (c *Cluster) snapLs(pool, name string, stdout, stderr io.Writer) error {
	c.mu.Lock()
	img := c.lookup(pool, name)
	type entry struct {
		ID   uint64 `json:"id"`
		Name string `json:"name"`
		Size int    `json:"size"`
	}
	out := []entry{}
	if img != nil {
		for _, s := range img.snaps {
			out = append(out, entry{ID: s.id, Name: s.name, Size: len(s.data)})
		}
	}
	c.mu.Unlock()
	if img == nil {
		return fail(stderr, 2, "rbd: error opening image %s: (2) No such file or directory", name)
	}
	return json.NewEncoder(stdout).Encode(out)
}

// resize takes the size in MiB, as rbd does without a unit suffix.
func (c *Cluster) resize(pool, name, size string, allowShrink bool, stderr io.Writer) error {
	mib, err := strconv.Atoi(size)
	if err != nil || mib < 0 {
		return fail(stderr, 22, "rbd: invalid size: %s", size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	img := c.lookup(pool, name)
	if img == nil {
		return fail(stderr, 2, "rbd: error opening image %s: (2) No such file or directory", name)
	}
	n := mib << 20
	switch {
	case n < len(img.data) && !allowShrink:
		return fail(stderr, 22, "rbd: shrinking an image is only allowed with the --allow-shrink flag")
	case n < len(img.data):
		img.data = img.data[:n:n]
	default:
		img.data = append(img.data, make([]byte, n-len(img.data))...)
	}
	return nil
}

func splitSnap(imageSnap string) (string, string, bool) {
	return strings.Cut(imageSnap, "@")
}

func (c *Cluster) snapCreate(pool, imageSnap string, stderr io.Writer) error {
	name, snap, ok := splitSnap(imageSnap)
	if !ok {
		return usage(stderr, "snap create")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	img := c.lookup(pool, name)
	if img == nil {
		return fail(stderr, 2, "rbd: error opening image %s: (2) No such file or directory", name)
	}
	if findSnap(img, snap) >= 0 {
		return fail(stderr, 17, "rbd: failed to create snapshot: (17) File exists")
	}
	c.nextID++
	img.snaps = append(img.snaps, snapshot{id: c.nextID, name: snap, data: slices.Clone(img.data)})
	return nil
}

func (c *Cluster) snapRm(pool, imageSnap string, stderr io.Writer) error {
	name, snap, ok := splitSnap(imageSnap)
	if !ok {
		return usage(stderr, "snap rm")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	img := c.lookup(pool, name)
	if img == nil {
		return fail(stderr, 2, "rbd: error opening image %s: (2) No such file or directory", name)
	}
	i := findSnap(img, snap)
	if i < 0 {
		return fail(stderr, 2, "rbd: failed to remove snapshot: (2) No such file or directory")
	}
	img.snaps = slices.Delete(img.snaps, i, i+1)
	return nil
}

func findSnap(img *image, name string) int {
	return slices.IndexFunc(img.snaps, func(s snapshot) bool { return s.name == name })
}

// exportDiff writes a header line followed by the snapshot content. The
// content is always whole; the header carries the snapshot boundaries that
// import-diff validates.
func (c *Cluster) exportDiff(path, fromSnap string, stdout, stderr io.Writer) error {
	imageSnap, snap, ok := splitSnap(path)
	pool, name, ok2 := strings.Cut(imageSnap, "/")
	if !ok || !ok2 {
		return usage(stderr, "export-diff")
	}
	c.mu.Lock()
	img := c.lookup(pool, name)
	var data []byte
	found := false
	if img != nil {
		if i := findSnap(img, snap); i >= 0 {
			data, found = slices.Clone(img.snaps[i].data), true
		}
		if fromSnap != "" && findSnap(img, fromSnap) < 0 {
			found = false
		}
	}
	c.mu.Unlock()
	if !found {
		return fail(stderr, 2, "rbd: export-diff error: (2) No such file or directory")
	}
	if _, err := fmt.Fprintf(stdout, "%s from=%s to=%s size=%d\n", diffMagic, fromSnap, snap, len(data)); err != nil {
		return &process.StatusError{Code: 32}
	}
	if _, err := stdout.Write(data); err != nil {
		return &process.StatusError{Code: 32}
	}
	return nil
}

func (c *Cluster) importDiff(path string, stdin io.Reader, stderr io.Writer) error {
	pool, name, ok := strings.Cut(path, "/")
	if !ok {
		return usage(stderr, "import-diff")
	}
	if stdin == nil {
		return fail(stderr, 22, "rbd: import-diff: no input")
	}
	br := bufio.NewReader(stdin)
	header, err := br.ReadString('\n')
	if err != nil {
		return fail(stderr, 22, "rbd: import-diff: invalid or truncated input")
	}
	var from, to string
	var size int
	for _, f := range strings.Fields(strings.TrimPrefix(header, diffMagic)) {
		k, v, _ := strings.Cut(f, "=")
		switch k {
		case "from":
			from = v
		case "to":
			to = v
		case "size":
			fmt.Sscanf(v, "%d", &size)
		}
	}
	data, err := io.ReadAll(br)
	if err != nil || len(data) != size || !strings.HasPrefix(header, diffMagic) {
		return fail(stderr, 22, "rbd: import-diff: invalid or truncated input")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	img := c.lookup(pool, name)
	if img == nil {
		return fail(stderr, 2, "rbd: error opening image %s: (2) No such file or directory", name)
	}
	if from != "" && findSnap(img, from) < 0 {
		return fail(stderr, 2, "rbd: start snapshot '%s' does not exist in the image, aborting", from)
	}
	if findSnap(img, to) >= 0 {
		return fail(stderr, 17, "rbd: end snapshot '%s' already exists, aborting", to)
	}
	if from == "" {
		img.data = overlay(img.data, data)
	} else {
		img.data = data
	}
	c.nextID++
	img.snaps = append(img.snaps, snapshot{id: c.nextID, name: to, data: slices.Clone(img.data)})
	return nil
}

// overlay applies a full diff the way rbd does: zero bytes stand for
// unallocated extents, which a full export omits, so the destination keeps
// whatever it held there.
func overlay(head, data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, head)
	for i, b := range data {
		if b != 0 {
			out[i] = b
		}
	}
	return out
}

func (c *Cluster) ceph(args []string, stdout, stderr io.Writer) error {
	switch {
	case len(args) == 1 && args[0] == "health":
		_, err := fmt.Fprintln(stdout, c.next(&c.health, "HEALTH_OK"))
		return err
	case len(args) == 1 && args[0] == "status":
		_, err := fmt.Fprintln(stdout, c.next(&c.status, "  cluster:\n    health: HEALTH_OK\n"))
		return err
	case len(args) == 3 && args[0] == "osd" && (args[1] == "set" || args[1] == "unset"):
		c.mu.Lock()
		c.flags[args[2]] = args[1] == "set"
		c.mu.Unlock()
		if args[1] == "set" {
			fmt.Fprintf(stderr, "%s is set\n", args[2])
		} else {
			fmt.Fprintf(stderr, "%s is unset\n", args[2])
		}
		return nil
	}
	return usage(stderr, "ceph "+strings.Join(args, " "))
}

func (c *Cluster) next(queue *[]string, def string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(*queue) == 0 {
		return def
	}
	v := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return v
}

func usage(stderr io.Writer, what string) error {
	return fail(stderr, 22, "unsupported invocation: %s", what)
}

func fail(stderr io.Writer, code int, format string, args ...any) error {
	fmt.Fprintf(stderr, format+"\n", args...)
	return &process.StatusError{Code: code}
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
