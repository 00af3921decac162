package transfer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Progress display modes.
const (
	ProgressAuto  = "auto"
	ProgressBar   = "bar"
	ProgressPlain = "plain"
	ProgressNone  = "none"
)

const (
	copyBufSize             = 1 << 20
	DefaultProgressInterval = 30 * time.Second
)

// ResolveProgress maps "auto" to bar on a terminal and plain otherwise.
func ResolveProgress(mode string, out *os.File) string {
	if mode != ProgressAuto && mode != "" {
		return mode
	}
	if out != nil && (isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())) {
		return ProgressBar
	}
	return ProgressPlain
}

// Meter copies a stream unchanged while reporting throughput.
type Meter struct {
	Label    string
	Total    int64 // estimate; 0 when unknown
	Mode     string
	Interval time.Duration
	Output   io.Writer

	bytes atomic.Int64
}

// Bytes returns the number of bytes passed through so far.
func (m *Meter) Bytes() int64 { return m.bytes.Load() }

// Copy moves src to dst until EOF or the first error. A write error, such as
// a consumer that went away, is returned as a failure.
func (m *Meter) Copy(dst io.Writer, src io.Reader) (Stats, error) {
	out := m.Output
	if out == nil {
		out = os.Stderr
	}
	start := time.Now()

	var (
		p    *mpb.Progress
		bar  *mpb.Bar
		stop chan struct{}
		wg   sync.WaitGroup
	)
	switch m.Mode {
	case ProgressBar:
		p = mpb.New(mpb.WithOutput(out), mpb.WithWidth(40), mpb.WithRefreshRate(100*time.Millisecond))
		name := m.Label + " "
		// created with zero total so the estimate never completes the bar early
		bar = p.New(0, mpb.BarStyle().Rbound("|").Lbound("|"),
			mpb.PrependDecorators(decor.Name(name, decor.WC{W: len(name), C: decor.DSyncWidth}), decor.Percentage()),
			mpb.AppendDecorators(decor.Any(func(s decor.Statistics) string {
				return fmt.Sprintf("%s / %s, %s/s", humanize.IBytes(uint64(s.Current)), humanize.IBytes(uint64(s.Total)),
					humanize.IBytes(uint64(rate(s.Current, time.Since(start)))))
			})))
		if m.Total > 0 {
			bar.SetTotal(m.Total, false)
		}
	case ProgressPlain:
		interval := m.Interval
		if interval <= 0 {
			interval = DefaultProgressInterval
		}
		stop = make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					fmt.Fprintln(out, m.plainLine(start))
				}
			}
		}()
	}

	buf := make([]byte, copyBufSize)
	var err error
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			m.bytes.Add(int64(wn))
			if bar != nil {
				bar.IncrBy(wn)
			}
			if werr != nil {
				err = fmt.Errorf("write to consumer: %w", werr)
				break
			}
			if wn < n {
				err = fmt.Errorf("write to consumer: %w", io.ErrShortWrite)
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = fmt.Errorf("read from producer: %w", rerr)
			break
		}
	}

	if bar != nil {
		if err != nil {
			bar.Abort(false)
		} else {
			bar.SetTotal(-1, true)
		}
		p.Wait()
	}
	if stop != nil {
		close(stop)
		wg.Wait()
		if err == nil {
			fmt.Fprintln(out, m.plainLine(start))
		}
	}
	return Stats{Bytes: m.bytes.Load(), Elapsed: time.Since(start)}, err
}

func (m *Meter) plainLine(start time.Time) string {
	cur := m.bytes.Load()
	elapsed := time.Since(start)
	speed := rate(cur, elapsed)
	line := fmt.Sprintf("[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), m.Label, humanize.IBytes(uint64(cur)))
	if m.Total > 0 {
		line += fmt.Sprintf(" / ~%s (%d %%)", humanize.IBytes(uint64(m.Total)), min(cur*100/m.Total, 100))
	}
	return line + fmt.Sprintf(", %s/s, elapsed %s", humanize.IBytes(uint64(speed)), elapsed.Truncate(time.Second))
}

func rate(n int64, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(float64(n) / d.Seconds())
}
