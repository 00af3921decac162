package transfer

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats summarises one transfer.
type Stats struct {
	Bytes   int64
	Elapsed time.Duration
}

// Rate returns the average throughput in bytes per second.
func (s Stats) Rate() int64 { return rate(s.Bytes, s.Elapsed) }

// Summary renders bytes, duration and average rate for humans.
func (s Stats) Summary() string {
	return fmt.Sprintf("%s in %s (%s/s)", humanize.IBytes(uint64(s.Bytes)),
		s.Elapsed.Truncate(time.Millisecond), humanize.IBytes(uint64(s.Rate())))
}
