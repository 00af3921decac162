// Package metrics records the outcome of one run in a private Prometheus
// registry and writes it as a node_exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the gauges of one run, labelled with the volume pair.
type Recorder struct {
	reg    *prometheus.Registry
	labels prometheus.Labels

	lastRun        *prometheus.GaugeVec
	success        *prometheus.GaugeVec
	exitCode       *prometheus.GaugeVec
	transferBytes  *prometheus.GaugeVec
	transferTime   *prometheus.GaugeVec
	removeFailures *prometheus.CounterVec
}

// New creates a recorder for source -> destination.
func New(source, destination string) *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	pair := []string{"source", "destination"}
	return &Recorder{
		reg:    reg,
		labels: prometheus.Labels{"source": source, "destination": destination},
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbdsync_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}, pair),
		success: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbdsync_last_run_success",
			Help: "1 if the last run succeeded",
		}, pair),
		exitCode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbdsync_last_run_exit_code",
			Help: "Exit status of the last run",
		}, pair),
		transferBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbdsync_transfer_bytes",
			Help: "Bytes streamed by the last transfer",
		}, append(pair, "mode")),
		transferTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbdsync_transfer_duration_seconds",
			Help: "Duration of the last transfer",
		}, append(pair, "mode")),
		removeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rbdsync_checkpoint_remove_failures_total",
			Help: "Checkpoint removals that failed during the run",
		}, pair),
	}
}

func (r *Recorder) with(mode string) prometheus.Labels {
	l := prometheus.Labels{"mode": mode}
	for k, v := range r.labels {
		l[k] = v
	}
	return l
}

// ObserveTransfer records a successful transfer.
func (r *Recorder) ObserveTransfer(mode string, bytes int64, elapsed time.Duration) {
	r.transferBytes.With(r.with(mode)).Set(float64(bytes))
	r.transferTime.With(r.with(mode)).Set(elapsed.Seconds())
}

// RemoveFailed counts a checkpoint that could not be removed.
func (r *Recorder) RemoveFailed() {
	r.removeFailures.With(r.labels).Inc()
}

// Finish records the run result.
func (r *Recorder) Finish(at time.Time, exitCode int) {
	r.lastRun.With(r.labels).Set(float64(at.Unix()))
	ok := 0.0
	if exitCode == 0 {
		ok = 1
	}
	r.success.With(r.labels).Set(ok)
	r.exitCode.With(r.labels).Set(float64(exitCode))
}

// WriteFile atomically writes the textfile to path.
func (r *Recorder) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
