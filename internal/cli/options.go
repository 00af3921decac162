package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vbp1/rbdsync/internal/checkpoint"
	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/replicate"
	"github.com/vbp1/rbdsync/internal/transfer"
	"github.com/vbp1/rbdsync/internal/volume"
)

// Options holds values of CLI flags.
type Options struct {
	Source         string
	Destination    string
	SnapshotPrefix string
	WholeObject    bool
	WaitHealthy    bool
	NoScrubbing    bool
	RetainBase     bool
	ResetDest      bool

	Verbose    int
	Debug      bool
	ConfigFile string

	SSHMode     string
	SSHKey      string
	InsecureSSH bool
	SSHOptions  []string

	RBDBin  string
	CephBin string

	Progress    string
	ProgressInt time.Duration

	Lock        bool
	LockDir     string
	MetricsFile string
}

// SSH modes.
const (
	SSHExec   = "exec"
	SSHNative = "native"
)

func (o *Options) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.Source, "source", "s", "", "Source volume [user@host:]pool/image (required)")
	f.StringVarP(&o.Destination, "destination", "d", "", "Destination volume [user@host:]pool/image, must exist (required)")
	f.StringVarP(&o.SnapshotPrefix, "snapshot-prefix", "p", checkpoint.DefaultPrefix, "Prefix of snapshots owned by rbdsync")
	f.BoolVarP(&o.WholeObject, "whole-object", "w", true, "Compare whole objects in incremental export-diff")
	f.BoolVar(&o.WaitHealthy, "wait-until-healthy", true, "Wait until neither cluster reports HEALTH_ERR")
	f.BoolVar(&o.NoScrubbing, "no-scrubbing", false, "Pause scrubbing on both clusters during the transfer (implies --wait-until-healthy)")
	f.BoolVar(&o.RetainBase, "retain-base", false, "Keep the snapshot of a full transfer on the source so the next run is incremental")
	f.BoolVar(&o.ResetDest, "reset-destination", false, "Allow a full transfer over a destination that still holds snapshots of an earlier replication chain")
	f.CountVarP(&o.Verbose, "verbose", "v", "Increase verbosity (-v info, -vv debug)")
	f.BoolVar(&o.Debug, "debug", false, "Enable debug trace output")
	f.StringVar(&o.ConfigFile, "config", "", "YAML file with defaults; explicit flags win")
	f.StringVar(&o.SSHMode, "ssh-mode", SSHExec, "Remote execution: exec (ssh binary) or native (built-in client)")
	f.StringVar(&o.SSHKey, "ssh-key", "", "SSH private key file")
	f.BoolVar(&o.InsecureSSH, "insecure-ssh", false, "Disable strict host-key checking (NOT recommended)")
	f.StringArrayVar(&o.SSHOptions, "ssh-option", nil, "Extra ssh -o option in exec mode (repeatable)")
	f.StringVar(&o.RBDBin, "rbd-bin", "rbd", "rbd binary on every site")
	f.StringVar(&o.CephBin, "ceph-bin", "ceph", "ceph binary on every site")
	f.StringVar(&o.Progress, "progress", transfer.ProgressAuto, "Progress display mode: auto|bar|plain|none")
	f.DurationVar(&o.ProgressInt, "progress-interval", transfer.DefaultProgressInterval, "Interval between updates in plain mode")
	f.BoolVar(&o.Lock, "lock", false, "Refuse to run while another run replicates the same pair")
	f.StringVar(&o.LockDir, "lock-dir", "", "Directory of lock files (default: system temp)")
	f.StringVar(&o.MetricsFile, "metrics-file", "", "Write a Prometheus textfile with the run result")
}

// fileConfig mirrors Options for --config. Unset keys keep flag values.
type fileConfig struct {
	Source         *string `yaml:"source"`
	Destination    *string `yaml:"destination"`
	SnapshotPrefix *string `yaml:"snapshot_prefix"`
	WholeObject    *bool   `yaml:"whole_object"`
	WaitHealthy    *bool   `yaml:"wait_until_healthy"`
	NoScrubbing    *bool   `yaml:"no_scrubbing"`
	RetainBase     *bool   `yaml:"retain_base"`
	ResetDest      *bool   `yaml:"reset_destination"`
	Verbose        *int    `yaml:"verbose"`
	Debug          *bool   `yaml:"debug"`
	SSH            struct {
		Mode     *string  `yaml:"mode"`
		Key      *string  `yaml:"key"`
		Insecure *bool    `yaml:"insecure"`
		Options  []string `yaml:"options"`
	} `yaml:"ssh"`
	RBDBin   *string `yaml:"rbd_bin"`
	CephBin  *string `yaml:"ceph_bin"`
	Progress struct {
		Mode     *string `yaml:"mode"`
		Interval *string `yaml:"interval"`
	} `yaml:"progress"`
	Lock struct {
		Enabled *bool   `yaml:"enabled"`
		Dir     *string `yaml:"dir"`
	} `yaml:"lock"`
	MetricsFile *string `yaml:"metrics_file"`
}

func loadFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errclass.Wrap(errclass.Usage, err, "read config")
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, errclass.Wrap(errclass.Usage, err, "parse config %s", path)
	}
	return &fc, nil
}

func set[T any](cmd *cobra.Command, flag string, dst *T, v *T) {
	if v != nil && !cmd.Flags().Changed(flag) {
		*dst = *v
	}
}

// applyFile merges fc into o for every flag not given on the command line.
func (o *Options) applyFile(cmd *cobra.Command, fc *fileConfig) error {
	set(cmd, "source", &o.Source, fc.Source)
	set(cmd, "destination", &o.Destination, fc.Destination)
	set(cmd, "snapshot-prefix", &o.SnapshotPrefix, fc.SnapshotPrefix)
	set(cmd, "whole-object", &o.WholeObject, fc.WholeObject)
	set(cmd, "wait-until-healthy", &o.WaitHealthy, fc.WaitHealthy)
	set(cmd, "no-scrubbing", &o.NoScrubbing, fc.NoScrubbing)
	set(cmd, "retain-base", &o.RetainBase, fc.RetainBase)
	set(cmd, "reset-destination", &o.ResetDest, fc.ResetDest)
	set(cmd, "verbose", &o.Verbose, fc.Verbose)
	set(cmd, "debug", &o.Debug, fc.Debug)
	set(cmd, "ssh-mode", &o.SSHMode, fc.SSH.Mode)
	set(cmd, "ssh-key", &o.SSHKey, fc.SSH.Key)
	set(cmd, "insecure-ssh", &o.InsecureSSH, fc.SSH.Insecure)
	if fc.SSH.Options != nil && !cmd.Flags().Changed("ssh-option") {
		o.SSHOptions = fc.SSH.Options
	}
	set(cmd, "rbd-bin", &o.RBDBin, fc.RBDBin)
	set(cmd, "ceph-bin", &o.CephBin, fc.CephBin)
	set(cmd, "progress", &o.Progress, fc.Progress.Mode)
	if fc.Progress.Interval != nil && !cmd.Flags().Changed("progress-interval") {
		d, err := time.ParseDuration(*fc.Progress.Interval)
		if err != nil {
			return errclass.Wrap(errclass.Usage, err, "progress.interval")
		}
		o.ProgressInt = d
	}
	set(cmd, "lock", &o.Lock, fc.Lock.Enabled)
	set(cmd, "lock-dir", &o.LockDir, fc.Lock.Dir)
	set(cmd, "metrics-file", &o.MetricsFile, fc.MetricsFile)
	return nil
}

// resolve validates the options and produces the run configuration.
func (o *Options) resolve() (*replicate.Config, volume.Location, volume.Location, error) {
	var src, dst volume.Location
	if o.Source == "" || o.Destination == "" {
		return nil, src, dst, errclass.New(errclass.Usage, "--source and --destination are required")
	}
	src, err := volume.ParseLocation(o.Source)
	if err != nil {
		return nil, src, dst, errclass.Wrap(errclass.Usage, err, "--source")
	}
	dst, err = volume.ParseLocation(o.Destination)
	if err != nil {
		return nil, src, dst, errclass.Wrap(errclass.Usage, err, "--destination")
	}
	if src == dst {
		return nil, src, dst, errclass.New(errclass.Usage, "source and destination are the same volume %s", src)
	}
	if o.SSHMode != SSHExec && o.SSHMode != SSHNative {
		return nil, src, dst, errclass.New(errclass.Usage, "unknown --ssh-mode %q", o.SSHMode)
	}
	if o.ProgressInt <= 0 {
		return nil, src, dst, errclass.New(errclass.Usage, "--progress-interval must be positive, got %s", o.ProgressInt)
	}
	cfg := &replicate.Config{
		SnapshotPrefix:   o.SnapshotPrefix,
		WholeObject:      o.WholeObject,
		WaitHealthy:      o.WaitHealthy || o.NoScrubbing,
		NoScrubbing:      o.NoScrubbing,
		RetainBase:       o.RetainBase,
		ResetDestination: o.ResetDest,
		Lock:             o.Lock,
		LockDir:          o.LockDir,
		Progress:         transfer.Progress{Mode: o.Progress, Interval: o.ProgressInt},
	}
	if err := cfg.Validate(); err != nil {
		return nil, src, dst, err
	}
	return cfg, src, dst, nil
}
